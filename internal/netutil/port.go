package netutil

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/samber/lo"
)

// ErrNoBindAddr is returned when neither the preferred address nor any
// candidate can be listened on.
var ErrNoBindAddr = errors.New("netutil: no free bind address")

// SelectBindAddr returns preferred when it is free. Otherwise, with
// autoFallback, it returns the first free candidate. Candidates repeating
// preferred or each other are tried once.
func SelectBindAddr(preferred string, candidates []string, autoFallback bool) (string, error) {
	tried := make([]string, 0, len(candidates)+1)
	if preferred != "" {
		ok, err := IsAddrAvailable(preferred)
		if err != nil {
			return "", err
		}
		if ok {
			return preferred, nil
		}
		if !autoFallback {
			return "", fmt.Errorf("netutil: bind address %s is in use", preferred)
		}
		tried = append(tried, preferred)
	}

	for _, addr := range lo.Uniq(candidates) {
		if addr == preferred {
			continue
		}
		ok, err := IsAddrAvailable(addr)
		if err != nil {
			return "", err
		}
		if ok {
			return addr, nil
		}
		tried = append(tried, addr)
	}

	return "", fmt.Errorf("%w (tried %s)", ErrNoBindAddr, strings.Join(tried, ", "))
}

// IsAddrAvailable reports whether addr can be listened on. A malformed
// address is an error rather than "busy".
func IsAddrAvailable(addr string) (bool, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return false, fmt.Errorf("netutil: bad bind address %q: %w", addr, err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	if closeErr := ln.Close(); closeErr != nil {
		return false, closeErr
	}
	return true, nil
}
