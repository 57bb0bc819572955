package relay

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	keepAliveEvery = 20 * time.Second
	retryMillis    = 3000
)

// SSEHandler streams broker events as server-sent events.
//
// ?feeds=indicator,capture limits the stream to those feeds. A reconnecting
// client's Last-Event-ID suppresses replayed events it has already seen.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		feeds := parseFeeds(r.URL.Query().Get("feeds"))
		lastSeen, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		fmt.Fprintf(w, "retry: %d\n\n", retryMillis)
		flusher.Flush()

		id, events := broker.Subscribe()
		defer broker.Unsubscribe(id)

		keepAlive := time.NewTicker(keepAliveEvery)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				_, _ = io.WriteString(w, ": ping\n\n")
			case evt, open := <-events:
				if !open {
					return
				}
				if evt.ID <= lastSeen || (feeds != nil && !feeds[evt.Feed]) {
					continue
				}
				writeEvent(w, evt)
			}
			flusher.Flush()
		}
	}
}

func parseFeeds(raw string) map[string]bool {
	names := lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
	if len(names) == 0 {
		return nil
	}
	return lo.SliceToMap(names, func(s string) (string, bool) { return s, true })
}

func writeEvent(w io.Writer, evt Event) {
	fmt.Fprintf(w, "id: %d\nevent: %s\n", evt.ID, evt.Feed)
	for _, line := range strings.Split(evt.Payload, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = io.WriteString(w, "\n")
}
