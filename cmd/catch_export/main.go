// catch_export writes the stored capture to a JSON file without a running
// catcher or browser. It reads the same state file the daemon persists to.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dgnsrekt/empire_catcher/internal/export"
	"github.com/dgnsrekt/empire_catcher/internal/store"
	"github.com/dgnsrekt/empire_catcher/internal/types"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if types.CodeOf(err) == types.CodeCaptureNotFound {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var statePath, outDir string
	var toStdout bool

	flagSet := pflag.NewFlagSet("catch_export", pflag.ContinueOnError)
	flagSet.StringVar(&statePath, "state", "./data/state.json", "path to the catcher state file")
	flagSet.StringVarP(&outDir, "out", "o", "./exports", "directory to write <slug>.json into")
	flagSet.BoolVar(&toStdout, "stdout", false, "print the formatted capture instead of writing a file")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	st, fresh, err := store.Open(statePath)
	if err != nil {
		return err
	}
	rec, ok := st.LastCapture()
	if fresh || !ok {
		return types.NewError(types.CodeCaptureNotFound, "no capture in "+statePath, nil)
	}

	if toStdout {
		body, err := export.Render(rec.Data)
		if err != nil {
			return err
		}
		_, err = stdout.Write(body)
		return err
	}

	path, err := export.Write(outDir, rec)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, path)
	return nil
}
