package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/onkernel/gpumode/lib/rpc"
	"github.com/onkernel/gpumode/lib/units"
	"golang.org/x/term"
)

const (
	daemonUnit = "gpumoded.service"
	red        = "\x1b[0;31m"
	reset      = "\x1b[0m"
)

// unitState is the part of units.Controller the hints need.
type unitState interface {
	IsEnabled(ctx context.Context, unit string) (bool, error)
	ActiveState(ctx context.Context, unit string) (string, error)
}

// diagnoser explains a failed request: a daemon that is not enabled or not
// running is the usual cause.
type diagnoser struct {
	units unitState
}

func newDiagnoser(ctx context.Context) diagnoser {
	s, err := units.NewSystemd(ctx)
	if err != nil {
		return diagnoser{}
	}
	return diagnoser{units: s}
}

func (d diagnoser) explain(ctx context.Context, w io.Writer, err error, color bool) {
	paint := func(s string) string {
		if color {
			return red + s + reset
		}
		return s
	}

	fmt.Fprintln(w, "Graphics mode change error.")
	if d.units != nil {
		if enabled, uerr := d.units.IsEnabled(ctx, daemonUnit); uerr == nil && !enabled {
			fmt.Fprintln(w, paint("gpumoded is not enabled, enable it with `systemctl enable gpumoded`"))
			return
		}
		if state, uerr := d.units.ActiveState(ctx, daemonUnit); uerr == nil && state != "active" {
			fmt.Fprintln(w, paint("gpumoded is not running, start it with `systemctl start gpumoded`"))
			return
		}
	}

	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		fmt.Fprintln(w, paint(rpcErr.Message))
	}
	fmt.Fprintln(w, "Please check `journalctl -b -u gpumoded` and `systemctl status gpumoded`")
}

// isTerminal reports whether w is a terminal; colors are for people only.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
