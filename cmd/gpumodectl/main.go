// Command gpumodectl queries and switches the graphics mode through gpumoded.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// errUserAction marks a request the daemon refused until the user acts.
var errUserAction = errors.New("user action required")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &options{}
	cmd := newRootCmd(opts, newDiagnoser)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errUserAction) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
