package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/onkernel/gpumode/lib/events"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/paths"
	"github.com/onkernel/gpumode/lib/rpc"
	"github.com/spf13/cobra"
)

type options struct {
	socket        string
	mode          string
	get           bool
	supported     bool
	vendor        bool
	status        bool
	pendingMode   bool
	pendingAction bool
	version       bool
	config        bool
	setConfig     string
	watch         bool
	verbose       bool
}

func (o *options) anyQuery() bool {
	return o.mode != "" || o.get || o.supported || o.vendor || o.status ||
		o.pendingMode || o.pendingAction || o.version || o.config || o.setConfig != "" || o.watch
}

// diagnoserFunc builds the failure explainer; tests swap it out.
type diagnoserFunc func(ctx context.Context) diagnoser

func newRootCmd(opts *options, newDiag diagnoserFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gpumodectl",
		Short:         "Query and switch the graphics mode of this machine",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !opts.anyQuery() {
				return cmd.Help()
			}
			c := rpc.NewClient(opts.socket)
			err := execute(cmd.Context(), cmd.OutOrStdout(), c, opts)
			if err != nil && !errors.Is(err, errUserAction) && opts.verbose {
				newDiag(cmd.Context()).explain(cmd.Context(), cmd.ErrOrStderr(), err, isTerminal(cmd.ErrOrStderr()))
			}
			return err
		},
	}

	defaultSocket := os.Getenv("GPUMODED_SOCKET")
	if defaultSocket == "" {
		defaultSocket = paths.New("/").Socket()
	}

	f := cmd.Flags()
	f.StringVar(&opts.socket, "socket", defaultSocket, "path of the gpumoded control socket")
	f.StringVarP(&opts.mode, "mode", "m", "", "set the graphics mode")
	f.BoolVarP(&opts.get, "get", "g", false, "print the current mode")
	f.BoolVarP(&opts.supported, "supported", "s", false, "print the supported modes")
	f.BoolVar(&opts.vendor, "vendor", false, "print the dGPU vendor")
	f.BoolVarP(&opts.status, "status", "p", false, "print the dGPU power status")
	f.BoolVar(&opts.pendingMode, "pending-mode", false, "print the mode waiting for a logout or reboot")
	f.BoolVar(&opts.pendingAction, "pending-action", false, "print the action a pending change waits for")
	f.BoolVarP(&opts.version, "version", "V", false, "print the gpumoded version")
	f.BoolVar(&opts.config, "config", false, "print the daemon config")
	f.StringVar(&opts.setConfig, "set-config", "", "update config fields from a JSON object")
	f.BoolVarP(&opts.watch, "watch", "w", false, "stream daemon events until interrupted")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "explain results and failures")
	return cmd
}

// execute runs the requested operations in a fixed order. A mode change
// ends the run, like the daemon's reply ends the request.
func execute(ctx context.Context, out io.Writer, c *rpc.Client, o *options) error {
	if o.mode != "" {
		return setMode(ctx, out, c, o)
	}
	if o.setConfig != "" {
		cfg, err := c.SetConfig(ctx, json.RawMessage(o.setConfig))
		if err != nil {
			return err
		}
		if err := printJSON(out, cfg); err != nil {
			return err
		}
	}
	if o.version {
		v, err := c.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v.Version)
	}
	if o.get {
		m, err := c.Mode(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, m)
	}
	if o.supported {
		modes, err := c.SupportedModes(ctx)
		if err != nil {
			return err
		}
		names := make([]string, len(modes))
		for i, m := range modes {
			names[i] = string(m)
		}
		fmt.Fprintf(out, "[%s]\n", strings.Join(names, ", "))
	}
	if o.vendor {
		v, err := c.Vendor(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	}
	if o.status {
		p, err := c.Power(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, strings.ToLower(string(p)))
	}
	if o.pendingMode {
		m, err := c.PendingMode(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, m)
	}
	if o.pendingAction {
		a, err := c.PendingAction(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, a.Describe())
	}
	if o.config {
		cfg, err := c.Config(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(out, cfg); err != nil {
			return err
		}
	}
	if o.watch {
		return c.Watch(ctx, func(e events.Event) { printEvent(out, e) })
	}
	return nil
}

func setMode(ctx context.Context, out io.Writer, c *rpc.Client, o *options) error {
	if o.verbose {
		fmt.Fprintln(out, "If anything fails check `journalctl -b -u gpumoded`")
	}
	action, err := c.SetMode(ctx, o.mode)
	if err != nil {
		return err
	}
	switch action {
	case gfx.ActionSwitchToIntegrated, gfx.ActionAsusMuxToOptimus:
		fmt.Fprintln(out, action.Describe())
		return errUserAction
	case gfx.ActionLogout, gfx.ActionReboot:
		fmt.Fprintf(out, "Graphics mode changed to %s. Required user action: %s\n", o.mode, action)
	default:
		if o.verbose {
			fmt.Fprintf(out, "Graphics mode changed to %s\n", o.mode)
		}
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvent(out io.Writer, e events.Event) {
	ts := e.Timestamp.Format("15:04:05")
	switch e.Type {
	case events.TypeModeChanged:
		fmt.Fprintf(out, "%s mode changed: %s\n", ts, e.Mode)
	case events.TypeUserActionRequired:
		fmt.Fprintf(out, "%s action required: %s\n", ts, e.Action.Describe())
	case events.TypePowerStatusChanged:
		fmt.Fprintf(out, "%s dGPU power: %s\n", ts, strings.ToLower(string(e.Power)))
	default:
		fmt.Fprintf(out, "%s %s\n", ts, e.Type)
	}
}
