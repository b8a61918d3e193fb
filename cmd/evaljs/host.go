package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/evaljs/bridge"
)

var hostCmd = &cobra.Command{
	Use:   "host [file]",
	Short: "Run a script on the bridge host loop",
	Long: `Run a script on the host event loop with the evaljs:thread module.

The script's completion value is awaited when it is a promise. Functions
passed to startThread run on the loop on behalf of a worker goroutine:

  const { startThread } = require("evaljs:thread");
  startThread(async (a, b) => a + b, 1, 2); // resolves true

Timers (setTimeout, setInterval) and console are available.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runHost,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	hostCmd.Flags().StringP("code", "c", "", "Code to execute")
	rootCmd.AddCommand(hostCmd)
}

func runHost(cmd *cobra.Command, args []string) error {
	source, err := readSource(cmd, args)
	if errors.Is(err, errNoSource) {
		return cmd.Help()
	}
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	name := "<inline>"
	if len(args) > 0 {
		name = args[0]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := bridge.NewHost(bridge.WithHostLogger(logger))
	h.Start()
	defer h.Stop()

	out := h.Eval(ctx, name, source)
	if !out.OK {
		return out.Err
	}
	return printOutcome(cmd.OutOrStdout(), out)
}

// printOutcome writes a fulfilled value as JSON. undefined prints nothing.
func printOutcome(w io.Writer, out bridge.Outcome) error {
	if out.Value == nil {
		return nil
	}
	data, err := json.Marshal(out.Value)
	if err != nil {
		fmt.Fprintln(w, out.Value)
		return nil //nolint:nilerr
	}
	fmt.Fprintln(w, string(data))
	return nil
}
