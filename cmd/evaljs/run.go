package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/evaljs/executor"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run code (stateless execution)",
	Long: `Evaluate JavaScript in a fresh session and print its completion value.

Code can be provided via:
  - File argument: evaljs run script.js
  - Inline flag: evaljs run -c '1 + 1'
  - Stdin: echo '1 + 1' | evaljs run

Numbers print as 32-bit integers, objects as JSON. undefined and null
print nothing.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runRun,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	addSessionFlags(cmd)
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 30*time.Second, "Evaluation timeout (0 disables)")
	cmd.Flags().Bool("kv", false, "Enable key-value store")
}

var errNoSource = errors.New("no code given: use -c, a file argument or stdin")

// readSource returns the code from -c, the file argument or piped stdin.
func readSource(cmd *cobra.Command, args []string) (string, error) {
	code, _ := cmd.Flags().GetString("code")
	switch {
	case code != "":
		return code, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	case isTerminal(os.Stdin):
		return "", errNoSource
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errNoSource
	}
	return string(data), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	source, err := readSource(cmd, args)
	if errors.Is(err, errNoSource) {
		return cmd.Help()
	}
	if err != nil {
		return err
	}

	cfg, logger, exec, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer exec.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res := exec.Run(ctx, source,
		executor.WithTimeout(cfg.Timeout),
		executor.WithSessionOptions(sessionOptions(cfg, cmd.OutOrStdout())...),
	)
	if res.Error != nil {
		return res.Error
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}
