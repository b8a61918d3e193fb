package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/evaljs/executor"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL with persistent state",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Globals persist between lines. Type 'exit' or 'quit' to end the session,
or press Ctrl+D.`,
	RunE:          runRepl,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	addSessionFlags(replCmd)
	replCmd.Flags().String("history", "", "History file path (default: ~/.evaljs_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".evaljs_history")
	}

	cfg, logger, exec, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer exec.Close()

	out := cmd.OutOrStdout()
	id, err := exec.CreateSession(context.Background(), sessionOptions(cfg, out)...)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer func() {
		if err := exec.DisposeSession(id); err != nil {
			logger.Warn("dispose session", zap.Error(err))
		}
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "evaljs %s REPL (type 'exit' to quit, Ctrl+D to exit)\n", exec.Engine())

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt("> ")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt("> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		res := exec.Evaluate(context.Background(), id, line)
		if res.Error != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), red("Error: "+res.Error.Error()))
			continue
		}
		replPrint(out, res)
	}
}

// replPrint shows undefined and null explicitly, unlike run.
func replPrint(w io.Writer, res executor.Result) {
	if res.Valid {
		fmt.Fprintln(w, res.Value)
		return
	}
	fmt.Fprintln(w, res.Kind)
}
