package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/caffeineduck/evaljs/backend/native"
	"github.com/caffeineduck/evaljs/backend/wasm"
	"github.com/caffeineduck/evaljs/engine"
	"github.com/caffeineduck/evaljs/executor"
	"github.com/caffeineduck/evaljs/hostfunc"
	"github.com/caffeineduck/evaljs/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "evaljs [file]",
	Short: "Embedded JavaScript sessions",
	Long: `evaljs - Evaluate JavaScript in isolated, persistent sessions.

Run code from files, inline strings, or stdin. Sessions run on the native
engine (goja) by default or on QuickJS compiled to WebAssembly with
--engine wasm. Script can only reach the host through the callbacks the
session installs: console, add, assertEqual and optionally the kv_* store.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runRun, // Default to run command behavior
	SilenceUsage:  true,
	SilenceErrors: true,
}

var red = color.New(color.FgRed).SprintFunc()

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}

func init() {
	rootCmd.PersistentFlags().String("engine", "", "Engine: native, wasm (default: native)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before the config")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable the wasm compilation cache")
	rootCmd.PersistentFlags().String("memory", "", "wasm memory limit: 16mb, 64mb, 256mb, 1gb")

	addRunFlags(rootCmd)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", red("Error: "+err.Error()))
	os.Exit(1)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec
}

// loadConfig resolves the configuration: defaults, then the config file,
// then flags that were set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()

	envFile, _ := flags.GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	if flags.Changed("engine") {
		cfg.Engine, _ = flags.GetString("engine")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("no-cache") {
		noCache, _ := flags.GetBool("no-cache")
		cfg.Wasm.DiskCache = !noCache
	}
	if flags.Changed("memory") {
		cfg.Wasm.MemoryLimit, _ = flags.GetString("memory")
	}
	if flags.Lookup("timeout") != nil && flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Lookup("kv") != nil && flags.Changed("kv") {
		cfg.KV.Enabled, _ = flags.GetBool("kv")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.DisableStacktrace = true
	return zcfg.Build()
}

func newEngine(cfg config.Config, logger *zap.Logger) (engine.Engine, error) {
	switch cfg.Engine {
	case config.EngineWasm:
		opts := []wasm.Option{wasm.WithLogger(logger)}
		if cfg.Wasm.DiskCache {
			opts = append(opts, wasm.WithDiskCache(cfg.Wasm.CacheDir))
		}
		pages, err := cfg.Wasm.MemoryLimitPages()
		if err != nil {
			return nil, err
		}
		if pages > 0 {
			opts = append(opts, wasm.WithMemoryLimit(pages))
		}
		return wasm.New(opts...), nil
	default:
		return native.New(native.WithLogger(logger)), nil
	}
}

// newExecutor builds an executor for cfg. With precompile the engine is
// initialized before the first session.
func newExecutor(cfg config.Config, logger *zap.Logger, precompile bool) (*executor.Executor, error) {
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts := []executor.ExecutorOption{
		executor.WithEngine(eng),
		executor.WithLogger(logger),
	}
	if precompile {
		opts = append(opts, executor.WithPrecompile())
	}
	return executor.New(hostfunc.NewRegistry(), opts...)
}

func sessionOptions(cfg config.Config, console io.Writer) []executor.SessionOption {
	opts := []executor.SessionOption{
		executor.WithSessionTimeout(cfg.Timeout),
		executor.WithSessionConsole(console),
	}
	if cfg.KV.Enabled {
		opts = append(opts, executor.WithSessionKV(
			hostfunc.WithMaxKeySize(cfg.KV.MaxKeySize),
			hostfunc.WithMaxValueSize(cfg.KV.MaxValueSize),
			hostfunc.WithMaxEntries(cfg.KV.MaxEntries),
		))
	}
	return opts
}

// setup is the common prologue of every command.
func setup(cmd *cobra.Command, precompile bool) (config.Config, *zap.Logger, *executor.Executor, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, nil, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return cfg, nil, nil, err
	}
	exec, err := newExecutor(cfg, logger, precompile)
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, logger, exec, nil
}

func printResult(w io.Writer, res executor.Result) {
	if res.Valid {
		fmt.Fprintln(w, res.Value)
	}
}
