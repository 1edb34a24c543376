package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/quipucords/quipucords/internal/app"
	"github.com/quipucords/quipucords/internal/config"
	"github.com/quipucords/quipucords/internal/log"
	"github.com/quipucords/quipucords/internal/manager"
	"github.com/quipucords/quipucords/internal/model"
)

var (
	settings  = config.New()
	inventory model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagForce          bool   // value of config init --force
)

func main() {
	setup()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("quipucords failed", "err", err)
		os.Exit(1)
	}
}

// setup registers the flags and the subcommands.
func setup() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "inventory file to load, defaults to $QPC_INVENTORY")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initQuipucords

	serveCmd.Flags().Int("server-port", 8000, "port of the API server")
	serveCmd.Flags().String("dbms", "sqlite", "database: sqlite, postgres or mysql")
	serveCmd.Flags().String("dbms-dsn", "", "data source name of the database")
	serveCmd.Flags().String("queue", config.QueueMemory, "job queue: memory or redis")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "address of the redis queue")
	serveCmd.Flags().Int("max-concurrent-jobs", 0, fmt.Sprintf("jobs run at once, 0 means the maximum: %d, twice the CPUs plus one", manager.MaxWorkers()))
	serveCmd.Flags().String("log-level", "info", "debug, info, warn or error")

	scanCmd.Flags().String("dbms", "sqlite", "database: sqlite, postgres or mysql")
	scanCmd.Flags().String("dbms-dsn", "", "data source name of the database")

	initCmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(initCmd)

	rootCmd.AddCommand(serveCmd, scanCmd, configCmd, versionCmd)
}

var rootCmd = &cobra.Command{
	Use:          "quipucords",
	Short:        "Inventory of systems and the Red Hat products they run",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the API, run scheduled and requested scans",
	RunE:  doServe,
}

var scanCmd = &cobra.Command{
	Use:   "scan <name>",
	Short: "run a scan of the inventory file and print its deployments report",
	Args:  cobra.ExactArgs(1),
	RunE:  doScan,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "manage the inventory file",
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "write an inventory skeleton, to stdout when no path is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doConfigInit,
	// no settings and no inventory are needed
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version of quipucords",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("quipucords: version info not available")
			return
		}
		b := build(info)
		fmt.Printf("quipucords: %s\n", b.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
	},
}

func build(info *debug.BuildInfo) app.Build {
	b := app.Build{Version: "(devel)"}
	if info == nil {
		return b
	}
	if info.Main.Version != "" {
		b.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			b.Commit = s.Value
		}
	}
	return b
}

func currentBuild() app.Build {
	info, _ := debug.ReadBuildInfo()
	return build(info)
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("quipucords",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))
	cfg, err := loadSettings(settings)
	if err != nil {
		return err
	}
	p, err := app.New(ctx, cfg, inventory, currentBuild())
	if err != nil {
		return err
	}
	defer func() {
		_ = p.Close()
	}()
	return p.Run(ctx)
}

func doScan(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("quipucords",
		slog.String("cmd", "scan"),
		slog.Int("pid", os.Getpid()),
	))
	cfg, err := loadSettings(settings)
	if err != nil {
		return err
	}
	p, err := app.New(ctx, cfg, inventory, currentBuild())
	if err != nil {
		return err
	}
	defer func() {
		_ = p.Close()
	}()

	job, deployments, err := p.Scan(ctx, args[0])
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "scan finished", "job_id", job.ID, "status", job.Status, "message", job.StatusMessage)
	if job.ReportID == nil {
		return fmt.Errorf("scan %q ended %s without a report: %s", args[0], job.Status, job.StatusMessage)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(deployments)
}

func doConfigInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		path := args[0]
		flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
		if flagForce {
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
		}
		f, err := os.OpenFile(path, flags, 0o600)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", path, err)
		}
		defer func() {
			_ = f.Close()
		}()
		out = f
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(model.DefaultConfig(cmd.Context())); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

// loadSettings reads the environment, overridden by the flags of the
// running command.
func loadSettings(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, err
	}
	// --verbose has a precedence over QPC_LOG_LEVEL
	if flagVerbose {
		cfg.LogLevel = "debug"
	}
	slog.SetDefault(app.Logger(cfg))
	return cfg, nil
}

func initQuipucords(cmd *cobra.Command, _ []string) error {
	if err := config.BindFlags(settings, cmd.Flags()); err != nil {
		return err
	}

	// plain logger until the settings are validated
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(level, false))

	path := flagConfigFilePath
	if path == "" {
		path = settings.GetString("inventory")
	}
	if path == "" {
		slog.Debug("no inventory file, the store is used as is")
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening inventory file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	inventory, err = model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid inventory", d.Attr("detail"))
		}
		return fmt.Errorf("parsing inventory %s: %w", path, err)
	}
	slog.Debug("inventory loaded", "path", path,
		"credentials", len(inventory.Credentials),
		"sources", len(inventory.Sources),
		"scans", len(inventory.Scans))
	return nil
}
