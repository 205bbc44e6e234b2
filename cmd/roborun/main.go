package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roborun/roborun/internal/api"
	"github.com/roborun/roborun/internal/config"
	"github.com/roborun/roborun/internal/engine"
	"github.com/roborun/roborun/internal/log"
	"github.com/roborun/roborun/internal/model"
	"github.com/roborun/roborun/internal/store"
)

var (
	userConfigPath string // /default/config/path/roborun on given OS
	configPath     string // actual config file used (if loaded)
	cfg            config.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "roborun")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is roborun.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initRoborun

	runCmd.Flags().StringToStringVar(&flagRunVariables, "var", nil, "run variable overrides, e.g. --var ENV=staging")
	runCmd.Flags().BoolVar(&flagRunFollow, "follow", true, "print captured output while the run executes")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("roborun failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "roborun",
	Short:        "Test run orchestrator for Robot Framework suites",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the orchestrator: worker pool, schedules and the HTTP API",
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run <scenario>",
	Short: "run executes a single scenario by name and waits for the result",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var (
	flagRunVariables map[string]string
	flagRunFollow    bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides the version of roborun",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("roborun: version info not available")
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("roborun: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("roborun",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	eng := engine.New(cfg.EngineConfig(), st)
	srv := api.NewServer(cfg.Listen, eng, st, cfg.CORSOrigins)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Do(ctx)
	})
	g.Go(func() error {
		return srv.Start(ctx)
	})
	return g.Wait()
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("roborun",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	engCfg := cfg.EngineConfig()
	engCfg.Workers = 1
	engCfg.Schedules = nil
	eng := engine.New(engCfg, st)

	workersCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		_ = eng.Do(workersCtx)
	}()
	defer func() {
		stopWorkers()
		<-workersDone
	}()

	sc, err := st.GetScenarioByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("looking up scenario %q: %w", args[0], err)
	}
	run, err := eng.Submit(ctx, model.TargetScenario, sc.ID, flagRunVariables)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "run submitted", "run_id", run.ID, "scenario", sc.Name)

	done, err := eng.WaitChan(run.ID)
	if err != nil {
		return err
	}
	var final model.Run
	select {
	case final = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if flagRunFollow {
		chunks, err := eng.Tail(ctx, run.ID, 0)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			fmt.Printf("%s\t%s\n", c.Stream, c.Line)
		}
	}

	fmt.Printf("run %s: %s", final.ID, final.State)
	if final.Reason != "" {
		fmt.Printf(" (%s)", final.Reason)
	}
	fmt.Printf(" passed=%d failed=%d total=%d\n",
		final.Summary.Passed, final.Summary.Failed, final.Summary.Total)

	switch final.State {
	case model.StatePassed:
		return nil
	case model.StateFailed:
		return errors.New("scenario failed")
	default:
		return fmt.Errorf("scenario did not finish: %s", final.State)
	}
}

func initRoborun(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("ROBORUNCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "roborun.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		configPath = filepath.Join(userConfigPath, "roborun.yaml")
		var err error
		cfg, err = config.WriteDefault(configPath)
		if err != nil {
			return err
		}
	} else {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		cfg.Verbose = true
	}

	slog.SetDefault(log.New(cfg.Verbose))
	slog.Debug("roborun start", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
