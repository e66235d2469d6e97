// Command scanagent answers scan requests from scanftp clients by running
// clamscan on each received file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gonzalop/scanftp/internal/config"
	"github.com/gonzalop/scanftp/internal/logger"
	"github.com/gonzalop/scanftp/scan"
)

const (
	name            = "scanagent"
	shutdownTimeout = 10 * time.Second
)

type flags struct {
	configFile  string
	listen      string
	tempDir     string
	maxFileSize int64
	clamscan    string
	scanTimeout int
	logFile     string
	debug       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          name,
		Short:        "Scan agent that checks uploads with clamscan",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			_, logRotate := logger.Init(logger.Options{Debug: cfg.Logging.Debug, File: cfg.Logging.File})
			defer logRotate.Close()
			return run(cmd.Context(), cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "config file (default: first of "+fmt.Sprint(config.Files(name))+")")
	fl.StringVarP(&f.listen, "listen", "l", config.DefaultAgentListen, "address to listen on")
	fl.StringVar(&f.tempDir, "temp-dir", "", "directory for spooled files (default: system temp dir)")
	fl.Int64Var(&f.maxFileSize, "max-filesize", config.DefaultMaxFileSize, "largest file accepted, in bytes")
	fl.StringVar(&f.clamscan, "clamscan", scan.DefaultClamscanPath(), "clamscan executable")
	fl.IntVar(&f.scanTimeout, "scan-timeout", config.DefaultScanTimeout, "seconds allowed for one clamscan run")
	fl.StringVar(&f.logFile, "log-file", "", "write logs to this file with rotation")
	fl.BoolVar(&f.debug, "debug", false, "enable debug logging")
	return cmd
}

func loadConfig(cmd *cobra.Command, f flags) (config.Config, error) {
	files := config.Files(name)
	if f.configFile != "" {
		if _, err := os.Stat(f.configFile); err != nil {
			return config.Config{}, fmt.Errorf("config file: %w", err)
		}
		files = []string{f.configFile}
	}
	cfg, _, err := config.Load(files)
	if err != nil {
		return config.Config{}, err
	}

	changed := cmd.Flags().Changed
	if changed("listen") {
		cfg.Agent.Listen = f.listen
	}
	if changed("temp-dir") {
		cfg.Agent.TempDir = f.tempDir
	}
	if changed("max-filesize") {
		cfg.Agent.MaxFileSize = f.maxFileSize
	}
	if changed("clamscan") {
		cfg.Agent.ClamscanPath = f.clamscan
	}
	if changed("scan-timeout") {
		cfg.Agent.ScanTimeout = f.scanTimeout
	}
	if changed("log-file") {
		cfg.Logging.File = f.logFile
	}
	if changed("debug") {
		cfg.Logging.Debug = f.debug
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// run serves until ctx is cancelled, then drains in-flight scans.
func run(ctx context.Context, cfg config.Config) error {
	clam := scan.NewClamscan()
	if cfg.Agent.ClamscanPath != "" {
		clam.Path = cfg.Agent.ClamscanPath
	}
	clam.MaxFileSize = cfg.Agent.MaxFileSize
	clam.Timeout = cfg.ScanTimeout()
	if err := clam.Check(); err != nil {
		return err
	}

	opts := []scan.AgentOption{
		scan.WithMaxFileSize(cfg.Agent.MaxFileSize),
		scan.WithConnTimeout(cfg.ScanTimeout() + time.Minute),
		scan.WithAgentLogger(log.Logger),
	}
	if cfg.Agent.TempDir != "" {
		opts = append(opts, scan.WithTempDir(cfg.Agent.TempDir))
	}
	agent, err := scan.NewAgent(cfg.Agent.Listen, clam, opts...)
	if err != nil {
		return err
	}

	log.Info().Str("clamscan", clam.Path).Int64("max_filesize", clam.MaxFileSize).Msgf("Starting %s...", name)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := agent.ListenAndServe(); !errors.Is(err, scan.ErrAgentClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return agent.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msgf("%s stopped with error.", name)
		return err
	}
	log.Debug().Msg("Bye.")
	return nil
}
