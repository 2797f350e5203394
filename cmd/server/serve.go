package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/page-recorder/internal/api"
	"github.com/shehryarbajwa/page-recorder/internal/browser"
	"github.com/shehryarbajwa/page-recorder/internal/capture"
	"github.com/shehryarbajwa/page-recorder/internal/config"
	"github.com/shehryarbajwa/page-recorder/internal/logging"
	"github.com/shehryarbajwa/page-recorder/internal/metrics"
	"github.com/shehryarbajwa/page-recorder/internal/page"
	"github.com/shehryarbajwa/page-recorder/internal/proxy"
	"github.com/shehryarbajwa/page-recorder/internal/ratelimit"
	"github.com/shehryarbajwa/page-recorder/internal/recordings"
	"github.com/shehryarbajwa/page-recorder/internal/session"
	"github.com/shehryarbajwa/page-recorder/pkg/models"
)

const shutdownTimeout = 15 * time.Second

var serviceAction string

// program implements the kardianos/service interface
type program struct {
	cfg      *config.Config
	logger   *zap.Logger
	server   *http.Server
	sessions *session.Manager
	closers  []func() error
}

func (p *program) Start(s service.Service) error {
	// Start should not block. Do the actual work async.
	go p.run()
	return nil
}

func (p *program) run() {
	p.logger.Info("server starting",
		zap.String("addr", p.server.Addr),
		zap.String("recordings", p.cfg.RecordingsDir),
		zap.String("backend", p.cfg.Browser.Backend),
		zap.String("display", p.cfg.Display),
	)
	if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.logger.Fatal("server error", zap.Error(err))
	}
}

func (p *program) Stop(s service.Service) error {
	p.logger.Info("shutting down server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// The active recording holds its request open; end it first.
	if err := p.sessions.Shutdown(ctx); err != nil {
		p.logger.Warn("active session did not finish teardown", zap.Error(err))
	}
	if err := p.server.Shutdown(ctx); err != nil {
		p.logger.Warn("server forced to shutdown", zap.Error(err))
	}
	for _, closer := range p.closers {
		if err := closer(); err != nil {
			p.logger.Warn("failed to release resource", zap.Error(err))
		}
	}

	p.logger.Info("server stopped cleanly")
	return nil
}

// newProgram wires every component from cfg
func newProgram(cfg *config.Config, logger *zap.Logger) (*program, error) {
	p := &program{cfg: cfg, logger: logger}

	browserOpts := browser.Options{
		ChromePath: cfg.Browser.ChromePath,
		Display:    cfg.Display,
		DebugPort:  cfg.Browser.DebugPort,
		Headless:   cfg.Browser.Headless,
		Audio:      cfg.Capture.AudioEnabled,
	}

	var launcher session.DisplayLauncher
	switch cfg.Browser.Backend {
	case config.BackendDocker:
		docker, err := browser.NewDockerLauncher(cfg.Browser.Image, cfg.Browser.ImageChrome, browserOpts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker launcher: %w", err)
		}
		p.closers = append(p.closers, docker.Close)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		logger.Info("ensuring browser image is available", zap.String("image", cfg.Browser.Image))
		if err := docker.EnsureImage(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure image: %w", err)
		}
		launcher = docker
	default:
		launcher = browser.NewProcessLauncher(browserOpts, logger)
	}
	logger.Info("display launcher initialized", zap.String("backend", cfg.Browser.Backend))

	driver := page.NewDriver(page.Options{
		LoadTimeout: cfg.Page.NavigationTimeout,
		SettleDelay: cfg.Page.SettleDelay,
	}, logger)

	capturer := capture.NewManager(capture.Options{
		FFmpegPath: cfg.Capture.FFmpegPath,
		Display:    cfg.Display,
		Margin:     cfg.Capture.Margin,
		Audio: capture.AudioOptions{
			Enabled: cfg.Capture.AudioEnabled,
			Source:  cfg.Capture.AudioSource,
			Device:  cfg.Capture.AudioDevice,
		},
	}, logger)

	sessionMetrics := metrics.New()

	deps := session.Deps{
		Launcher: launcher,
		Pages:    session.Pages(driver),
		Capture:  capturer,
		Metrics:  sessionMetrics,
	}
	if cfg.Capture.AudioEnabled && cfg.Capture.AudioSource == "pulse" {
		deps.Audio = capture.NewAudioSink(cfg.Capture.AudioSink, logger)
	}

	p.sessions = session.NewManager(session.Options{
		RecordingsDir: cfg.RecordingsDir,
		Defaults: models.Defaults{
			Width:    cfg.DefaultWidth,
			Height:   cfg.DefaultHeight,
			Duration: cfg.DefaultDuration,
		},
		ReadyTimeout: cfg.Browser.ReadyTimeout,
	}, deps, logger)
	logger.Info("session manager initialized")

	store, err := recordings.NewStore(cfg.RecordingsDir)
	if err != nil {
		return nil, err
	}

	proxyServer := proxy.NewServer(p.sessions, "", logger)
	rateLimiter := ratelimit.NewLimiter(cfg.RateLimit.PerHour, cfg.RateLimit.Burst)
	logger.Info("rate limiter initialized",
		zap.Int("perHour", cfg.RateLimit.PerHour),
		zap.Int("burst", cfg.RateLimit.Burst),
	)

	handler := api.NewHandler(p.sessions, store, sessionMetrics, logger)
	router := handler.SetupRoutes(proxyServer, rateLimiter)

	// No WriteTimeout: POST /api/record holds the response for the whole
	// recording.
	p.server = &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return p, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recording API server",
	Long: `Starts the HTTP API that accepts recording requests.
Can be installed as a system service with --service install.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svcConfig := &service.Config{
			Name:        "page-recorder",
			DisplayName: "Page Recorder",
			Description: "Records web pages to video files on request",
			Arguments:   []string{"serve"},
		}
		if cfgFile != "" {
			svcConfig.Arguments = append(svcConfig.Arguments, "--config", cfgFile)
		}

		// Service control actions don't need the server wired up.
		if serviceAction != "" {
			s, err := service.New(&program{}, svcConfig)
			if err != nil {
				return err
			}
			if err := service.Control(s, serviceAction); err != nil {
				return fmt.Errorf("failed to %s service: %w", serviceAction, err)
			}
			fmt.Printf("Service action '%s' completed successfully.\n", serviceAction)
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return err
		}
		defer logger.Sync()

		switch {
		case dotEnvMissing():
			logger.Info("no .env file found, using system environment variables")
		case dotEnvErr != nil:
			logger.Warn("failed to load .env", zap.Error(dotEnvErr))
		}

		prg, err := newProgram(cfg, logger)
		if err != nil {
			return err
		}

		s, err := service.New(prg, svcConfig)
		if err != nil {
			return err
		}

		// Blocks until the service manager or an interrupt stops it
		if err := s.Run(); err != nil {
			logger.Error("service error", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serviceAction, "service", "", "Control the system service: install, uninstall, start, stop")
}
