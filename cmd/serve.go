package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/MichaelRobotics/Hustler-sub012/internal/api"
	"github.com/MichaelRobotics/Hustler-sub012/internal/config"
	"github.com/MichaelRobotics/Hustler-sub012/internal/database"
	"github.com/MichaelRobotics/Hustler-sub012/internal/funnel"
	"github.com/MichaelRobotics/Hustler-sub012/internal/handoff"
	"github.com/MichaelRobotics/Hustler-sub012/internal/jobqueue"
	"github.com/MichaelRobotics/Hustler-sub012/internal/logging"
	"github.com/MichaelRobotics/Hustler-sub012/internal/messenger"
	"github.com/MichaelRobotics/Hustler-sub012/internal/poller"
	"github.com/MichaelRobotics/Hustler-sub012/internal/script"
	"github.com/MichaelRobotics/Hustler-sub012/internal/store"
)

// ServeCommand returns the CLI command for running the funnel engine.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the funnel engine: API server, pollers and job queue",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Override the configured API port",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (trace, debug, info, warn, error)",
				Value: "info",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if port := c.Int("port"); port != 0 {
				cfg.Server.Port = port
			}

			logger := logging.New(c.String("log-level"))
			recorder := logging.NewLogRecorder(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := database.NewDB(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			st := store.NewPostgresStore(db)
			if err := st.EnsureSchema(ctx); err != nil {
				return err
			}

			mainScript, err := script.Load(cfg.Scripts.MainPath)
			if err != nil {
				return err
			}
			nextScript, err := script.Load(cfg.Scripts.HandoffPath)
			if err != nil {
				return err
			}

			provider := messenger.NewHTTPClient(
				cfg.Messenger.BaseURL, cfg.Messenger.APIKey,
				cfg.Messenger.RequestsPerSec, cfg.Messenger.Burst, logger)
			notifier := messenger.NewHTTPNotifier(cfg.Messenger.NotifyURL, logger)

			qcfg := jobqueue.DefaultQueueConfig()
			qcfg.SweepInterval = cfg.SweepInterval()
			qcfg.AbandonCeiling = cfg.AbandonCeiling()
			qcfg.NudgeOffsets = cfg.NudgeOffsets()
			qcfg.NudgeText = cfg.Escalation.NudgeText

			queue, err := jobqueue.NewJobQueue(cfg.Database.URL, qcfg, st, provider, recorder, logger)
			if err != nil {
				return err
			}

			links := handoff.NewLinkService(cfg.Handoff.LinkSecret, cfg.Server.PublicURL)
			navigator := funnel.NewNavigator(st, provider, recorder, queue, logger)
			escalation := funnel.NewEscalation(funnel.EscalationConfig{
				MaxStrikes:    cfg.Escalation.MaxStrikes,
				RepromptText:  cfg.Escalation.RepromptText,
				WarningText:   cfg.Escalation.WarningText,
				AbandonedText: cfg.Escalation.AbandonedText,
			}, st, provider, notifier, recorder, logger)
			orchestrator := handoff.NewOrchestrator(st, provider, links, mainScript, nextScript, recorder, logger)

			registry := poller.NewRegistry(poller.Deps{
				Store:      st,
				Provider:   provider,
				Navigator:  navigator,
				Escalation: escalation,
				Handoff:    orchestrator,
				Script:     mainScript,
				Recorder:   recorder,
				Logger:     logger,
				Config: poller.Config{
					FastInterval:           cfg.FastInterval(),
					SlowInterval:           cfg.SlowInterval(),
					FastWindow:             cfg.FastWindow(),
					MaxConsecutiveFailures: cfg.Polling.MaxConsecutiveFailures,
					AbandonCeiling:         cfg.AbandonCeiling(),
				},
			})

			if err := queue.Start(ctx); err != nil {
				return fmt.Errorf("failed to start job queue: %w", err)
			}
			if err := registry.Rebuild(ctx); err != nil {
				return fmt.Errorf("failed to rebuild poller registry: %w", err)
			}

			server := api.NewServer(api.Options{
				Port:          cfg.Server.Port,
				WebhookSecret: cfg.Server.WebhookSecret,
				OperatorToken: cfg.Server.OperatorToken,
				Store:         st,
				Registry:      registry,
				Navigator:     navigator,
				Nudges:        queue,
				Links:         links,
				MainScript:    mainScript,
				Logger:        logger,
			})

			logger.Info().Int("port", cfg.Server.Port).Msg("funnel engine started")
			serveErr := server.Start(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			registry.StopAll(shutdownCtx)
			if err := queue.Stop(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("job queue did not stop cleanly")
			}

			return serveErr
		},
	}
}
