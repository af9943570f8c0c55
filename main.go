package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedback-mailer/config"
	"feedback-mailer/database"
	"feedback-mailer/handlers"
	"feedback-mailer/services"
	"feedback-mailer/utils"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"golang.org/x/crypto/bcrypt"
)

var Version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "feedback-mailer",
		Usage:   "Feedback lifecycle and notification service",
		Version: Version,
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			remindCommand(),
			mailCommand(),
			logsCommand(),
			usersCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.WithError(err).Fatal("Command failed")
	}
}

// app bundles what every command needs after configuration is loaded.
type app struct {
	cfg    *config.Config
	store  database.Store
	mailer *services.MailService
	engine *services.Engine
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.WithError(err).Warn("Error closing store")
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.SetupLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bootstrap loads configuration, opens the store and builds the engine.
func bootstrap() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	mailer, err := services.NewMailService(cfg)
	if err != nil {
		return nil, err
	}
	store, err := database.Open(cfg.StoreDriver, cfg.DatabaseURL, cfg.MigrationsPath)
	if err != nil {
		return nil, err
	}
	engine := services.NewEngine(store, mailer, utils.RealClock(), services.EngineConfig{
		Location:        loc,
		SystemURL:       cfg.SystemURL,
		SendTimeout:     cfg.SendTimeout,
		ReminderSpacing: cfg.ReminderSpacing,
	})
	return &app{cfg: cfg, store: store, mailer: mailer, engine: engine}, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API and the daily reminder scheduler",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			times, err := services.ParseTimesOfDay(a.cfg.ReminderTimes)
			if err != nil {
				return err
			}
			loc, _ := a.cfg.Location()
			scheduler := services.NewReminderScheduler(a.engine.Reminders, utils.RealClock(), loc, times)
			schedulerDone := make(chan struct{})
			go func() {
				defer close(schedulerDone)
				scheduler.Run(ctx)
			}()

			srv := &http.Server{
				Addr:              ":" + a.cfg.Port,
				Handler:           handlers.NewRouter(a.engine, a.cfg.LogRetentionDays),
				ReadHeaderTimeout: 10 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				log.WithField("port", a.cfg.Port).Info("Server starting")
				serveErr <- srv.ListenAndServe()
			}()

			select {
			case err := <-serveErr:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
				log.Info("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.WithError(err).Warn("Graceful shutdown failed")
				}
			}
			<-schedulerDone
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply database migrations",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			return database.ApplyMigrations(cfg.DatabaseURL, cfg.MigrationsPath)
		},
	}
}

func printBatch(result *services.BatchResult) {
	for _, r := range result.Recipients {
		switch {
		case r.Skipped:
			fmt.Printf("  skipped  %-16s no email address\n", r.Username)
		case r.Error != "":
			fmt.Printf("  failed   %-16s %s: %s\n", r.Username, r.Address, r.Error)
		default:
			fmt.Printf("  sent     %-16s %s (%d remaining)\n", r.Username, r.Address, r.Remaining)
		}
	}
	fmt.Printf("Reminders: %d sent, %d failed, %d skipped\n",
		result.SuccessCount, result.FailureCount, result.SkippedCount)
}

func runBatch(ctx context.Context, filter database.UserFilter) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.engine.RunBatch(ctx, filter)
	if err != nil {
		return err
	}
	printBatch(result)
	return result.Err
}

func remindCommand() *cli.Command {
	return &cli.Command{
		Name:  "remind",
		Usage: "send submission reminders",
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "remind every user below today's quota",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBatch(ctx, database.AllUsers())
				},
			},
			{
				Name:      "manual",
				Usage:     "run a reminder batch, optionally for one user id or username",
				ArgsUsage: "[user]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					filter := database.AllUsers()
					if ident := cmd.Args().First(); ident != "" {
						filter = services.ParseUserIdentifier(ident)
					}
					return runBatch(ctx, filter)
				},
			},
			{
				Name:      "send",
				Usage:     "remind one user immediately",
				ArgsUsage: "<user>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "to",
						Usage: "send to this address instead of the rotated one; must belong to the user",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					ident := cmd.Args().First()
					if ident == "" {
						return errors.New("a user id or username is required")
					}
					a, err := bootstrap()
					if err != nil {
						return err
					}
					defer a.Close()

					result, err := a.engine.SendOne(ctx, ident, cmd.String("to"))
					if err != nil {
						return err
					}
					fmt.Printf("Reminder sent to %s at %s (%d remaining)\n", result.Username, result.Address, result.Remaining)
					return nil
				},
			},
		},
	}
}

func mailCommand() *cli.Command {
	return &cli.Command{
		Name:  "mail",
		Usage: "SMTP utilities",
		Commands: []*cli.Command{
			{
				Name:  "test",
				Usage: "check the SMTP connection and credentials",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					mailer, err := services.NewMailService(cfg)
					if err != nil {
						return err
					}
					ctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
					defer cancel()
					if err := mailer.Test(ctx); err != nil {
						return err
					}
					fmt.Printf("SMTP connection to %s OK\n", cfg.MailHub)
					return nil
				},
			},
		},
	}
}

func logsCommand() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "notification log maintenance",
		Commands: []*cli.Command{
			{
				Name:  "prune",
				Usage: "delete notification log entries older than the retention period",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "days",
						Usage: "retention in days (defaults to LOG_RETENTION_DAYS)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := bootstrap()
					if err != nil {
						return err
					}
					defer a.Close()

					days := a.cfg.LogRetentionDays
					if cmd.IsSet("days") {
						days = int(cmd.Int("days"))
					}
					removed, err := a.engine.PruneLogs(ctx, days)
					if err != nil {
						return err
					}
					fmt.Printf("Removed %d notification log entries older than %d days\n", removed, days)
					return nil
				},
			},
		},
	}
}

func usersCommand() *cli.Command {
	return &cli.Command{
		Name:  "users",
		Usage: "user provisioning",
		Commands: []*cli.Command{
			{
				Name:  "seed",
				Usage: "create the users listed in a YAML roster",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "roster",
						Value: "roster.yaml",
						Usage: "path to the roster file",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					roster, err := database.LoadRoster(cmd.String("roster"))
					if err != nil {
						return err
					}
					store, err := database.Open(cfg.StoreDriver, cfg.DatabaseURL, cfg.MigrationsPath)
					if err != nil {
						return err
					}
					defer store.Close()

					created, err := database.SeedUsers(ctx, store, roster, bcrypt.DefaultCost)
					if err != nil {
						return err
					}
					fmt.Printf("Created %d of %d users\n", created, len(roster.Users))
					return nil
				},
			},
		},
	}
}
