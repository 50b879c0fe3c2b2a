package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"imcore/internal/app"
	"imcore/internal/config"
	"imcore/internal/util"
)

type command func(ctx context.Context, a *app.App, cfg config.FileConfig) error

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	name := os.Args[1]
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath, "path to the YAML configuration")

	var run command
	switch name {
	case "migrate":
		run = runMigrate
	case "sweep":
		run = sweepCommand(fs)
	case "seed":
		run = seedCommand(fs)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", name)
		printUsage()
		os.Exit(2)
	}
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	a, err := app.New(app.Config{
		Backend:           cfg.Backend,
		DatabaseURL:       cfg.DatabaseURL,
		Isolation:         cfg.IsolationLevel(),
		MaxAttempts:       cfg.MaxSerializableAttempts,
		RetryDelay:        cfg.RetryDelay(),
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		EventStream:       cfg.EventStream,
		EventStreamMaxLen: cfg.EventStreamMaxLen,
		AMQPURL:           cfg.AMQPURL,
		AMQPExchange:      cfg.AMQPExchange,
		MinioEndpoint:     cfg.MinioEndpoint,
		MinioAccessKey:    cfg.MinioAccessKey,
		MinioSecretKey:    cfg.MinioSecretKey,
		MinioBucket:       cfg.MinioBucket,
		MinioUseSSL:       cfg.MinioUseSSL,
		SnapshotKey:       cfg.SnapshotKey,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = execute(ctx, a, cfg, run)
	stop()
	if closeErr := a.Close(); closeErr != nil {
		logger.Warn("close failed", "err", closeErr)
	}
	if err != nil {
		logger.Error("command failed", "command", name, "err", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, a *app.App, cfg config.FileConfig, run command) error {
	if err := a.Migrate(ctx); err != nil {
		return err
	}
	if err := a.Restore(ctx); err != nil {
		slog.WarnContext(ctx, "snapshot not restored", "err", err)
	}
	err := run(ctx, a, cfg)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if archiveErr := a.Archive(context.WithoutCancel(ctx)); archiveErr != nil {
		err = errors.Join(err, archiveErr)
	}
	return err
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: imstore <command> [-config path] [flags]")
	fmt.Fprintln(os.Stderr, "\nCommands:")
	fmt.Fprintln(os.Stderr, "  migrate    Create or update the relational schema")
	fmt.Fprintln(os.Stderr, "  sweep      Remove expired sessions, tokens and invitations")
	fmt.Fprintln(os.Stderr, "  seed       Create an initial user")
}

func runMigrate(ctx context.Context, a *app.App, _ config.FileConfig) error {
	slog.InfoContext(ctx, "schema up to date", "backend", a.Backend())
	return nil
}

func sweepCommand(fs *flag.FlagSet) command {
	once := fs.Bool("once", false, "sweep once and exit")
	interval := fs.Duration("interval", 0, "sweep interval (overrides sweepIntervalSeconds)")
	return func(ctx context.Context, a *app.App, cfg config.FileConfig) error {
		every := cfg.SweepInterval()
		if *interval > 0 {
			every = *interval
		}
		if *once || every <= 0 {
			_, err := a.Sweep(ctx)
			return err
		}
		return sweepLoop(ctx, a, every)
	}
}

// sweepLoop sweeps on every tick until ctx is cancelled. A failed sweep is
// logged and retried on the next tick.
func sweepLoop(ctx context.Context, a *app.App, every time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	ticks := make(chan time.Time)
	g.Go(func() error {
		defer close(ticks)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-t.C:
				select {
				case ticks <- now:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})
	g.Go(func() error {
		slog.InfoContext(ctx, "sweeper started", "interval", every.String(), "backend", a.Backend())
		for range ticks {
			if _, err := a.Sweep(ctx); err != nil {
				if ctx.Err() == nil {
					slog.ErrorContext(ctx, "sweep failed", "err", err)
				}
				continue
			}
			if err := a.Archive(ctx); err != nil {
				slog.ErrorContext(ctx, "archive failed", "err", err)
			}
		}
		slog.Info("sweeper stopped")
		return nil
	})
	return g.Wait()
}

func seedCommand(fs *flag.FlagSet) command {
	name := fs.String("name", "admin", "user name")
	email := fs.String("email", "", "user email")
	password := fs.String("password", "", "user password (or IMCORE_SEED_PASSWORD)")
	return func(ctx context.Context, a *app.App, _ config.FileConfig) error {
		pw := *password
		if pw == "" {
			pw = os.Getenv("IMCORE_SEED_PASSWORD")
		}
		user, created, err := a.Seed(ctx, *name, *email, pw)
		if err != nil {
			return err
		}
		if created {
			slog.InfoContext(ctx, "user created", "id", user.ID, "name", user.Name)
		} else {
			slog.InfoContext(ctx, "user already exists", "id", user.ID, "name", user.Name)
		}
		return nil
	}
}
