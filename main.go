package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/authority/internal/activation"
	"github.com/example/authority/internal/config"
	"github.com/example/authority/internal/logging"
	"github.com/example/authority/internal/mail"
	"github.com/example/authority/internal/password"
	"github.com/example/authority/internal/session"
	"github.com/example/authority/internal/store"
	"github.com/example/authority/internal/sweeper"
	"github.com/example/authority/internal/user"
	"github.com/sirupsen/logrus"
	"github.com/thejerf/abtime"
	"github.com/thejerf/suture/v4"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	c, err := config.New()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, c, log)
	if err != nil {
		return err
	}
	defer st.Close()

	clock := abtime.NewRealTime()
	app := newApp(c, st, newNotifier(c, log), clock, log)

	sup := suture.New("authority", suture.Spec{
		EventHook: func(e suture.Event) {
			log.WithField("event", e.String()).Warn("supervisor event")
		},
	})
	sup.Add(newHTTPService(":"+c.Port, app.Router(), log))
	if c.SweepInterval > 0 {
		sup.Add(sweeper.New(c.SweepInterval, clock, log,
			sweeper.Target{Name: "activation_tokens", Sweepable: app.Activations},
			sweeper.Target{Name: "sessions", Sweepable: app.Sessions},
		))
	} else {
		log.Info("expiry sweeper disabled")
	}

	log.WithFields(logrus.Fields{"env": c.Env, "adapter": c.DBAdapter}).Info("starting authority")
	err = sup.Serve(ctx)

	// registration emails still in flight are allowed to finish
	app.Users.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("server exited properly")
	return nil
}

func newApp(c *config.Config, st store.Store, notifier mail.Notifier, clock abtime.AbstractTime, log logrus.FieldLogger) *App {
	hasher := password.NewHasher(c.PasswordCost())
	activations := activation.NewService(st, clock, log)
	return &App{
		Store:         st,
		Users:         user.NewService(st, hasher, activations, notifier, clock, log),
		Sessions:      session.NewService(st, hasher, clock, log),
		Activations:   activations,
		Log:           log,
		SecureCookies: c.SecureCookies(),
		CORSOrigins:   c.CORSAllowedOrigins,
	}
}

func openStore(ctx context.Context, c *config.Config, log logrus.FieldLogger) (store.Store, error) {
	switch c.DBAdapter {
	case config.AdapterSQLite:
		if dir := filepath.Dir(c.SQLiteFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite init: %w", err)
			}
		}
		s, err := store.OpenSQLite(ctx, c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		log.WithField("file", c.SQLiteFile).Info("using sqlite store")
		return s, nil
	case config.AdapterPostgres:
		log.Info("applying database migrations")
		if err := store.ApplyMigrations(c.PostgresDSN, log); err != nil {
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		p, err := store.OpenPostgres(ctx, c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		log.Info("connected to PostgreSQL database")
		return p, nil
	case config.AdapterMemory:
		log.Warn("using in-memory store (not recommended for production)")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
}

func newNotifier(c *config.Config, log logrus.FieldLogger) mail.Notifier {
	if c.MailTransport == config.MailLog {
		return &mail.LogNotifier{BaseURL: c.AppBaseURL, Log: log}
	}
	return mail.NewSMTPNotifier(mail.SMTPConfig{
		Host:      c.SMTPHost,
		Port:      c.SMTPPort,
		Username:  c.SMTPUser,
		Password:  c.SMTPPassword,
		FromEmail: c.SMTPFromEmail,
		FromName:  c.SMTPFromName,
		BaseURL:   c.AppBaseURL,
		TLS:       c.SMTPTLS,
	})
}
