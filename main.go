package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"telehealth-backend/app"
	"telehealth-backend/config"
	"telehealth-backend/conn"
	"telehealth-backend/logging"
	"telehealth-backend/migrations"
)

// Version is set at build time with -ldflags.
var Version = "dev"

const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:           "telehealth",
	Short:         "Telehealth subscription and usage quota backend",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiry scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var (
	seedAdminEmail string
	seedAdminName  string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema and optionally seed an admin user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		db, err := conn.NewMySQL(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := migrations.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		logging.For("main").Info("[migrate] schema up to date")
		if seedAdminEmail == "" {
			return nil
		}
		if err := migrations.SeedAdmin(cmd.Context(), db, seedAdminName, seedAdminEmail); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
		logging.For("main").WithField("email", seedAdminEmail).Info("[migrate] admin seeded")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Downgrade lapsed cancelled subscriptions once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
		db, err := conn.NewMySQL(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		a, err := app.New(app.Options{Config: cfg, DB: db})
		if err != nil {
			return err
		}
		n, err := a.Sweeper.RunOnce(cmd.Context())
		fmt.Printf("expired %d subscriptions\n", n)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("telehealth %s\n", Version)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&seedAdminEmail, "seed-admin", "", "email of an admin user to create or promote")
	migrateCmd.Flags().StringVar(&seedAdminName, "seed-admin-name", "Administrator", "display name for the seeded admin")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg := config.Load()
	logging.Configure(cfg.LogLevel, cfg.LogFormat)
	return cfg
}

func runServer(ctx context.Context) error {
	log := logging.For("main")
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := conn.NewMySQL(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migrations.Migrate(ctx, db); err != nil {
		return err
	}
	rdb, err := conn.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	a, err := app.New(app.Options{Config: cfg, DB: db, Redis: rdb})
	if err != nil {
		return err
	}
	a.Sweeper.Start()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming AI responses can run for the whole upstream timeout.
		WriteTimeout: cfg.AITimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("[main] listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("[main] shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	return shutdown(srv, a, db)
}

func shutdown(srv *http.Server, a *app.App, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Sweeper.Stop(ctx)
	err := srv.Shutdown(ctx)
	if stats := db.Stats(); stats.InUse > 0 {
		logging.For("main").WithField("in_use", stats.InUse).Warn("[main] closing with open db connections")
	}
	return err
}
