package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liamcoop/dealflow/config"
	"github.com/liamcoop/dealflow/internal/auth"
	"github.com/liamcoop/dealflow/internal/logger"
	"github.com/liamcoop/dealflow/multitenantengine"
	"github.com/liamcoop/dealflow/notify"
	"github.com/liamcoop/dealflow/seed"
)

type cli struct {
	v   *viper.Viper
	cfg config.Config
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// notifier delivers notifications to Redis when configured, otherwise keeps them in memory
type notifier interface {
	multitenantengine.TenantNotifier
	NotificationReader
}

func (c *cli) notifier(ctx context.Context) (notifier, func() error, error) {
	if len(c.cfg.RedisAddrs) == 0 {
		logger.Warn("no redis configured, notifications are kept in memory")
		return notify.NewRecorder(), func() error { return nil }, nil
	}
	n := notify.NewRedisNotifier(notify.Config{
		Addrs:      c.cfg.RedisAddrs,
		Namespace:  c.cfg.Namespace,
		MaxPerUser: int64(c.cfg.MaxNotificationsPerUser),
	})
	if err := n.Ping(ctx); err != nil {
		n.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return n, n.Close, nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := logger.Configure(ctx, c.cfg.Log); err != nil {
		logger.Warn("logger configuration failed", "error", err)
	}
	defer logger.Shutdown(context.Background())

	db, err := sql.Open("postgres", c.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	notifications, closeNotifier, err := c.notifier(ctx)
	if err != nil {
		return err
	}
	defer closeNotifier()

	manager := multitenantengine.NewManager(
		multitenantengine.NewPostgresSchemaStore(db),
		multitenantengine.PostgresStores(db),
		multitenantengine.Config{
			Notifier:       notifications,
			Permissions:    auth.ContextPermissions{},
			CacheTTL:       c.cfg.CacheTTL,
			Concurrency:    c.cfg.Concurrency,
			Schedule:       c.cfg.Schedule,
			ResyncInterval: c.cfg.ResyncInterval,
		},
	)
	defer manager.Close()

	if err := manager.LoadAllTenants(ctx); err != nil {
		return fmt.Errorf("failed to load tenants: %w", err)
	}
	if c.cfg.SeedFile != "" {
		f, err := seed.LoadFile(c.cfg.SeedFile)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, manager, f); err != nil {
			return fmt.Errorf("failed to apply seed data: %w", err)
		}
	}

	server := NewServer(manager, auth.NewAuthenticator([]byte(c.cfg.JWTSecret), c.cfg.JWTIssuer), notifications, db.PingContext)
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(c.cfg.HTTPPort),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", c.cfg.HTTPPort, "tenants", len(manager.ListTenants()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// tokenCommand issues a bearer token for local use
func tokenCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := v.GetString("jwt-secret")
			if secret == "" {
				return errors.New("jwt secret is required (--jwt-secret or DEALFLOW_JWT_SECRET)")
			}
			token, err := auth.NewAuthenticator([]byte(secret), v.GetString("jwt-issuer")).Issue(auth.Actor{
				UserID:      v.GetString("user"),
				TenantID:    v.GetString("tenant"),
				Permissions: v.GetStringSlice("permission"),
			}, v.GetDuration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("jwt-secret", "", "HS256 secret")
	flags.String("jwt-issuer", "dealflow", "token issuer")
	flags.String("user", "", "user ID (subject)")
	flags.String("tenant", "", "tenant ID")
	flags.StringSlice("permission", []string{"deal:update"}, "granted permissions")
	flags.Duration("ttl", time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("tenant")

	v.BindEnv("jwt-secret", config.EnvPrefix+"_JWT_SECRET")
	v.BindPFlags(flags)
	return cmd
}

func main() {
	c := &cli{v: viper.New()}

	cmd := &cobra.Command{
		Use:          "dealflow",
		Short:        "CRM business rule and workflow engine",
		PreRunE:      c.setupConfig,
		RunE:         c.run,
		SilenceUsage: true,
	}
	if err := config.SetupFlags(cmd, c.v); err != nil {
		logger.Fatal("failed to setup flags", "error", err)
	}
	cmd.AddCommand(tokenCommand())

	if err := cmd.Execute(); err != nil {
		logger.Fatal("dealflow failed", "error", err)
	}
}
