package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liamcoop/dealflow/config"
	"github.com/liamcoop/dealflow/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logger.Fatal("migration failed", "error", err)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply dealflow database migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Configure(context.Background(), logger.Options{
				Level:  v.GetString("log-level"),
				Format: "text",
			})
		},
	}

	root.PersistentFlags().String("database-url", "", "Postgres connection string")
	root.PersistentFlags().String("path", "migrations", "Path to migrations directory")
	root.PersistentFlags().String("log-level", "info", "Log level")
	if err := v.BindPFlags(root.PersistentFlags()); err != nil {
		panic(err)
	}
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database-url", config.EnvPrefix+"_DATABASE_URL", "DATABASE_URL")

	open := func() (*migrate.Migrate, error) {
		url := v.GetString("database-url")
		if url == "" {
			return nil, errors.New("database url is required, use --database-url or DATABASE_URL")
		}
		path := v.GetString("path")
		logger.Info("connecting to database", "migrations", path)
		m, err := migrate.New("file://"+path, url)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration instance: %w", err)
		}
		return m, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := open()
				if err != nil {
					return err
				}
				defer m.Close()

				err = m.Up()
				if errors.Is(err, migrate.ErrNoChange) {
					logger.Info("database is up to date")
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				logger.Info("migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := open()
				if err != nil {
					return err
				}
				defer m.Close()

				if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("failed to roll back migrations: %w", err)
				}
				logger.Info("rollback completed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := open()
				if err != nil {
					return err
				}
				defer m.Close()

				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Fprintln(os.Stdout, "no migrations applied")
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to get version: %w", err)
				}
				fmt.Fprintf(os.Stdout, "version %d (dirty: %v)\n", version, dirty)
				return nil
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version number %q: %w", args[0], err)
				}

				m, err := open()
				if err != nil {
					return err
				}
				defer m.Close()

				if err := m.Force(version); err != nil {
					return fmt.Errorf("failed to force version: %w", err)
				}
				logger.Info("forced schema version", "version", version)
				return nil
			},
		},
	)
	return root
}
