package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/tylermcginnis/chiselstrike/internal/auth"
	"github.com/tylermcginnis/chiselstrike/internal/chiseld"
	"github.com/tylermcginnis/chiselstrike/internal/config"
	"github.com/tylermcginnis/chiselstrike/internal/entitystore"
	"github.com/tylermcginnis/chiselstrike/internal/logging"
	"github.com/tylermcginnis/chiselstrike/internal/metrics"
	"github.com/tylermcginnis/chiselstrike/internal/observability"
)

func serveCmd() *cobra.Command {
	var (
		dataAddr    string
		controlAddr string
		logLevel    string
		pgDSN       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chiseld daemon",
		Long:  "Run the data-plane and control-plane listeners and the VM thread pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("data-addr") {
				cfg.Daemon.DataAddr = dataAddr
			}
			if cmd.Flags().Changed("control-addr") {
				cfg.Daemon.ControlAddr = controlAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
				cfg.Observability.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(
					cfg.Observability.Metrics.Namespace,
					cfg.Observability.Metrics.HistogramBuckets,
				)
			}

			pool, err := newPgPool(context.Background(), &cfg.Postgres)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			entities := entitystore.New(pool)
			if err := entities.EnsureSchema(context.Background()); err != nil {
				return err
			}

			authenticator, err := buildAuthenticator(&cfg.Auth)
			if err != nil {
				return fmt.Errorf("configure auth: %w", err)
			}

			daemon, err := chiseld.New(chiseld.Options{
				Config:   cfg,
				Entities: entities,
				Auth:     authenticator,
			})
			if err != nil {
				return fmt.Errorf("assemble daemon: %w", err)
			}

			if err := daemon.LoadPolicyFile(); err != nil {
				logging.Op().Warn("initial policy load failed", "path", cfg.Policy.Path, "error", err)
			}

			if err := daemon.Start(); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logging.Op().Info("shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return daemon.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVar(&dataAddr, "data-addr", ":8080", "Data-plane listen address")
	cmd.Flags().StringVar(&controlAddr, "control-addr", ":8081", "Control-plane listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN for the entity store")

	return cmd
}

func newPgPool(ctx context.Context, cfg *config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	return pgxpool.NewWithConfig(ctx, poolCfg)
}

func buildAuthenticator(cfg *config.AuthConfig) (auth.Authenticator, error) {
	var chain auth.Chain

	if cfg.JWT.Enabled {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTAuthConfig{
			Algorithm:     cfg.JWT.Algorithm,
			Secret:        cfg.JWT.Secret,
			PublicKeyFile: cfg.JWT.PublicKeyFile,
			Issuer:        cfg.JWT.Issuer,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, jwtAuth)
	}

	if len(cfg.APIKeys) > 0 {
		keys := make([]auth.StaticKeyConfig, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			keys = append(keys, auth.StaticKeyConfig{Name: k.Name, Key: k.Key})
		}
		chain = append(chain, auth.NewAPIKeyAuthenticator(keys))
	}

	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}
