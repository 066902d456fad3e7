// Command opbxctl is the operator CLI: schema migrations, outbox relay,
// call inspection and token issuance.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/config"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/events"
	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/logger"
	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/utils"
)

// env is what every subcommand needs; opened lazily so `help` works without
// a database.
type env struct {
	cfg config.Config
	log *slog.Logger
}

func loadEnv(verbose bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	appEnv := cfg.App.Env
	if verbose {
		appEnv = "local"
	}
	return &env{cfg: cfg, log: logger.New(appEnv, os.Stderr)}, nil
}

func (e *env) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", e.cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 4, MaxIdleConns: 2})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return db, nil
}

// publisher mirrors the API process: Redis pub/sub plus AMQP when configured.
func (e *env) publisher(ctx context.Context) (events.Broadcaster, io.Closer, error) {
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: e.cfg.RedisAddr(), Password: e.cfg.Redis.Password, DB: e.cfg.Redis.DB})
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	redisPub := events.NewRedisBroadcaster(rdb)
	if e.cfg.Events.AMQPURL == "" {
		return redisPub, rdb, nil
	}
	amqpPub, amqpCloser, err := events.DialAMQP(e.cfg.Events.AMQPURL, e.cfg.Events.AMQPExchange)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return events.Multi{redisPub, amqpPub}, closers{amqpCloser, rdb}, nil
}

type closers []io.Closer

func (cs closers) Close() error {
	var first error
	for _, c := range cs {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func main() {
	var verbose bool

	root := &cobra.Command{
		Use:           "opbxctl",
		Short:         "Operate the inbound call platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	envFn := func() (*env, error) { return loadEnv(verbose) }
	root.AddCommand(
		migrateCommand(envFn),
		relayCommand(envFn),
		callsCommand(envFn),
		tokenCommand(envFn),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		os.Exit(1)
	}
}
