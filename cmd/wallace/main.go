// Command wallace runs migrations against PostgreSQL using the wallace
// engine. Configuration comes from a TOML file, WALLACE_* environment
// variables, and flags, in that order of precedence.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wallacedb/wallace"
	"github.com/wallacedb/wallace/postgres"
)

type config struct {
	DSN      string `koanf:"dsn"`
	Dir      string `koanf:"dir"`
	Table    string `koanf:"table"`
	Username string `koanf:"username"`
	Strict   bool   `koanf:"strict"`
	Strategy string `koanf:"strategy"`
	Report   string `koanf:"report"`

	Transaction struct {
		Mode       string `koanf:"mode"`
		Retries    int    `koanf:"retries"`
		RetryDelay string `koanf:"retrydelay"`
		Backoff    *bool  `koanf:"backoff"`
	} `koanf:"transaction"`

	Lock struct {
		Enabled       *bool  `koanf:"enabled"`
		Table         string `koanf:"table"`
		Timeout       string `koanf:"timeout"`
		RetryAttempts int    `koanf:"retryattempts"`
		RetryDelay    string `koanf:"retrydelay"`
	} `koanf:"lock"`
}

var (
	cfgFile string
	dryRun  bool
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "wallace",
		Short:         "Run database migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to TOML config file")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "execute inside a transaction that is always rolled back")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(upCmd(), upToCmd(), rollbackToCmd(), statusCmd(), unlockCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *wallace.Migrator, logger *zap.Logger) error {
				result, err := m.MigrateAll(ctx)
				if err != nil {
					return err
				}
				if !result.Success {
					return errors.WithMessage(result.Errors, "migration run failed")
				}
				logger.Info("done", zap.Int("executed", len(result.Executed)))
				return nil
			})
		},
	}
}

func upToCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up-to <timestamp>",
		Short: "Apply pending migrations up to and including a timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTimestamp(args[0])
			if err != nil {
				return err
			}
			return withMigrator(cmd.Context(), func(ctx context.Context, m *wallace.Migrator, logger *zap.Logger) error {
				result, err := m.MigrateToVersion(ctx, target)
				if err != nil {
					return err
				}
				logger.Info("done", zap.Int("executed", len(result.Executed)))
				return nil
			})
		},
	}
}

func rollbackToCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback-to <timestamp>",
		Short: "Roll back every migration above a timestamp, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTimestamp(args[0])
			if err != nil {
				return err
			}
			return withMigrator(cmd.Context(), func(ctx context.Context, m *wallace.Migrator, logger *zap.Logger) error {
				return m.RollbackToVersion(ctx, target)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the classification of every known migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *wallace.Migrator, logger *zap.Logger) error {
				info, err := m.Info(ctx)
				if err != nil {
					return err
				}
				for _, entry := range info {
					fmt.Printf("%-10s %d %s\n", entry.Status, entry.Script.Timestamp, entry.Script.Name)
				}
				return nil
			})
		},
	}
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Force-release a stale executor lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *wallace.Migrator, logger *zap.Logger) error {
				if err := m.ForceReleaseLock(ctx); err != nil {
					return err
				}
				logger.Info("lock released")
				return nil
			})
		},
	}
}

func withMigrator(ctx context.Context, run func(context.Context, *wallace.Migrator, *zap.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DSN == "" {
		return errors.New("dsn is required (config file, WALLACE_DSN, or .env)")
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return errors.WithMessage(err, "connecting to database")
	}
	defer pool.Close()

	lockCfg, err := lockingConfig(cfg)
	if err != nil {
		return err
	}

	db := postgres.New(pool,
		postgres.WithLogger(logger),
		postgres.WithLockTable(lockCfg.TableName),
		postgres.WithLockTimeout(lockCfg.Timeout),
	)

	txnCfg, err := transactionConfig(cfg)
	if err != nil {
		return err
	}
	strategy, err := parseStrategy(cfg.Strategy)
	if err != nil {
		return err
	}

	options := []wallace.Option{
		wallace.WithLogger(logger),
		wallace.WithTransactionConfig(txnCfg),
		wallace.WithLockingConfig(lockCfg),
		wallace.WithRollbackStrategy(strategy),
		wallace.WithStrict(cfg.Strict),
		wallace.WithDryRun(dryRun),
	}
	if cfg.Table != "" {
		options = append(options, wallace.WithTableName(cfg.Table))
	}
	if cfg.Username != "" {
		options = append(options, wallace.WithUsername(cfg.Username))
	}
	if cfg.Dir != "" {
		options = append(options, wallace.WithScanner(wallace.NewDirScanner(cfg.Dir)))
	}
	switch cfg.Report {
	case "", "table":
		options = append(options, wallace.WithReporter(&wallace.TableReporter{Out: os.Stdout}))
	case "json":
		options = append(options, wallace.WithReporter(&wallace.JSONReporter{Out: os.Stdout}))
	case "none":
	default:
		return errors.Errorf("unknown report format %q", cfg.Report)
	}

	m, err := wallace.New(db, db, options...)
	if err != nil {
		return err
	}
	return run(ctx, m, logger)
}

func loadConfig() (*config, error) {
	// A .env next to the binary is a convenience for local runs.
	_ = godotenv.Load()

	k := koanf.New(".")
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), toml.Parser()); err != nil {
			return nil, errors.WithMessagef(err, "loading config %s", cfgFile)
		}
	}
	err := k.Load(env.Provider("WALLACE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "WALLACE_")), "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, errors.WithMessage(err, "loading environment")
	}

	cfg := &config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.WithMessage(err, "unmarshaling config")
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg = zap.NewDevelopmentConfig()
	}
	logger, err := zcfg.Build()
	return logger, errors.WithStack(err)
}

func transactionConfig(cfg *config) (wallace.TransactionConfig, error) {
	out := wallace.DefaultTransactionConfig()

	switch cfg.Transaction.Mode {
	case "", "per-migration":
		out.Mode = wallace.TransactionPerMigration
	case "per-batch":
		out.Mode = wallace.TransactionPerBatch
	case "none":
		out.Mode = wallace.TransactionNone
	default:
		return out, errors.Errorf("unknown transaction mode %q", cfg.Transaction.Mode)
	}

	if cfg.Transaction.Retries > 0 {
		out.Retries = cfg.Transaction.Retries
	}
	if cfg.Transaction.RetryDelay != "" {
		d, err := time.ParseDuration(cfg.Transaction.RetryDelay)
		if err != nil {
			return out, errors.WithMessage(err, "transaction retrydelay")
		}
		out.RetryDelay = d
	}
	if cfg.Transaction.Backoff != nil {
		out.RetryBackoff = *cfg.Transaction.Backoff
	}
	return out, nil
}

func lockingConfig(cfg *config) (wallace.LockingConfig, error) {
	out := wallace.DefaultLockingConfig()

	if cfg.Lock.Enabled != nil {
		out.Enabled = *cfg.Lock.Enabled
	}
	if cfg.Lock.Table != "" {
		out.TableName = cfg.Lock.Table
	}
	if cfg.Lock.Timeout != "" {
		d, err := time.ParseDuration(cfg.Lock.Timeout)
		if err != nil {
			return out, errors.WithMessage(err, "lock timeout")
		}
		out.Timeout = d
	}
	out.RetryAttempts = cfg.Lock.RetryAttempts
	if cfg.Lock.RetryDelay != "" {
		d, err := time.ParseDuration(cfg.Lock.RetryDelay)
		if err != nil {
			return out, errors.WithMessage(err, "lock retrydelay")
		}
		out.RetryDelay = d
	}
	return out, nil
}

func parseStrategy(s string) (wallace.RollbackStrategy, error) {
	switch s {
	case "", "none":
		return wallace.RollbackNone, nil
	case "down":
		return wallace.RollbackDown, nil
	case "backup":
		return wallace.RollbackBackup, nil
	case "both":
		return wallace.RollbackBoth, nil
	default:
		return wallace.RollbackNone, errors.Errorf("unknown rollback strategy %q", s)
	}
}

func parseTimestamp(s string) (int64, error) {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return 0, errors.Errorf("invalid timestamp %q", s)
	}
	return ts, nil
}
