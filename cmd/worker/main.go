package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/jeeves/internal/config"
	"github.com/SirClappington/jeeves/internal/consumer"
	"github.com/SirClappington/jeeves/internal/executor"
	"github.com/SirClappington/jeeves/internal/logging"
	"github.com/SirClappington/jeeves/internal/queue"
	"github.com/SirClappington/jeeves/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, keepalive, err := openBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, broker.Close()) }()

	var opts []consumer.Option
	if cfg.PostgresDSN != "" {
		if err := migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
			return err
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return errors.Wrap(err, "connect postgres")
		}
		defer pool.Close()
		opts = append(opts, consumer.WithRecorder(storage.New(pool)))
		log.Info("run history enabled")
	}

	runner := executor.New(executor.WithTimeout(cfg.JobTimeout))
	c := consumer.New(broker, runner, consumer.Config{
		BaseDir:             cfg.ScriptDir,
		ScriptName:          cfg.ScriptName,
		AllowScriptOverride: cfg.AllowScriptOverride,
		DeadLetter:          cfg.NackPolicy == config.NackDeadLetter,
	}, log, opts...)

	log.Info("worker starting",
		zap.String("worker_id", cfg.WorkerID),
		zap.String("broker", cfg.Broker),
		zap.String("queue", cfg.QueueName),
		zap.String("nack_policy", cfg.NackPolicy),
	)

	// Losing the processing list claim stops the consumer after the job in
	// hand; another worker now owns the list.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error {
		if err := keepalive(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func openBroker(ctx context.Context, cfg config.Config, log *zap.Logger) (queue.Broker, func(context.Context) error, error) {
	none := func(context.Context) error { return nil }
	if cfg.Broker == config.BrokerAMQP {
		q, err := queue.DialAMQP(cfg.AMQPURL, cfg.QueueName, cfg.WorkerID)
		if err != nil {
			return nil, nil, err
		}
		if cfg.NackPolicy == config.NackDeadLetter {
			log.Info("dead-lettering relies on the queue's x-dead-letter-exchange", zap.String("queue", cfg.QueueName))
		}
		return q, none, nil
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, errors.Wrapf(err, "connect redis %s", cfg.RedisAddr)
	}
	q := queue.NewRedis(rdb, queue.RedisOptions{
		Queue:      cfg.QueueName,
		Reliable:   cfg.QueueMode == config.ModeReliable,
		WorkerID:   cfg.WorkerID,
		DeadLetter: cfg.NackPolicy == config.NackDeadLetter,
		Block:      cfg.PopTimeout,
		ClaimTTL:   cfg.ClaimTTL,
	})
	n, err := recoverWhenFree(ctx, q, cfg.ClaimTTL, log)
	if err != nil {
		q.Close()
		return nil, nil, err
	}
	if n > 0 {
		log.Warn("requeued unsettled deliveries", zap.Int("count", n), zap.String("list", q.ProcessingKey()))
	}
	return q, q.KeepClaim, nil
}

// recoverWhenFree retries Recover while another process holds this worker
// id. A claim left by a crashed run of this worker expires after ttl.
func recoverWhenFree(ctx context.Context, q *queue.RedisQ, ttl time.Duration, log *zap.Logger) (int, error) {
	for {
		n, err := q.Recover(ctx)
		if !errors.Is(err, queue.ErrWorkerIDInUse) {
			return n, err
		}
		log.Warn("worker id is claimed by another process, waiting", zap.String("list", q.ProcessingKey()), zap.Duration("ttl", ttl))
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(ttl / 3):
		}
	}
}

func migrate(dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, "open postgres")
	}
	defer db.Close()
	return storage.Migrate(db, dir)
}
