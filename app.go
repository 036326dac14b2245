package main

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/trailpost/activitypub"
	"github.com/deemkeen/trailpost/counter"
	"github.com/deemkeen/trailpost/db"
	"github.com/deemkeen/trailpost/importer"
	"github.com/deemkeen/trailpost/queue"
	"github.com/deemkeen/trailpost/storage"
	"github.com/deemkeen/trailpost/util"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the wired components shared by every command.
type app struct {
	conf     *util.AppConfig
	log      *zap.SugaredLogger
	db       *db.DB
	store    storage.Storage
	queue    queue.Queue
	memory   *queue.MemoryQueue // set when no redis is configured
	redis    *redis.Client
	counters *counter.Engine
	resolver *activitypub.Resolver
	importer *importer.Importer
}

func newApp(ctx context.Context) (*app, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, err
	}
	log, err := util.NewLogger(conf)
	if err != nil {
		return nil, err
	}

	a := &app{conf: conf, log: log}
	a.db, err = db.Open(ctx, conf.Conf.DbPath)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.New(ctx, conf)
	if err != nil {
		a.close()
		return nil, err
	}

	if conf.Queue.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: conf.Queue.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", conf.Queue.RedisAddr, err)
		}
		a.queue = queue.NewRedisQueue(a.redis, conf.Queue.Name, conf.Queue.MaxAttempts, queue.DefaultBackoff)
	} else {
		a.memory = queue.NewMemoryQueue(conf.Queue.MaxAttempts, queue.DefaultBackoff)
		a.queue = a.memory
	}

	a.counters = counter.New(a.db)
	a.resolver = activitypub.NewResolver(a.db, activitypub.NewHTTPFetcher(conf), a.counters, log)
	a.importer = importer.New(a.db, a.store, a.queue, a.counters, log, importer.ConfigFrom(conf))
	return a, nil
}

func (a *app) worker() *queue.Worker {
	w := queue.NewWorker(a.queue, a.log, a.conf.Queue.Workers)
	a.resolver.Register(w)
	a.importer.Register(w)
	return w
}

// runUntil runs a worker in process until done reports true or ctx ends.
func (a *app) runUntil(ctx context.Context, done func() bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- a.worker().Run(ctx) }()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			cancel()
			<-errc
			return ctx.Err()
		case <-ticker.C:
			if done() {
				cancel()
				return <-errc
			}
		}
	}
}

func (a *app) close() {
	if a.memory != nil {
		a.memory.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if c, ok := a.store.(interface{ Close() error }); ok {
		c.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	a.log.Sync()
}
