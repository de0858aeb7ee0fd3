package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/activity"
	"board-sync/config"
	"board-sync/coordinator"
	"board-sync/domain"
	"board-sync/hub"
	"board-sync/ordering"
	"board-sync/storage"
)

// boardStore is what both the coordinator and the snapshot endpoint need.
type boardStore interface {
	coordinator.Store
	Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error)
}

// app holds the components shared by serve and reindex.
type app struct {
	cfg        config.Config
	logger     *log.Logger
	rdb        *redis.Client
	store      boardStore
	memory     *storage.Memory
	dispatcher *activity.Dispatcher
	hub        *hub.Hub
	coord      *coordinator.Coordinator
}

func newApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	redisOpts, err := cfg.Redis.RedisOptions()
	if err != nil {
		return nil, err
	}
	if redisOpts != nil {
		a.rdb = redis.NewClient(redisOpts)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			_ = a.rdb.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
	} else {
		logger.Warn("REDIS_URL not set; locks, activity and broadcast are local to this process")
	}

	if err := a.buildStore(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildDispatcher(); err != nil {
		a.Close()
		return nil, err
	}

	var (
		recorder coordinator.Recorder
		locker   coordinator.Locker
		bus      hub.Bus
	)
	if a.rdb != nil {
		recorder = activity.NewRedisRecorder(a.rdb, cfg.Activity.Capacity, a.dispatcher, logger)
		locker = coordinator.NewRedisLocker(a.rdb, cfg.Lock.TTL)
		bus = hub.NewRedisBus(a.rdb, logger)
	} else {
		recorder = activity.NewMemoryRecorder(cfg.Activity.Capacity, a.dispatcher)
		locker = coordinator.NewLocalLocker()
	}
	a.hub = hub.New(bus, logger)
	a.coord = coordinator.New(a.store, recorder, a.hub, locker, logger, coordinator.Config{
		LockTimeout: cfg.Lock.Timeout,
		Allocator:   ordering.NewAllocator(cfg.Order.Stride, cfg.Order.Epsilon),
	})
	return a, nil
}

func (a *app) buildStore() error {
	var base boardStore
	switch a.cfg.Store.Driver {
	case config.DriverAzTables:
		s, err := storage.New(a.cfg.Store.ConnectionString, a.cfg.Store.BoardsTable, a.cfg.Store.ListsTable, a.cfg.Store.CardsTable)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		base = s
	case config.DriverMemory:
		a.memory = storage.NewMemory()
		base = a.memory
	default:
		return fmt.Errorf("unsupported store driver %q", a.cfg.Store.Driver)
	}
	if a.rdb != nil && a.cfg.Redis.SnapshotTTL > 0 {
		a.store = storage.NewCache(base, a.rdb, a.cfg.Redis.SnapshotTTL)
		return nil
	}
	a.store = base
	return nil
}

func (a *app) buildDispatcher() error {
	if a.cfg.Store.ActivityQueue == "" {
		return nil
	}
	if a.cfg.Store.ConnectionString == "" {
		return errors.New("ACTIVITY_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	q, err := storage.NewActivityQueue(a.cfg.Store.ConnectionString, a.cfg.Store.ActivityQueue)
	if err != nil {
		return fmt.Errorf("activity queue: %w", err)
	}
	a.dispatcher = activity.NewDispatcher(q, a.logger, activity.DispatcherConfig{
		Workers:        a.cfg.Activity.Workers,
		Buffer:         a.cfg.Activity.Buffer,
		HandoffTimeout: a.cfg.Activity.HandoffTimeout,
	})
	a.dispatcher.Start()
	return nil
}

// health reports whether the shared Redis is reachable.
func (a *app) health(ctx context.Context) error {
	if a.rdb == nil {
		return nil
	}
	return a.rdb.Ping(ctx).Err()
}

// Close drains the activity dispatcher before closing Redis.
func (a *app) Close() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.WithError(err).Warn("close redis")
		}
	}
}

// seedFile is the JSON document accepted by serve --seed for the memory driver.
type seedFile struct {
	Boards []domain.Board `json:"boards"`
	Lists  []domain.List  `json:"lists"`
	Cards  []domain.Card  `json:"cards"`
}

func (a *app) seed(path string) (int, error) {
	if a.memory == nil {
		return 0, errors.New("--seed requires STORE_DRIVER=memory")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var seed seedFile
	if err := sonic.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, b := range seed.Boards {
		a.memory.PutBoard(b)
	}
	for _, l := range seed.Lists {
		a.memory.PutList(l)
	}
	for _, c := range seed.Cards {
		a.memory.PutCard(c)
	}
	return len(seed.Boards), nil
}
