package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/chatlog/internal/api"
	"github.com/matheus3301/chatlog/internal/bus"
	"github.com/matheus3301/chatlog/internal/chatlog"
	"github.com/matheus3301/chatlog/internal/config"
	"github.com/matheus3301/chatlog/internal/contacts"
	"github.com/matheus3301/chatlog/internal/history"
	"github.com/matheus3301/chatlog/internal/lock"
	"github.com/matheus3301/chatlog/internal/logging"
	"github.com/matheus3301/chatlog/internal/persist"
	"github.com/matheus3301/chatlog/internal/profile"
	"github.com/matheus3301/chatlog/internal/store"
	intsync "github.com/matheus3301/chatlog/internal/sync"
	"github.com/matheus3301/chatlog/internal/timeline"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
	Version     string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideWriter,
			provideRemote,
			providePolicy,
			provideTimeline,
			provideDirectory,
			provideReconciler,
			provideSyncEngine,
			provideRefresher,
			provideTimelineService,
			provideContactService,
			provideConversationService,
			provideStatusService,
			NewServer,
			NewContextServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(profile.EnvPath()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore opens the cache. When the file cannot be opened the daemon
// keeps running with in-memory timelines only, and the returned DB is nil. A
// schema conflict aborts startup.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CachePath(p.ProfileName)
	db, err := store.Open(dbPath)
	if errors.Is(err, store.ErrStorageUnavailable) {
		logger.Warn("persistent storage unavailable, running in memory", zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		if store.IsSchemaConflict(err) {
			logger.Error("cache schema is held by another handle", zap.Error(err))
		}
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideWriter(db *store.DB, cfg *config.Config, logger *zap.Logger) *persist.Writer {
	if db == nil {
		return nil
	}
	return persist.New(db, persist.Options{
		ChunkSize:      cfg.Persist.ChunkSize,
		UseWorker:      cfg.Persist.UseWorker,
		RequestTimeout: cfg.Persist.RequestTimeout.Duration,
		QueueDepth:     cfg.Persist.QueueDepth,
	}, logger)
}

func provideRemote(cfg *config.Config) *chatlog.Client {
	return chatlog.New(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.Timeout.Duration)
}

func providePolicy(remote *chatlog.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *history.Policy {
	return history.New(remote, history.Options{
		PageSize:          cfg.History.PageSize,
		RetryCeiling:      cfg.History.RetryCeiling,
		DefaultWindowDays: cfg.History.DefaultWindowDays,
		MinWindowDays:     cfg.History.MinWindowDays,
		MaxWindowDays:     cfg.History.MaxWindowDays,
	}, b, logger)
}

func provideTimeline(policy *history.Policy, remote *chatlog.Client, db *store.DB, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *timeline.Manager {
	var cache timeline.Cache
	if db != nil {
		cache = db
	}
	return timeline.NewManager(policy, remote, cache, b, timeline.Options{
		PageSize:   cfg.History.PageSize,
		Contiguity: cfg.History.Contiguity.Duration,
		TimeGap:    cfg.History.TimeGap.Duration,
	}, logger)
}

func provideDirectory(remote *chatlog.Client, writer *persist.Writer, db *store.DB, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *contacts.Directory {
	var bw persist.BulkWriter
	if writer != nil {
		bw = writer
	}
	return contacts.New(remote, bw, db, b, contacts.Options{
		PageSize:  cfg.Contacts.PageSize,
		PageDelay: cfg.Contacts.PageDelay.Duration,
	}, logger)
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	if db == nil {
		return nil
	}
	return intsync.NewReconciler(db, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, recon *intsync.Reconciler, dir *contacts.Directory, logger *zap.Logger) *intsync.Engine {
	if db == nil {
		return nil
	}
	return intsync.NewEngine(db, b, recon, dir, logger)
}

func provideRefresher(remote *chatlog.Client, mgr *timeline.Manager, engine *intsync.Engine, recon *intsync.Reconciler, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Refresher {
	if engine == nil || !cfg.Refresh.Enabled {
		return nil
	}
	return intsync.NewRefresher(remote, remote, mgr, engine, recon, b, intsync.RefresherOptions{
		Interval:    cfg.Refresh.Interval.Duration,
		Concurrency: cfg.Refresh.Concurrency,
	}, logger)
}

func provideTimelineService(p Params, mgr *timeline.Manager, logger *zap.Logger) *api.TimelineService {
	return api.NewTimelineService(mgr, p.ProfileName, logger)
}

func provideContactService(dir *contacts.Directory, logger *zap.Logger) *api.ContactService {
	return api.NewContactService(dir, logger)
}

func provideConversationService(db *store.DB, mgr *timeline.Manager, dir *contacts.Directory, logger *zap.Logger) *api.ConversationService {
	return api.NewConversationService(db, mgr, dir, logger)
}

func provideStatusService(p Params, db *store.DB, writer *persist.Writer, mgr *timeline.Manager, dir *contacts.Directory, b *bus.Bus, logger *zap.Logger) *api.StatusService {
	return api.NewStatusService(p.ProfileName, db, writer, mgr, dir, b, logger)
}

type lifecycleParams struct {
	fx.In

	Server    *Server
	Context   *ContextServer
	Lock      *lock.Lock
	DB        *store.DB
	Writer    *persist.Writer
	Timeline  *timeline.Manager
	Directory *contacts.Directory
	Engine    *intsync.Engine
	Refresher *intsync.Refresher
	Status    *api.StatusService
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleParams) {
	logger := d.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := d.Directory.Load(ctx); err != nil {
				logger.Warn("failed to load contact directory", zap.Error(err))
			}

			// Timeline consumes cache.updated; the engine persists timeline.merged.
			d.Timeline.Start(context.Background())
			if d.Engine != nil {
				d.Engine.Start(context.Background())
			}
			d.Status.Start(context.Background())
			if d.Refresher != nil {
				d.Refresher.Start(context.Background())
			}

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if d.Context != nil {
				if err := d.Context.Start(); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if d.Context != nil {
				d.Context.Stop(ctx)
			}
			d.Server.Stop(ctx)
			if d.Refresher != nil {
				d.Refresher.Stop()
			}
			if d.Engine != nil {
				d.Engine.Stop()
			}
			d.Status.Stop()
			d.Timeline.Stop()
			if d.Writer != nil {
				d.Writer.Close()
			}
			if d.DB != nil {
				if err := d.DB.Close(); err != nil {
					logger.Warn("error closing store", zap.Error(err))
				}
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
