package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/andrefmz/chatsync/internal/bus"
	"github.com/andrefmz/chatsync/internal/config"
	"github.com/andrefmz/chatsync/internal/content"
	"github.com/andrefmz/chatsync/internal/filecache"
	"github.com/andrefmz/chatsync/internal/home"
	"github.com/andrefmz/chatsync/internal/lock"
	"github.com/andrefmz/chatsync/internal/logging"
	"github.com/andrefmz/chatsync/internal/message"
	"github.com/andrefmz/chatsync/internal/push"
	"github.com/andrefmz/chatsync/internal/respcache"
	"github.com/andrefmz/chatsync/internal/send"
	"github.com/andrefmz/chatsync/internal/store"
	intsync "github.com/andrefmz/chatsync/internal/sync"
	"github.com/andrefmz/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config // optional override for testing; nil = load from disk
	Gate    push.Gate      // optional; nil allows every channel refresh
}

// Clients bundles the two service clients so fx can tell them apart.
type Clients struct {
	API   *transport.Client
	Files *transport.Client
}

// Module returns the fx module for the engine, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideRegistry,
			provideCodec,
			provideLock,
			provideStore,
			provideRespCache,
			provideFileCache,
			provideClients,
			provideOfflineClient,
			provideFileLoader,
			providePipeline,
			provideCoordinator,
			provideSupervisor,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(home.LogPath(p.Profile), p.Profile)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	cfg, err := config.Load(home.ConfigPath())
	if err != nil {
		logger.Info("no config file, starting with defaults", zap.String("path", home.ConfigPath()))
		cfg = &config.Config{}
	}
	if cfg.CacheKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		cfg.CacheKey = hex.EncodeToString(key)
		if err := config.Save(home.ConfigPath(), cfg); err != nil {
			return nil, err
		}
		logger.Info("generated response cache key")
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideRegistry() *content.Registry {
	return content.NewDefaultRegistry()
}

func provideCodec(registry *content.Registry, logger *zap.Logger) *message.Codec {
	return message.NewCodec(registry, logger)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := home.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(home.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, codec *message.Codec, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := home.DBPath(p.Profile)
	db, err := store.Open(dbPath, codec, logger)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
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

func provideRespCache(p Params, cfg *config.Config, logger *zap.Logger) (*respcache.Cache, error) {
	key, err := cfg.DecodeCacheKey()
	if err != nil {
		return nil, err
	}
	return respcache.New(home.RespCacheDir(p.Profile), key, logger), nil
}

func provideFileCache(p Params) (*filecache.Cache, error) {
	return filecache.New(home.FileCacheDir(p.Profile))
}

func credentials(cfg *config.Config) transport.Credentials {
	return transport.Credentials{
		ClientID:    cfg.ClientID,
		DeviceID:    cfg.DeviceID,
		SocketID:    cfg.SocketID,
		AccessToken: cfg.AccessToken,
		BearerToken: cfg.BearerToken,
	}
}

func provideClients(cfg *config.Config, cache *respcache.Cache, b *bus.Bus, logger *zap.Logger) (*Clients, error) {
	api, err := transport.New(cfg.APIBaseURL, credentials(cfg), cache, b, logger)
	if err != nil {
		return nil, err
	}
	files, err := transport.New(cfg.FileBaseURL, credentials(cfg), nil, b, logger)
	if err != nil {
		api.Close()
		return nil, err
	}
	return &Clients{API: api, Files: files}, nil
}

func provideOfflineClient(cfg *config.Config, cache *respcache.Cache) (*transport.CachedClient, error) {
	return transport.NewCached(cfg.APIBaseURL, cache)
}

// payloadLRUSize bounds the in-memory rendered-payload cache.
const payloadLRUSize = 64

func provideFileLoader(clients *Clients, fc *filecache.Cache, logger *zap.Logger) *filecache.Loader {
	fetch := func(ctx context.Context, remotePath string) ([]byte, error) {
		return clients.Files.Fetch(ctx, remotePath, transport.WithTimeout(transport.ExtendedTimeout))
	}
	return filecache.NewLoader(fc, fetch, payloadLRUSize, logger)
}

func providePipeline(db *store.DB, clients *Clients, fc *filecache.Cache, codec *message.Codec, b *bus.Bus, logger *zap.Logger) *send.Pipeline {
	return send.NewPipeline(db, clients.API, clients.Files, fc, codec, b, logger)
}

func provideCoordinator(db *store.DB, clients *Clients, offline *transport.CachedClient, codec *message.Codec, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(db, clients.API, offline, codec, b, logger)
}

func provideSupervisor(p Params, cfg *config.Config, coord *intsync.Coordinator, b *bus.Bus, logger *zap.Logger) *push.Supervisor {
	header := http.Header{}
	if cfg.ClientID != "" {
		header.Set("X-Client-Id", cfg.ClientID)
	}
	if cfg.DeviceID != "" {
		header.Set("X-Device-Id", cfg.DeviceID)
	}
	if cfg.AccessToken != "" {
		header.Set("X-Access-Token", cfg.AccessToken)
	}
	if cfg.BearerToken != "" {
		header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}
	return push.New(cfg.PushURL, header, coord, p.Gate, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, pipeline *send.Pipeline, supervisor *push.Supervisor, srv *MetricsServer, clients *Clients, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Retry messages stranded mid-send by the previous run.
			go func() {
				if err := pipeline.Resume(context.Background()); err != nil {
					logger.Warn("resume pass failed", zap.Error(err))
				}
			}()

			if cfg.PushURL != "" {
				supervisor.Start(context.Background())
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cfg.PushURL != "" {
				supervisor.Stop()
			}
			srv.Stop(ctx)
			clients.API.Close()
			clients.Files.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
