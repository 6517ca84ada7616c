// Package daemon wires the messaging core together as an fx application:
// one provider per component, one lifecycle hook that starts and stops
// everything through a single path.
package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/kumaruseru/special-sub000/internal/archive"
	"github.com/kumaruseru/special-sub000/internal/bus"
	"github.com/kumaruseru/special-sub000/internal/config"
	"github.com/kumaruseru/special-sub000/internal/core"
	"github.com/kumaruseru/special-sub000/internal/lock"
	"github.com/kumaruseru/special-sub000/internal/logging"
	"github.com/kumaruseru/special-sub000/internal/outbox"
	"github.com/kumaruseru/special-sub000/internal/rest"
	"github.com/kumaruseru/special-sub000/internal/secure"
	"github.com/kumaruseru/special-sub000/internal/session"
	"github.com/kumaruseru/special-sub000/internal/state"
	"github.com/kumaruseru/special-sub000/internal/store"
	"github.com/kumaruseru/special-sub000/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideTracker,
			provideLock,
			provideMessages,
			provideDirectory,
			provideCodec,
			provideRESTClient,
			provideAdapter,
			provideQueue,
			provideArchiveDB,
			provideArchiveConsumer,
			provideCore,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideTracker(b *bus.Bus) *state.Tracker {
	return state.NewTracker(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideMessages() *store.Messages {
	return store.NewMessages()
}

func provideDirectory() *store.Directory {
	return store.NewDirectory()
}

func provideCodec(logger *zap.Logger) *secure.Codec {
	return secure.New(logger)
}

func provideRESTClient(cfg *config.Config, adapter *transport.Adapter) *rest.Client {
	return rest.New(cfg.Server.BaseURL, tokenFromEnv(cfg), rest.WithSelfID(adapter.SelfID))
}

func provideAdapter(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Adapter {
	return transport.New(cfg.Server.SocketURL, tokenFromEnv(cfg), b, logger, transportOptions(cfg))
}

func provideQueue(cfg *config.Config, messages *store.Messages, directory *store.Directory, b *bus.Bus, logger *zap.Logger, adapter *transport.Adapter, client *rest.Client, codec *secure.Codec) *outbox.Queue {
	socket := core.NewSocketDeliverer(adapter, codec)
	fallback := core.NewRESTDeliverer(client, directory, codec)
	return outbox.New(messages, b, logger, socket, adapter.Ready, fallback, outbox.SystemClock(), queueOptions(cfg))
}

func provideArchiveDB(p Params, logger *zap.Logger) (*archive.DB, error) {
	dbPath := session.ArchiveDBPath(p.SessionName)
	db, err := archive.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("archive migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("archive migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideArchiveConsumer(db *archive.DB, b *bus.Bus, messages *store.Messages, directory *store.Directory, logger *zap.Logger) *archive.Consumer {
	return archive.NewConsumer(db, b, messages, directory, logger)
}

func provideCore(adapter *transport.Adapter, client *rest.Client, q *outbox.Queue, messages *store.Messages, directory *store.Directory, codec *secure.Codec, tracker *state.Tracker, b *bus.Bus, logger *zap.Logger) *core.Core {
	return core.New(adapter, client, q, messages, directory, codec, tracker, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, c *core.Core, consumer *archive.Consumer, db *archive.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The archive must be listening before the first sync lands.
			consumer.Start(context.Background())
			if err := c.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(context.Context) error {
			c.Close()
			consumer.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

func tokenFromEnv(cfg *config.Config) func() string {
	return func() string { return os.Getenv(cfg.Server.TokenEnv) }
}

// transportOptions maps config onto adapter options; unset fields keep the
// component defaults.
func transportOptions(cfg *config.Config) transport.Options {
	opts := transport.DefaultOptions()
	t := cfg.Transport
	if t.MaxReconnectAttempts > 0 {
		opts.MaxReconnectAttempts = t.MaxReconnectAttempts
	}
	if t.ReconnectBaseDelayMS > 0 {
		opts.ReconnectBaseDelay = time.Duration(t.ReconnectBaseDelayMS) * time.Millisecond
	}
	if t.ReconnectFactor > 0 {
		opts.ReconnectFactor = t.ReconnectFactor
	}
	if t.AckTimeoutMS > 0 {
		opts.AckTimeout = time.Duration(t.AckTimeoutMS) * time.Millisecond
	}
	if t.PingIntervalMS > 0 {
		opts.PingInterval = time.Duration(t.PingIntervalMS) * time.Millisecond
	}
	return opts
}

// queueOptions maps config onto reliability queue options.
func queueOptions(cfg *config.Config) outbox.Options {
	opts := outbox.DefaultOptions()
	q := cfg.Queue
	if q.SendIntervalMS > 0 {
		opts.SendInterval = time.Duration(q.SendIntervalMS) * time.Millisecond
	}
	if q.RetryIntervalMS > 0 {
		opts.RetryInterval = time.Duration(q.RetryIntervalMS) * time.Millisecond
	}
	if q.AckSweepIntervalMS > 0 {
		opts.AckSweepInterval = time.Duration(q.AckSweepIntervalMS) * time.Millisecond
	}
	if q.StaleSweepIntervalMS > 0 {
		opts.StaleSweepInterval = time.Duration(q.StaleSweepIntervalMS) * time.Millisecond
	}
	if q.MaxRetries > 0 {
		opts.MaxRetries = q.MaxRetries
	}
	if q.BaseDelayMS > 0 {
		opts.BaseDelay = time.Duration(q.BaseDelayMS) * time.Millisecond
	}
	if q.BackoffFactor > 0 {
		opts.BackoffFactor = q.BackoffFactor
	}
	if q.MaxDelayMS > 0 {
		opts.MaxDelay = time.Duration(q.MaxDelayMS) * time.Millisecond
	}
	if q.MaxAgeMS > 0 {
		opts.MaxAge = time.Duration(q.MaxAgeMS) * time.Millisecond
	}
	if q.BatchSize > 0 {
		opts.BatchSize = q.BatchSize
	}
	if cfg.Transport.AckTimeoutMS > 0 {
		opts.AckTimeout = time.Duration(cfg.Transport.AckTimeoutMS) * time.Millisecond
	}
	return opts
}
