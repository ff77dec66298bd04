package daemon

import (
	"context"

	"github.com/matheus3301/chatq/internal/api"
	"github.com/matheus3301/chatq/internal/auth"
	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/config"
	"github.com/matheus3301/chatq/internal/connectivity"
	"github.com/matheus3301/chatq/internal/csrf"
	"github.com/matheus3301/chatq/internal/dispatch"
	"github.com/matheus3301/chatq/internal/lock"
	"github.com/matheus3301/chatq/internal/logging"
	"github.com/matheus3301/chatq/internal/metrics"
	"github.com/matheus3301/chatq/internal/outbox"
	"github.com/matheus3301/chatq/internal/profile"
	"github.com/matheus3301/chatq/internal/socket"
	"github.com/matheus3301/chatq/internal/status"
	"github.com/matheus3301/chatq/internal/store"
	"github.com/matheus3301/chatq/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
	// Dialer replaces the WebSocket dialer when set.
	Dialer transport.Dialer
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideMonitor,
			provideLock,
			provideStore,
			provideQueue,
			provideAuthClient,
			provideGuard,
			provideDialer,
			provideManager,
			provideSender,
			provideDispatch,
			provideProber,
			provideMetrics,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Config.LogLevel)
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger.Named("bus"))
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideMonitor(m *status.Machine, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(m, b, logger.Named("connectivity"))
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so that no other daemon touches the database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
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

func provideQueue(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) (*outbox.Queue, error) {
	q := outbox.NewQueue(db, b, outbox.Options{
		MaxRetries: p.Config.Outbox.MaxRetries,
		Retry:      p.Config.Backoff.Policy(),
	}, logger.Named("outbox"))
	n, err := q.Load()
	if err != nil {
		return nil, err
	}
	logger.Info("queue restored", zap.Int("operations", n))
	return q, nil
}

func provideAuthClient(p Params, logger *zap.Logger) *auth.Client {
	return auth.NewClient(p.Config.Server.APIURL, logger.Named("auth"))
}

func provideGuard(p Params, logger *zap.Logger) *csrf.Guard {
	return csrf.NewGuard(p.Config.Server.APIURL, logger.Named("csrf"))
}

func provideDialer(p Params, logger *zap.Logger) transport.Dialer {
	if p.Dialer != nil {
		return p.Dialer
	}
	return transport.NewWSDialer(p.Config.Server.URL, logger.Named("transport"))
}

func provideManager(p Params, d transport.Dialer, client *auth.Client, guard *csrf.Guard, mon *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *socket.Manager {
	cfg := p.Config
	return socket.NewManager(d, client, guard, mon, b, socket.Options{
		HeartbeatInterval: cfg.Heartbeat.Interval.Duration,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout.Duration,
		Backoff:           cfg.Backoff.Policy(),
	}, logger.Named("socket"))
}

func provideSender(p Params, q *outbox.Queue, mgr *socket.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	cfg := p.Config.Outbox
	s := outbox.NewSender(q, mgr, b, outbox.SenderOptions{
		Concurrency: cfg.Concurrency,
		AckTimeout:  cfg.AckTimeout.Duration,
		Tick:        cfg.RetryTick.Duration,
	}, logger.Named("sender"))
	mgr.OnAck(s.HandleAck)
	return s
}

func provideDispatch(q *outbox.Queue, mgr *socket.Manager, mon *connectivity.Monitor, db *store.DB, b *bus.Bus, logger *zap.Logger) *dispatch.Service {
	return dispatch.New(q, mgr, mon, db, b, logger.Named("dispatch"))
}

// provideProber returns nil when probing is disabled.
func provideProber(p Params, mon *connectivity.Monitor, logger *zap.Logger) (*connectivity.Prober, error) {
	interval := p.Config.Probe.Interval.Duration
	if interval <= 0 {
		return nil, nil
	}
	return connectivity.NewProber(p.Config.Server.URL, interval, mon, logger.Named("prober"))
}

func provideMetrics(q *outbox.Queue, b *bus.Bus, logger *zap.Logger) *metrics.Metrics {
	return metrics.New(q, b, logger.Named("metrics"))
}

func provideControl(p Params, svc *dispatch.Service, client *auth.Client, b *bus.Bus, logger *zap.Logger) *api.Control {
	return api.NewControl(svc, client, b, p.Profile, logger.Named("api"))
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	sender *outbox.Sender,
	mgr *socket.Manager,
	svc *dispatch.Service,
	prober *connectivity.Prober,
	m *metrics.Metrics,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()
			m.Start(ctx)
			if addr := p.Config.Metrics.Addr; addr != "" {
				if _, err := m.Serve(addr); err != nil {
					return err
				}
			}

			sender.Start(ctx)
			mgr.Start(ctx)
			if prober != nil {
				prober.Start(ctx)
			}
			// Reconnects with the saved session, if any.
			svc.Start(ctx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			svc.Stop()
			if prober != nil {
				prober.Stop()
			}
			mgr.Stop()
			sender.Stop()
			if err := m.Stop(ctx); err != nil {
				logger.Warn("error stopping metrics", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
