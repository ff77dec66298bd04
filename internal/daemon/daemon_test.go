package daemon

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/chatq/internal/api"
	"github.com/matheus3301/chatq/internal/auth"
	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/config"
	"github.com/matheus3301/chatq/internal/connectivity"
	"github.com/matheus3301/chatq/internal/dispatch"
	"github.com/matheus3301/chatq/internal/lock"
	"github.com/matheus3301/chatq/internal/outbox"
	"github.com/matheus3301/chatq/internal/profile"
	"github.com/matheus3301/chatq/internal/relay"
	"github.com/matheus3301/chatq/internal/socket"
	"github.com/matheus3301/chatq/internal/status"
	"github.com/matheus3301/chatq/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// shortHome points profiles at a short /tmp dir so socket paths stay under
// the 104-char Unix socket limit on macOS.
func shortHome(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(profile.HomeEnv, dir)
	return dir
}

func startRelay(t *testing.T) (*relay.Server, *config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := relay.New(relay.Options{Secret: []byte("daemon-test")}, nil)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Server.APIURL = srv.URL
	cfg.Server.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Probe.Interval = config.Duration{}
	cfg.Heartbeat.Interval = config.Duration{Duration: 200 * time.Millisecond}
	cfg.Heartbeat.Timeout = config.Duration{Duration: 100 * time.Millisecond}
	cfg.Backoff.Base = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Backoff.Cap = config.Duration{Duration: 200 * time.Millisecond}
	cfg.Outbox.RetryTick = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Outbox.AckTimeout = config.Duration{Duration: 2 * time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return r, cfg
}

func startApp(t *testing.T, name string, cfg *config.Config) *fx.App {
	t.Helper()
	app := fx.New(fx.NopLogger, Module(Params{Profile: name, Config: cfg}))
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app.Start: %v", err)
	}
	return app
}

func stopApp(t *testing.T, app *fx.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Errorf("app.Stop: %v", err)
	}
}

func dial(t *testing.T, name string) *api.Client {
	t.Helper()
	c, conn, err := api.DialSocket(profile.SocketPath(name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemonLifecycle(t *testing.T) {
	shortHome(t, "chatq-it-*")
	r, cfg := startRelay(t)
	app := startApp(t, "it", cfg)
	defer stopApp(t, app)

	c := dial(t, "it")
	ctx := context.Background()

	st, err := c.GetConnectionStatus(ctx)
	if err != nil {
		t.Fatalf("GetConnectionStatus error = %v", err)
	}
	if st["state"] != string(status.Offline) {
		t.Errorf("state = %v, want OFFLINE before any session", st["state"])
	}

	// Offline sends queue up in order.
	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		id, err := c.Enqueue(ctx, "send_message", "room-1", "", map[string]any{"content": text})
		if err != nil {
			t.Fatalf("Enqueue(%q) error = %v", text, err)
		}
		ids = append(ids, id)
	}
	ops, err := c.ListOperations(ctx, "room-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 queued operations, got %d", len(ops))
	}

	if _, err := c.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login error = %v", err)
	}

	waitFor(t, "queue to drain", func() bool {
		ops, err := c.ListOperations(ctx, "")
		return err == nil && len(ops) == 0
	})
	accepted := r.Accepted()
	if strings.Join(accepted, ",") != strings.Join(ids, ",") {
		t.Errorf("server accepted %v, want %v", accepted, ids)
	}

	waitFor(t, "messages to be marked sent", func() bool {
		msgs, err := c.ListMessages(ctx, "room-1", 10)
		if err != nil || len(msgs) != 3 {
			return false
		}
		for _, m := range msgs {
			if m.(map[string]any)["status"] != store.MessageSent {
				return false
			}
		}
		return true
	})

	st, err = c.GetConnectionStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st["state"] != string(status.Online) || st["user_id"] != "alice" {
		t.Errorf("status = %v, want ONLINE as alice", st)
	}
}

func TestDaemonReconnectsAfterServerDrop(t *testing.T) {
	shortHome(t, "chatq-rc-*")
	r, cfg := startRelay(t)
	app := startApp(t, "rc", cfg)
	defer stopApp(t, app)

	c := dial(t, "rc")
	ctx := context.Background()
	if _, err := c.Login(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "first connection", func() bool { return r.Connects() == 1 })

	r.Kick()
	waitFor(t, "second connection", func() bool { return r.Connects() == 2 })
	waitFor(t, "reconnect", func() bool {
		st, err := c.GetConnectionStatus(ctx)
		return err == nil && st["state"] == string(status.Online)
	})

	if _, err := c.Enqueue(ctx, "send_message", "room-2", "op-after-drop", map[string]any{"content": "back"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery after reconnect", func() bool {
		for _, id := range r.Accepted() {
			if id == "op-after-drop" {
				return true
			}
		}
		return false
	})
}

func TestSessionSurvivesRestart(t *testing.T) {
	shortHome(t, "chatq-rs-*")
	r, cfg := startRelay(t)

	app := startApp(t, "rs", cfg)
	c := dial(t, "rs")
	if _, err := c.Login(context.Background(), "carol"); err != nil {
		t.Fatal(err)
	}
	stopApp(t, app)

	app = startApp(t, "rs", cfg)
	defer stopApp(t, app)
	c = dial(t, "rs")
	ctx := context.Background()
	waitFor(t, "reconnect with saved session", func() bool {
		st, err := c.GetConnectionStatus(ctx)
		return err == nil && st["state"] == string(status.Online) && st["user_id"] == "carol"
	})

	if _, err := c.Enqueue(ctx, "send_message", "room-3", "op-restart", map[string]any{"content": "hi"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery", func() bool { return len(r.Accepted()) == 1 })
}

func TestSecondDaemonRefusesHeldProfile(t *testing.T) {
	shortHome(t, "chatq-lk-*")
	_, cfg := startRelay(t)
	app := startApp(t, "lk", cfg)
	defer stopApp(t, app)

	second := fx.New(fx.NopLogger, Module(Params{Profile: "lk", Config: cfg}))
	err := second.Err()
	if err == nil {
		t.Fatal("second daemon started on a held profile")
	}
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("err = %v, want *lock.HeldError", err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", held.PID, os.Getpid())
	}

	// The running daemon still answers on its socket.
	if _, err := dial(t, "lk").GetConnectionStatus(context.Background()); err != nil {
		t.Errorf("first daemon unreachable after refused start: %v", err)
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
// Regression test: NewServer previously took a bare `string` param which fx
// cannot resolve, causing a silent startup crash ("missing type: string").
func TestFxModuleWiring(t *testing.T) {
	home := shortHome(t, "chatq-fx-*")
	socketPath := filepath.Join(home, "d.sock")

	b := bus.New(zap.NewNop())
	mon := connectivity.NewMonitor(status.NewMachine(b), b, zap.NewNop())
	db, err := store.Open(filepath.Join(home, "chatq.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	q := outbox.NewQueue(db, b, outbox.Options{}, zap.NewNop())
	mgr := socket.NewManager(nil, nil, nil, mon, b, socket.Options{}, zap.NewNop())
	svc := dispatch.New(q, mgr, mon, db, b, zap.NewNop())
	control := api.NewControl(svc, auth.NewClient("http://127.0.0.1:1", nil), b, "fxtest", zap.NewNop())

	p := Params{Profile: "fxtest", SocketPath: socketPath}
	srv, err := NewServer(p, nil, zap.NewNop(), control)
	if err != nil {
		t.Fatalf("NewServer() with Params failed: %v", err)
	}

	// Verify socket was created at the override, not under the profile dir.
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}

	srv.Stop(context.Background())
	if _, statErr := os.Stat(socketPath); !os.IsNotExist(statErr) {
		t.Errorf("socket left behind after Stop")
	}
}
