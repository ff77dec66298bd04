package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Prober produces the network signal for a headless process by checking the
// host's interfaces on an interval. It never contacts the chat server: an
// unreachable server is a socket failure and goes through reconnect backoff.
type Prober struct {
	loopback bool
	interval time.Duration
	monitor  *Monitor
	logger   *zap.Logger
	usable   func() (bool, error)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProber returns a prober for a daemon talking to serverURL. A server on
// a loopback address needs no external interface, so its network is always
// reported up.
func NewProber(serverURL string, interval time.Duration, monitor *Monitor, logger *zap.Logger) (*Prober, error) {
	addr, err := hostPort(serverURL)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	host, _, _ := net.SplitHostPort(addr)
	return &Prober{
		loopback: isLoopback(host),
		interval: interval,
		monitor:  monitor,
		logger:   logger,
		usable:   hasUsableInterface,
	}, nil
}

func hostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("server url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		case "ws", "http":
			port = "80"
		default:
			return "", fmt.Errorf("server url %q: unsupported scheme %q", raw, u.Scheme)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// hasUsableInterface reports whether some non-loopback interface is up and
// carries a global or link-local unicast address.
func hasUsableInterface() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok && (n.IP.IsGlobalUnicast() || n.IP.IsLinkLocalUnicast()) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Start probes once immediately and then on every interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			p.monitor.SetNetwork(p.Probe())
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops probing and waits for the loop to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// Probe reports whether the host has a network the server can be reached
// over. A failed interface listing counts as up so the socket decides.
func (p *Prober) Probe() bool {
	if p.loopback {
		return true
	}
	up, err := p.usable()
	if err != nil {
		p.logger.Debug("interface check failed", zap.Error(err))
		return true
	}
	return up
}
