package connectivity

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Gate answers whether the remote store is reachable right now. The answer
// may be stale by the time a write is attempted; callers fall back to the
// offline queue when a write fails.
type Gate interface {
	CanReachRemote(ctx context.Context) bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeGate pings the remote once per call, bounded by timeout.
type ProbeGate struct {
	pinger  Pinger
	timeout time.Duration
	logger  *zap.Logger
	online  atomic.Bool
	known   atomic.Bool
}

func NewProbeGate(pinger Pinger, timeout time.Duration, logger *zap.Logger) *ProbeGate {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProbeGate{pinger: pinger, timeout: timeout, logger: logger}
}

func (g *ProbeGate) CanReachRemote(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.pinger.Ping(probeCtx)
	online := err == nil

	previous := g.online.Swap(online)
	if !g.known.Swap(true) || previous != online {
		if online {
			g.logger.Info("remote store reachable")
		} else {
			g.logger.Warn("remote store unreachable", zap.Error(err))
		}
	}
	return online
}

// LastKnown returns the result of the most recent probe without probing.
func (g *ProbeGate) LastKnown() bool {
	return g.online.Load()
}

// StaticGate reports a fixed answer that can be flipped at runtime.
type StaticGate struct {
	online atomic.Bool
}

func NewStaticGate(online bool) *StaticGate {
	g := &StaticGate{}
	g.online.Store(online)
	return g
}

func (g *StaticGate) Set(online bool) {
	g.online.Store(online)
}

func (g *StaticGate) CanReachRemote(context.Context) bool {
	return g.online.Load()
}
