// Package node assembles the TEMPOS processes: a MOM (two brokers plus the
// admin and metrics servers) and an invoker (executor, module lifecycle,
// monitor and sinks). Each exposes New, Start and Stop.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MMw-Unibo/tempos4nfv/metrics"
)

// shutdownTimeout bounds graceful shutdown of HTTP servers.
const shutdownTimeout = 2 * time.Second

// runGroup runs the goroutines of one process and collects the first error.
type runGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errOnce sync.Once
	errCh   chan error
}

func newRunGroup() *runGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &runGroup{ctx: ctx, cancel: cancel, errCh: make(chan error, 1)}
}

// goRun starts fn. A non-nil error is reported on Err and stops the group.
func (g *runGroup) goRun(name string, log *zap.Logger, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(g.ctx); err != nil {
			log.Error("component failed", zap.String("component", name), zap.Error(err))
			g.errOnce.Do(func() { g.errCh <- fmt.Errorf("%s: %w", name, err) })
			g.cancel()
		}
	}()
}

// stop cancels the group and waits for every goroutine.
func (g *runGroup) stop() {
	g.cancel()
	g.wg.Wait()
}

// startMetrics starts a metrics server on addr, or returns nils when addr is empty.
func startMetrics(addr string, log *zap.Logger) (*metrics.Registry, *metrics.Server, error) {
	if addr == "" {
		return nil, nil, nil
	}
	reg := metrics.NewRegistry()
	srv := metrics.NewServer(addr, reg, log)
	if err := srv.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return reg, srv, nil
}

func stopMetrics(srv *metrics.Server, log *zap.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Warn("error stopping metrics server", zap.Error(err))
	}
}
