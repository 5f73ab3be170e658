// Package scheduler owns the process lifecycle: it builds the venue
// adapter, starts one grid engine per symbol plus the background tasks,
// and tears everything down in order on shutdown.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gridtrader/internal/alert"
	"gridtrader/internal/apperrors"
	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/engine/grid"
	"gridtrader/internal/exchange"
	"gridtrader/internal/logging"
	"gridtrader/internal/web"
	"gridtrader/pkg/retry"
)

// reportChangeThreshold is the relative move in total account value that
// warrants an INFO line from the reporter.
const reportChangeThreshold = 0.01

// Scheduler runs the whole trader.
type Scheduler struct {
	// cfg is swapped by Reload from the signal goroutine while the
	// background loops read it, hence the atomic pointer.
	cfg      atomic.Pointer[config.Config]
	log      logging.Logger
	notifier *alert.Manager

	exchange core.IExchange
	engines  map[string]*grid.Engine

	lastReported decimal.Decimal
}

// New builds the scheduler and its venue adapter. The adapter is connected
// but markets are not loaded yet; that happens in Run.
func New(cfg *config.Config, logger logging.Logger) (*Scheduler, error) {
	ex, err := exchange.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrAdapterInit, err)
	}

	notifier := alert.NewManager(logger, alert.NewWebhookChannel(cfg.NotifyWebhookURL))

	s := &Scheduler{
		log:      logger.WithField("component", "scheduler"),
		notifier: notifier,
		exchange: ex,
		engines:  make(map[string]*grid.Engine),
	}
	s.cfg.Store(cfg)

	for _, sym := range cfg.Symbols {
		eng, err := grid.New(cfg, sym, ex, notifier, logger)
		if err != nil {
			ex.Close()
			return nil, fmt.Errorf("engine %s: %w", sym, err)
		}
		s.engines[sym.String()] = eng
	}
	return s, nil
}

func (s *Scheduler) config() *config.Config {
	return s.cfg.Load()
}

// Engines exposes the engine views for the web task.
func (s *Scheduler) views() map[string]core.EngineView {
	out := make(map[string]core.EngineView, len(s.engines))
	for name, eng := range s.engines {
		out[name] = eng
	}
	return out
}

// Reload re-reads the environment and pushes the new configuration to every
// engine. Validation failures keep the running config.
func (s *Scheduler) Reload() {
	cfg, err := config.Load()
	if err != nil {
		s.log.Warn("reload rejected, keeping previous configuration", "error", err)
		return
	}
	s.cfg.Store(cfg)
	for _, eng := range s.engines {
		eng.Reload(cfg)
	}
	s.log.Info("configuration reloaded", "config", cfg.String())
}

// Run blocks until the context is cancelled or a fatal error occurs. A
// single engine stopping does not bring the process down; the other
// symbols keep trading.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.shutdown()

	if err := s.startup(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	for name, eng := range s.engines {
		name, eng := name, eng
		g.Go(func() error {
			if err := eng.Run(ctx); err != nil {
				s.log.Error("engine exited", "symbol", name, "error", err)
			}
			return nil
		})
	}

	g.Go(func() error { return s.timeSyncLoop(ctx) })
	g.Go(func() error { return s.reportLoop(ctx) })

	if addr := s.config().WebListenAddr; addr != "" {
		srv := web.NewServer(s.views(), s.log)
		g.Go(func() error {
			if err := srv.Run(ctx, addr); err != nil {
				s.log.Error("status server exited", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// startup syncs the clock, loads the market catalogue and initializes every
// engine. Any failure here is fatal; once trading has started the loops
// degrade instead.
func (s *Scheduler) startup(ctx context.Context) error {
	if err := s.exchange.SyncTime(ctx); err != nil {
		return fmt.Errorf("%w: time sync: %v", apperrors.ErrAdapterInit, err)
	}
	s.log.Info("clock synced", "offset", s.exchange.TimeOffset().String())

	err := retry.Do(ctx, retry.MarketData, nil, func() error {
		return s.exchange.LoadMarkets(ctx)
	})
	if err != nil {
		return fmt.Errorf("%w: load markets: %v", apperrors.ErrAdapterInit, err)
	}

	for name, eng := range s.engines {
		if err := eng.Init(ctx); err != nil {
			return fmt.Errorf("engine %s init: %w", name, err)
		}
	}

	s.log.Info("trader started",
		"exchange", s.exchange.Name(), "symbols", len(s.engines))
	return nil
}

// timeSyncLoop refreshes the server-time offset in the background. Failures
// keep the previous offset.
func (s *Scheduler) timeSyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config().Timing.TimeSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.exchange.SyncTime(ctx); err != nil {
				s.log.Warn("time sync failed, keeping previous offset", "error", err)
				continue
			}
			s.log.Debug("clock synced", "offset", s.exchange.TimeOffset().String())
		}
	}
}

// reportLoop periodically values the whole account in the quote asset and
// logs when the value moved noticeably.
func (s *Scheduler) reportLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config().Timing.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			quote := s.config().QuoteAsset
			total, err := s.exchange.TotalAccountValue(ctx, quote)
			if err != nil {
				s.log.Warn("account value unavailable", "error", err)
				continue
			}
			if s.significantMove(total) {
				s.log.Info("total account value",
					"value", total.StringFixed(2), "quote", quote)
				s.lastReported = total
			}
		}
	}
}

func (s *Scheduler) significantMove(total decimal.Decimal) bool {
	if s.lastReported.IsZero() {
		return true
	}
	diff := total.Sub(s.lastReported).Abs()
	threshold := s.lastReported.Abs().Mul(decimal.NewFromFloat(reportChangeThreshold))
	return diff.GreaterThan(threshold)
}

// shutdown closes the notifier and the adapter after every loop has
// returned. The adapter goes last so final persists and alerts still work.
func (s *Scheduler) shutdown() {
	s.notifier.Close()
	if err := s.exchange.Close(); err != nil {
		s.log.Warn("adapter close failed", "error", err)
	}
	s.log.Info("trader stopped")
}
