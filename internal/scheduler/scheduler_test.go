package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/apperrors"
	"gridtrader/internal/config"
	"gridtrader/internal/logging"
)

func loadTestConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	t.Setenv("EXCHANGE", "mock")
	t.Setenv("SYMBOLS", "BNB/USDT")
	t.Setenv("STATE_DIR", t.TempDir())
	t.Setenv("WEB_LISTEN_ADDR", "127.0.0.1:0")
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNewBuildsOneEnginePerSymbol(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"SYMBOLS": "BNB/USDT,ETH/USDT"})

	s, err := New(cfg, logging.NewNop())
	require.NoError(t, err)
	defer s.exchange.Close()

	assert.Len(t, s.engines, 2)
	assert.Contains(t, s.engines, "BNB/USDT")
	assert.Contains(t, s.engines, "ETH/USDT")
	assert.Len(t, s.views(), 2)
}

func TestNewRejectsUnknownVenue(t *testing.T) {
	cfg := loadTestConfig(t, nil)
	cfg.Exchange = "nope"

	_, err := New(cfg, logging.NewNop())
	assert.ErrorIs(t, err, apperrors.ErrAdapterInit)
}

func TestRunStartsAndStopsCleanly(t *testing.T) {
	cfg := loadTestConfig(t, nil)

	s, err := New(cfg, logging.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
}

func TestReloadKeepsConfigOnValidationFailure(t *testing.T) {
	cfg := loadTestConfig(t, nil)

	s, err := New(cfg, logging.NewNop())
	require.NoError(t, err)
	defer s.exchange.Close()

	t.Setenv("SYMBOLS", "")
	s.Reload()
	require.Len(t, s.config().Symbols, 1, "running config must survive a bad reload")

	t.Setenv("SYMBOLS", "BNB/USDT")
	t.Setenv("INITIAL_GRID", "3.0")
	s.Reload()
	assert.Equal(t, 3.0, s.config().InitialGrid)
}

func TestReloadIsSafeDuringConcurrentReads(t *testing.T) {
	cfg := loadTestConfig(t, nil)

	s, err := New(cfg, logging.NewNop())
	require.NoError(t, err)
	defer s.exchange.Close()

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = s.config().QuoteAsset
					_ = s.config().Timing.ReportInterval
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		s.Reload()
	}
	close(done)
	wg.Wait()

	assert.Equal(t, "USDT", s.config().QuoteAsset)
}

func TestSignificantMove(t *testing.T) {
	s := &Scheduler{}

	// First observation always reports.
	assert.True(t, s.significantMove(decimal.NewFromInt(1000)))

	s.lastReported = decimal.NewFromInt(1000)
	assert.False(t, s.significantMove(decimal.NewFromInt(1005)))
	assert.True(t, s.significantMove(decimal.NewFromInt(1011)))
	assert.True(t, s.significantMove(decimal.NewFromInt(989)))
}
