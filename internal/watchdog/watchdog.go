// Package watchdog closes stale charger connections and force-closes
// transactions that stopped reporting.
package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/model"
)

// Disconnector drops the connection of a silent charger. Implemented by the
// websocket transport.
type Disconnector interface {
	Disconnect(chargerID string)
}

// Waker pokes the allocator after a forced change. Implemented by
// allocator.Loop.
type Waker interface {
	Wake()
}

// Config carries the watchdog intervals.
type Config struct {
	Interval time.Duration // check period
	Stale    time.Duration // silence before a connection is dropped
	Timeout  time.Duration // silence before a session is force-closed
}

// Watchdog periodically sweeps the registry for silent chargers and expired
// transactions.
type Watchdog struct {
	cfg    Config
	reg    *model.Registry
	conns  Disconnector
	waker  Waker
	closed func(*model.Session)
	log    zerolog.Logger
}

// New builds a watchdog. closed receives force-closed sessions for history
// and event publishing; it may be nil.
func New(cfg Config, reg *model.Registry, conns Disconnector, waker Waker, closed func(*model.Session), log *logger.Logger) *Watchdog {
	return &Watchdog{
		cfg:    cfg,
		reg:    reg,
		conns:  conns,
		waker:  waker,
		closed: closed,
		log:    log.Named("watchdog"),
	}
}

// Run sweeps until the context is canceled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.log.Info().
		Dur("interval", w.cfg.Interval).
		Dur("stale", w.cfg.Stale).
		Dur("timeout", w.cfg.Timeout).
		Msg("Watchdog started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(time.Now())
		}
	}
}

func (w *Watchdog) sweep(now time.Time) {
	// Connections that went quiet: close them so the charger reconnects
	// and re-runs the boot sequence.
	for _, id := range w.reg.StaleChargers(now, w.cfg.Stale) {
		w.log.Warn().Str("charger_id", id).Msg("Charger silent too long, dropping connection")
		w.conns.Disconnect(id)
	}

	// Sessions whose charger has been gone beyond the transaction timeout
	// are closed on the charger's behalf.
	expired := w.reg.ExpiredTransactions(now, w.cfg.Timeout)
	for _, txID := range expired {
		s, err := w.reg.StopTransaction(txID, -1, "", "stale", now)
		if err != nil {
			w.log.Error().Err(err).Int("transaction_id", txID).Msg("Failed to close stale transaction")
			continue
		}
		w.log.Warn().
			Int("transaction_id", txID).
			Str("charger_id", s.ChargerID).
			Str("session_id", s.ID).
			Msg("Transaction closed as stale")
		if w.closed != nil {
			w.closed(s)
		}
	}
	if len(expired) > 0 && w.waker != nil {
		w.waker.Wake()
	}
}
