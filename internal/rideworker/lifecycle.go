package rideworker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

type WorkerState int32

const (
	StateInstalling WorkerState = iota
	StateWaiting
	StateActive
)

func (s WorkerState) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	default:
		return "active"
	}
}

// Lifecycle owns installation (pre-warming the static store), activation
// (evicting prior generations) and promotion of a waiting generation.
type Lifecycle struct {
	cfg        Config
	store      *Store
	strategies *Strategies
	log        *zap.Logger

	state atomic.Int32

	// onWaiting fires when this generation installed behind a previous one,
	// so the host can offer an update affordance.
	onWaiting func()
}

func newLifecycle(cfg Config, store *Store, st *Strategies, log *zap.Logger) *Lifecycle {
	return &Lifecycle{cfg: cfg, store: store, strategies: st, log: log}
}

func (l *Lifecycle) State() WorkerState {
	return WorkerState(l.state.Load())
}

// Start runs install, then either activates immediately or parks in the
// waiting state when stores from a previous generation are still present.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.state.Store(int32(StateInstalling))
	if err := l.Install(ctx); err != nil {
		return err
	}
	if l.hasStaleStores() {
		l.state.Store(int32(StateWaiting))
		l.log.Info("new generation installed, waiting for promotion",
			zap.String("static", l.cfg.StaticStore()))
		if l.onWaiting != nil {
			l.onWaiting()
		}
		return nil
	}
	return l.Activate(ctx)
}

// Install opens the current static store and bulk-populates it from the
// configured manifest. Default policy tolerates partial failure: entries that
// fail to fetch are logged and skipped. install.strict restores the
// abort-on-first-failure variant.
func (l *Lifecycle) Install(ctx context.Context) error {
	static := l.cfg.StaticStore()
	if err := l.store.EnsureStore(static); err != nil {
		return fmt.Errorf("install: %w", err)
	}

	var ok, failed int
	for _, p := range l.cfg.Static.Manifest {
		url := p
		if strings.HasPrefix(p, "/") {
			url = l.cfg.Server.Origin + p
		}
		ent, _, err := l.strategies.fetch(ctx, url, nil)
		if err == nil && (ent.Status < 200 || ent.Status >= 300) {
			err = fmt.Errorf("status %d", ent.Status)
		}
		if err != nil {
			if l.cfg.Install.Strict {
				return fmt.Errorf("install: precache %q: %w", p, err)
			}
			failed++
			l.log.Warn("install: precache failed, skipping", zap.String("path", p), zap.Error(err))
			continue
		}
		if err := l.store.Put(static, p, ent); err != nil {
			if l.cfg.Install.Strict {
				return fmt.Errorf("install: store %q: %w", p, err)
			}
			failed++
			l.log.Warn("install: store write failed, skipping", zap.String("path", p), zap.Error(err))
			continue
		}
		ok++
	}
	l.log.Info("install complete",
		zap.String("store", static), zap.Int("precached", ok), zap.Int("failed", failed))
	return nil
}

// Activate deletes every store sharing the worker prefix that is not the
// current static or dynamic generation. Eviction is unconditional.
func (l *Lifecycle) Activate(ctx context.Context) error {
	static, dynamic := l.cfg.StaticStore(), l.cfg.DynamicStore()
	for _, name := range l.store.ListStores(l.cfg.Worker.StorePrefix) {
		if name == static || name == dynamic {
			continue
		}
		if err := l.store.DropStore(name); err != nil {
			return fmt.Errorf("activate: drop %q: %w", name, err)
		}
		l.log.Info("activate: evicted stale store", zap.String("store", name))
	}
	if err := l.store.EnsureStore(dynamic); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	l.state.Store(int32(StateActive))
	l.log.Info("generation active", zap.String("version", l.cfg.Worker.Version))
	return nil
}

// SkipWaiting promotes a waiting generation immediately.
func (l *Lifecycle) SkipWaiting(ctx context.Context) error {
	if l.State() != StateWaiting {
		return nil
	}
	return l.Activate(ctx)
}

func (l *Lifecycle) hasStaleStores() bool {
	static, dynamic := l.cfg.StaticStore(), l.cfg.DynamicStore()
	for _, name := range l.store.ListStores(l.cfg.Worker.StorePrefix) {
		if name != static && name != dynamic {
			return true
		}
	}
	return false
}
