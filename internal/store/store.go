// Package store implements the Store (spec.md §4.7), the single
// authoritative owner of every Message. All mutation is serialized
// through one goroutine — the "store scheduler" of spec.md §5 — built
// the same way as the teacher's scheduler.Scheduler: an owned goroutine,
// a stopCh, and a sync.WaitGroup for graceful shutdown, here draining a
// channel of closures instead of firing per-task timers.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/homehub/msghub/internal/archive"
	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/msg"
	"github.com/homehub/msghub/internal/persist"
	"github.com/homehub/msghub/internal/policy"
	"github.com/homehub/msghub/internal/render"
)

// Notifier forwards a batch of messages for a named event to every
// registered notify consumer. internal/notifyhost.Host implements this.
type Notifier interface {
	Dispatch(event string, messages []*msg.Message)
}

// Config bundles every maintenance interval and retention tunable.
// Zero-valued fields are replaced with sensible defaults by New.
type Config struct {
	// SnapshotPath must be the same path the supplied *persist.Store was
	// constructed with; Store reads it once at Start to rehydrate.
	SnapshotPath string

	PruneInterval        time.Duration
	DeleteClosedInterval time.Duration
	HardDeleteInterval   time.Duration
	NotifyInterval       time.Duration

	ClosedGrace     time.Duration // how long a closed message lingers before soft-delete
	RetentionWindow time.Duration // how long a quasi-deleted message lingers before hard-delete
	StartupGrace    time.Duration // no hard deletes until this long after Start

	HardDeleteBatchSize int

	QuietHours policy.QuietHours
}

func (c Config) withDefaults() Config {
	if c.PruneInterval == 0 {
		c.PruneInterval = 30 * time.Second
	}
	if c.DeleteClosedInterval == 0 {
		c.DeleteClosedInterval = 10 * time.Second
	}
	if c.HardDeleteInterval == 0 {
		c.HardDeleteInterval = 4 * time.Hour
	}
	if c.NotifyInterval == 0 {
		c.NotifyInterval = 10 * time.Second
	}
	if c.ClosedGrace == 0 {
		c.ClosedGrace = 30 * time.Second
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = 30 * 24 * time.Hour
	}
	if c.StartupGrace == 0 {
		c.StartupGrace = 60 * time.Second
	}
	if c.HardDeleteBatchSize == 0 {
		c.HardDeleteBatchSize = 50
	}
	return c
}

// Store is the authoritative, in-memory message list plus its
// maintenance routines and persistence/archival side effects.
type Store struct {
	cfg     Config
	factory *factory.Factory
	persist *persist.Store
	archive *archive.Archive
	policy  *policy.Policy
	notify  Notifier
	logger  *slog.Logger
	nowFunc func() time.Time

	messages map[string]*msg.Message

	taskCh    chan storeTask
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startedAt time.Time
}

type storeTask struct {
	fn   func()
	done chan struct{}
}

// New constructs a Store. It does not start maintenance timers or load
// any persisted snapshot; call Start for that.
func New(cfg Config, f *factory.Factory, p *persist.Store, a *archive.Archive, pol *policy.Policy, notify Notifier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:      cfg.withDefaults(),
		factory:  f,
		persist:  p,
		archive:  a,
		policy:   pol,
		notify:   notify,
		logger:   logger,
		nowFunc:  time.Now,
		messages: make(map[string]*msg.Message),
		taskCh:   make(chan storeTask),
		stopCh:   make(chan struct{}),
	}
}

// Start loads the persisted snapshot (if any), launches the scheduler
// goroutine, and starts the maintenance tickers.
func (s *Store) Start() error {
	var snapshot []msg.Message
	if err := persist.ReadJSON(s.cfg.SnapshotPath, &snapshot); err != nil && err != persist.ErrNotExist {
		return fmt.Errorf("store: load snapshot: %w", err)
	}
	for i := range snapshot {
		m := snapshot[i]
		s.messages[m.Ref] = &m
	}

	s.startedAt = s.now()
	s.wg.Add(1)
	go s.run()

	s.wg.Add(4)
	go s.runTicker(s.cfg.PruneInterval, s.pruneOldMessages)
	go s.runTicker(s.cfg.DeleteClosedInterval, s.deleteClosedMessages)
	go s.runTicker(s.cfg.HardDeleteInterval, s.hardDeleteMessages)
	go s.runTicker(s.cfg.NotifyInterval, s.initiateNotifications)

	return nil
}

// Stop drains the scheduler and flushes persistence/archive.
func (s *Store) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	if s.persist != nil {
		s.persist.Close()
	}
	if s.archive != nil {
		s.archive.Close()
	}
}

func (s *Store) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

func (s *Store) run() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.taskCh:
			t.fn()
			close(t.done)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) runTicker(interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// exec runs fn on the store scheduler goroutine and blocks until done,
// serializing every mutation/read against the in-memory map.
func (s *Store) exec(fn func()) {
	done := make(chan struct{})
	select {
	case s.taskCh <- storeTask{fn: fn, done: done}:
		<-done
	case <-s.stopCh:
	}
}

func (s *Store) persistSnapshot() {
	if s.persist == nil {
		return
	}
	snapshot := make([]msg.Message, 0, len(s.messages))
	refs := make([]string, 0, len(s.messages))
	for ref := range s.messages {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		snapshot = append(snapshot, *s.messages[ref])
	}
	if err := s.persist.WriteValue(snapshot); err != nil {
		s.logger.Warn("store: failed to marshal snapshot", "error", err)
	}
}

func (s *Store) dispatch(event string, msgs []*msg.Message) {
	if s.notify == nil || len(msgs) == 0 {
		return
	}
	clones := make([]*msg.Message, len(msgs))
	for i, m := range msgs {
		clones[i] = m.Clone()
	}
	s.notify.Dispatch(event, clones)
}

// ActionsFor satisfies internal/action.Store: it returns a defensive copy
// of a message's actions and its current lifecycle state.
func (s *Store) ActionsFor(ref string) (actions map[string]msg.Action, state msg.State, found bool) {
	s.exec(func() {
		m, ok := s.messages[ref]
		if !ok {
			return
		}
		found = true
		state = m.Lifecycle.State
		if len(m.Actions) > 0 {
			actions = make(map[string]msg.Action, len(m.Actions))
			for id, a := range m.Actions {
				actions[id] = a
			}
		}
	})
	return actions, state, found
}

// View is the default render options used for GetMessageByRef/GetMessages/
// QueryMessages. Plugin hosts that need HTML or a non-default locale call
// render.Render directly on a *msg.Message they already hold.
var defaultRenderOpts = render.Options{}
