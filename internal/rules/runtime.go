package rules

import (
	"log/slog"
	"sync"
	"time"

	"github.com/homehub/msghub/internal/platform"
)

// TickInterval is the shared, throttled clock spec.md §4.10 calls every
// rule's OnTick with.
const TickInterval = 10 * time.Second

// Manager owns a set of rule Instances, subscribes each to its declared
// state ids against a platform.Platform, and drives a single shared
// ticker for OnTick the way internal/store drives its own maintenance
// timers off one owned goroutine rather than one timer per concern.
type Manager struct {
	logger *slog.Logger
	subs   platform.Subscriptions

	mu        sync.Mutex
	instances []Instance
	unsubs    []func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a Manager. Register every Instance before calling
// Start.
func NewManager(subs platform.Subscriptions, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{subs: subs, logger: logger}
}

// Register subscribes inst to each of its RequiredStateIds. Must be
// called before Start.
func (m *Manager) Register(inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range inst.RequiredStateIds() {
		unsub, err := m.subs.SubscribeForeignStates(id, inst.OnStateChange)
		if err != nil {
			return err
		}
		m.unsubs = append(m.unsubs, unsub)
	}
	m.instances = append(m.instances, inst)
	return nil
}

// Start begins the shared tick loop. Safe to call once.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.run()
}

// Stop halts the tick loop, unsubscribes every state subscription, and
// disposes every registered instance.
func (m *Manager) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
		m.wg.Wait()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, unsub := range m.unsubs {
		unsub()
	}
	for _, inst := range m.instances {
		inst.Dispose()
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

func (m *Manager) tick(now time.Time) {
	m.mu.Lock()
	instances := append([]Instance(nil), m.instances...)
	m.mu.Unlock()

	for _, inst := range instances {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("rules: instance panicked on tick", "panic", r)
				}
			}()
			inst.OnTick(now)
		}()
	}
}
