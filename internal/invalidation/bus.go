package invalidation

import (
	"log/slog"
	"sync"
	"time"
)

// Event announces that a model's active version changed, typically on a
// redeploy. Cached predictions tagged with older versions stop being
// servable once the event is applied.
type Event struct {
	Model      string    `json:"model"`
	NewVersion string    `json:"new_version"`
	At         time.Time `json:"at"`
}

// Bus tracks the active version per model and fans deployment events out
// to subscribers. The cache's per-read version check is the staleness
// guarantee; subscribers such as the eager cache sweep are an
// optimization layered on top of it.
type Bus struct {
	mu       sync.RWMutex
	versions map[string]string
	subs     []func(Event)
	logger   *slog.Logger
}

// NewBus seeds the version registry, usually from the models section of
// the limits config.
func NewBus(versions map[string]string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	seeded := make(map[string]string, len(versions))
	for model, version := range versions {
		seeded[model] = version
	}
	return &Bus{versions: seeded, logger: logger}
}

// Current returns the active version for model.
func (b *Bus) Current(model string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.versions[model]
	return v, ok
}

// Versions returns a copy of the registry.
func (b *Bus) Versions() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]string, len(b.versions))
	for model, version := range b.versions {
		out[model] = version
	}
	return out
}

// Subscribe registers fn to run on every applied event. Handlers run
// synchronously on the publishing goroutine, so they should be quick or
// dispatch their own work.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish applies an event and notifies subscribers. Re-announcing the
// version a model already runs is a no-op, so redelivered events are
// harmless. It reports whether the registry changed.
func (b *Bus) Publish(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	previous, known := b.versions[ev.Model]
	if known && previous == ev.NewVersion {
		b.mu.Unlock()
		return false
	}
	b.versions[ev.Model] = ev.NewVersion
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	b.logger.Info("model version changed",
		"model", ev.Model,
		"previous", previous,
		"version", ev.NewVersion,
	)

	for _, fn := range subs {
		fn(ev)
	}
	return true
}
