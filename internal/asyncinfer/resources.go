package asyncinfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// CleanupPolicy controls what happens to intermediate async objects (tile
// inputs, result payloads) once a tile reaches a terminal state.
type CleanupPolicy string

const (
	// CleanupImmediate deletes objects as soon as they are released.
	CleanupImmediate CleanupPolicy = "IMMEDIATE"
	// CleanupDelayed batches deletions into a background sweep.
	CleanupDelayed CleanupPolicy = "DELAYED"
	// CleanupDisabled leaves objects in place, relying on bucket lifecycle
	// rules.
	CleanupDisabled CleanupPolicy = "DISABLED"
)

// DefaultSweepInterval is how often the delayed sweeper runs.
const DefaultSweepInterval = 30 * time.Second

// ParseCleanupPolicy maps a configuration string onto a policy.
func ParseCleanupPolicy(s string) (CleanupPolicy, error) {
	switch p := CleanupPolicy(strings.ToUpper(s)); p {
	case CleanupImmediate, CleanupDelayed, CleanupDisabled:
		return p, nil
	case "":
		return CleanupImmediate, nil
	default:
		return "", fmt.Errorf("unknown cleanup policy %q", s)
	}
}

// maxCleanupAttempts bounds how often a failing deletion is retried before
// the object is abandoned to bucket lifecycle rules.
const maxCleanupAttempts = 3

type pendingObject struct {
	uri      string
	attempts int
}

// ResourceManager deletes intermediate objects according to the configured
// policy. All methods are safe for concurrent use.
type ResourceManager struct {
	objects *ObjectStore
	policy  CleanupPolicy
	log     *slog.Logger

	mu      sync.Mutex
	pending []pendingObject
}

// NewResourceManager builds a manager with the given policy. An empty policy
// means CleanupImmediate.
func NewResourceManager(objects *ObjectStore, policy CleanupPolicy, log *slog.Logger) *ResourceManager {
	if policy == "" {
		policy = CleanupImmediate
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResourceManager{objects: objects, policy: policy, log: log}
}

// Release hands the URIs over for cleanup. Under CleanupImmediate they are
// deleted inline; deletion failures fall back to the delayed queue.
func (m *ResourceManager) Release(ctx context.Context, uris ...string) {
	switch m.policy {
	case CleanupDisabled:
		return
	case CleanupImmediate:
		for _, uri := range uris {
			if err := m.objects.Delete(ctx, uri); err != nil {
				m.log.Warn("immediate cleanup failed, deferring",
					"uri", uri, "error", err)
				m.enqueue(pendingObject{uri: uri, attempts: 1})
			}
		}
	case CleanupDelayed:
		for _, uri := range uris {
			m.enqueue(pendingObject{uri: uri})
		}
	}
}

// Run sweeps the delayed queue until ctx is cancelled, then drains whatever
// is left so shutdown does not leak objects.
func (m *ResourceManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Drain(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Drain synchronously deletes everything still queued. Objects that keep
// failing are logged and abandoned.
func (m *ResourceManager) Drain(ctx context.Context) {
	for range maxCleanupAttempts {
		if m.sweep(ctx) == 0 {
			return
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pending {
		m.log.Error("abandoning intermediate object", "uri", p.uri)
	}
	m.pending = nil
}

// Pending reports how many deletions are queued.
func (m *ResourceManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// sweep attempts every queued deletion once and returns how many remain.
func (m *ResourceManager) sweep(ctx context.Context) int {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	var remaining int
	for _, p := range batch {
		if err := m.objects.Delete(ctx, p.uri); err != nil {
			p.attempts++
			if p.attempts >= maxCleanupAttempts {
				m.log.Error("abandoning intermediate object",
					"uri", p.uri, "attempts", p.attempts, "error", err)
				continue
			}
			m.enqueue(p)
			remaining++
		}
	}
	return remaining
}

func (m *ResourceManager) enqueue(p pendingObject) {
	m.mu.Lock()
	m.pending = append(m.pending, p)
	m.mu.Unlock()
}
