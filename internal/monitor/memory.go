package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/blueapplecc-ppp/tts-vocl/internal/task"
)

// MemoryMonitor is the in-process Monitor backend, used when the shared
// store is unreachable. Grounded on
// original_source/app/infrastructure/monitoring.py's threading.RLock-
// guarded TaskMonitor, translated to Go's sync.Mutex idiom.
type MemoryMonitor struct {
	mu sync.Mutex

	tasks       map[string]*task.Task
	idempotency map[string]string // content_hash -> text_id
	followers   map[string][]string
	listeners   map[string][]chan task.Event

	retention time.Duration
	stopSweep chan struct{}
}

// NewMemory builds a MemoryMonitor. retention bounds how long a terminal
// task is kept in the hot map before a background sweep evicts it,
// addressing the unbounded-growth REDESIGN FLAG in spec §9.
func NewMemory(retention time.Duration) *MemoryMonitor {
	m := &MemoryMonitor{
		tasks:       make(map[string]*task.Task),
		idempotency: make(map[string]string),
		followers:   make(map[string][]string),
		listeners:   make(map[string][]chan task.Event),
		retention:   retention,
		stopSweep:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Close stops the background retention sweep.
func (m *MemoryMonitor) Close() {
	close(m.stopSweep)
}

func (m *MemoryMonitor) sweepLoop() {
	ticker := time.NewTicker(m.retention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *MemoryMonitor) evictExpired() {
	cutoff := time.Now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && t.EndedAt.Before(cutoff) {
			delete(m.tasks, id)
			delete(m.idempotency, t.ContentHash)
			delete(m.followers, id)
		}
	}
}

func (m *MemoryMonitor) StartTask(ctx context.Context, textID, contentHash string) (task.StartResult, *task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// At most one task may be in PROCESSING for textID at a time. This
	// also covers textID retrying itself: a non-terminal self-task is
	// ALREADY_RUNNING, not a fresh restart; only a terminal self-task
	// may be restarted below.
	if self, ok := m.tasks[textID]; ok && !self.Status.IsTerminal() {
		clone := *self
		return task.StartAlreadyRunning, &clone, nil
	}

	if existingID, ok := m.idempotency[contentHash]; ok && existingID != textID {
		if existing, ok := m.tasks[existingID]; ok {
			if !existing.Status.IsTerminal() || time.Since(existing.StartedAt) < startedSince {
				clone := *existing
				return task.StartDuplicateContent, &clone, nil
			}
		}
	}

	t := &task.Task{
		TextID:      textID,
		ContentHash: contentHash,
		Status:      task.StatusProcessing,
		StartedAt:   time.Now(),
	}
	m.tasks[textID] = t
	m.idempotency[contentHash] = textID

	return task.StartAccepted, t, nil
}

func (m *MemoryMonitor) Link(ctx context.Context, textID, leaderTextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.followers[leaderTextID] = append(m.followers[leaderTextID], textID)
	m.tasks[textID] = &task.Task{TextID: textID, FollowerOf: leaderTextID, Status: task.StatusProcessing, StartedAt: time.Now()}
	return nil
}

func (m *MemoryMonitor) UpdateProgress(ctx context.Context, textID string, segmentsCompleted, segmentCount int) error {
	m.mu.Lock()
	t, ok := m.tasks[textID]
	if ok {
		t.SegmentsCompleted = segmentsCompleted
		t.SegmentCount = segmentCount
	}
	m.mu.Unlock()

	progress := segmentsCompleted
	return m.Publish(ctx, textID, task.Event{Type: "progress", TextID: textID, Status: task.StatusProcessing, Progress: &progress})
}

func (m *MemoryMonitor) CompleteTask(ctx context.Context, textID, audioKey, audioFilename string) (bool, error) {
	m.mu.Lock()
	t, ok := m.tasks[textID]
	if !ok || t.Status.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}
	t.Status = task.StatusCompleted
	t.AudioKey = audioKey
	t.AudioFilename = audioFilename
	t.EndedAt = time.Now()
	m.mu.Unlock()

	err := m.Publish(ctx, textID, task.Event{Type: "status", TextID: textID, Status: task.StatusCompleted, AudioURL: audioKey})
	return true, err
}

func (m *MemoryMonitor) FailTask(ctx context.Context, textID, errorKind, errorMessage string) (bool, error) {
	m.mu.Lock()
	t, ok := m.tasks[textID]
	if !ok || t.Status.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}
	t.Status = task.StatusFailed
	t.ErrorKind = errorKind
	t.ErrorMessage = errorMessage
	t.EndedAt = time.Now()
	m.mu.Unlock()

	err := m.Publish(ctx, textID, task.Event{Type: "status", TextID: textID, Status: task.StatusFailed, Error: errorMessage})
	return true, err
}

func (m *MemoryMonitor) TimeoutTask(ctx context.Context, textID string) (bool, error) {
	m.mu.Lock()
	t, ok := m.tasks[textID]
	if !ok || t.Status.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}
	t.Status = task.StatusTimeout
	t.EndedAt = time.Now()
	m.mu.Unlock()

	err := m.Publish(ctx, textID, task.Event{Type: "status", TextID: textID, Status: task.StatusTimeout})
	return true, err
}

func (m *MemoryMonitor) GetTask(ctx context.Context, textID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[textID]
	if !ok {
		return nil, nil
	}
	clone := *t
	return &clone, nil
}

// GetStats reports Active/Queued from the hot map only. Completed,
// Failed, Timeout and the duration percentiles are answered from the
// durable persistence layer instead, since this map's counters reset on
// restart (see internal/httpapi's Stats handler).
func (m *MemoryMonitor) GetStats(ctx context.Context) (task.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s task.Stats
	for _, t := range m.tasks {
		switch t.Status {
		case task.StatusProcessing:
			s.Active++
		case task.StatusQueued:
			s.Queued++
		}
	}
	return s, nil
}

func (m *MemoryMonitor) ActiveTasks(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, t := range m.tasks {
		if !t.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryMonitor) Subscribe(ctx context.Context, textID string) (<-chan task.Event, func()) {
	ch := make(chan task.Event, 8)

	m.mu.Lock()
	m.listeners[textID] = append(m.listeners[textID], ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		listeners := m.listeners[textID]
		for i, l := range listeners {
			if l == ch {
				m.listeners[textID] = append(listeners[:i], listeners[i+1:]...)
				break
			}
		}
		close(ch)
	}

	return ch, cancel
}

// Publish fans ev out to textID's own listeners and to every follower
// linked to it, matching the original's _broadcast_to_followers
// behaviour.
func (m *MemoryMonitor) Publish(ctx context.Context, textID string, ev task.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.listeners[textID] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, follower := range m.followers[textID] {
		for _, ch := range m.listeners[follower] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return nil
}
