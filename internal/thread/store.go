package thread

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrContinuationNotFound = errors.New("continuation not found")
	ErrContinuationBusy     = errors.New("continuation busy")
)

const (
	defaultTTL           = 3 * time.Hour
	defaultMaxThreads    = 1000
	defaultSweepInterval = 1 * time.Minute
)

// Options configures a Store.
type Options struct {
	Logger *slog.Logger

	// TTL evicts threads whose last-active timestamp is older than the duration.
	//
	// When zero, it defaults to 3 hours.
	TTL time.Duration
	// MaxThreads caps the number of live threads; the least-recently-active thread is
	// evicted when the cap is exceeded.
	//
	// When zero, it defaults to 1000.
	MaxThreads int
	// SweepInterval controls how often the background sweeper runs.
	//
	// When zero, it defaults to 1 minute.
	SweepInterval time.Duration

	// Now overrides the clock. Intended for tests only.
	Now func() time.Time

	// Persistence receives write-through copies of thread mutations. Optional; the
	// store works identically without it.
	Persistence Persistence
}

// Persistence is the optional collaborator interface for durable thread storage.
type Persistence interface {
	SaveThread(ctx context.Context, t *Thread) error
	SaveTurn(ctx context.Context, threadID string, index int, turn Turn) error
	DeleteThread(ctx context.Context, threadID string) error
}

// Store owns ConversationThread lifecycle: creation, append, lookup, eviction.
//
// Notes:
// - An evicted or closed id behaves identically to an unknown one.
// - Turn order is monotonic; turns are never reordered or rewritten.
type Store struct {
	log     *slog.Logger
	ttl     time.Duration
	max     int
	sweepTO time.Duration
	now     func() time.Time
	persist Persistence

	mu      sync.Mutex
	threads map[string]*Thread
	onEvict []func(id string)

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	max := opts.MaxThreads
	if max <= 0 {
		max = defaultMaxThreads
	}
	sweepTO := opts.SweepInterval
	if sweepTO <= 0 {
		sweepTO = defaultSweepInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		log:     logger,
		ttl:     ttl,
		max:     max,
		sweepTO: sweepTO,
		now:     now,
		persist: opts.Persistence,
		threads: make(map[string]*Thread),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the background eviction sweeper. Optional; Sweep can also be driven
// manually.
func (s *Store) Start() {
	if s == nil {
		return
	}
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.sweepTO)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				evicted := s.Sweep(s.now())
				if evicted > 0 {
					s.log.Info("thread sweep", "evicted", evicted)
				}
			}
		}
	}()
}

func (s *Store) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

// Create allocates a new thread with a fresh continuation id. It always succeeds
// (absent entropy failure).
func (s *Store) Create(ctx context.Context) (*Thread, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	id, err := NewContinuationID()
	if err != nil {
		return nil, err
	}
	now := s.now()
	t := &Thread{
		ID:         id,
		State:      StateActive,
		CreatedAt:  now,
		LastActive: now,
	}

	s.mu.Lock()
	s.threads[id] = t
	over := len(s.threads) - s.max
	snap := t.Clone()
	s.mu.Unlock()

	if over > 0 {
		s.Sweep(now)
	}
	if s.persist != nil {
		if err := s.persist.SaveThread(ctx, snap); err != nil {
			s.log.Warn("persist thread failed", "continuation_id", id, "err", err)
		}
	}
	return snap, nil
}

// Get returns a snapshot of the thread or ErrContinuationNotFound.
func (s *Store) Get(id string) (*Thread, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrContinuationNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threads[id]
	if t == nil || t.State != StateActive {
		return nil, ErrContinuationNotFound
	}
	return t.Clone(), nil
}

// Append records a turn on a live thread and bumps its last-active timestamp.
// It returns the updated thread snapshot.
func (s *Store) Append(ctx context.Context, id string, turn Turn) (*Thread, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrContinuationNotFound
	}
	if turn.ID == "" {
		tid, err := NewTurnID()
		if err != nil {
			return nil, err
		}
		turn.ID = tid
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}

	s.mu.Lock()
	t := s.threads[id]
	if t == nil || t.State != StateActive {
		s.mu.Unlock()
		return nil, ErrContinuationNotFound
	}
	t.Turns = append(t.Turns, turn)
	t.LastActive = s.now()
	index := len(t.Turns) - 1
	snap := t.Clone()
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveTurn(ctx, id, index, turn); err != nil {
			s.log.Warn("persist turn failed", "continuation_id", id, "turn_index", index, "err", err)
		}
	}
	return snap, nil
}

// SetMetadata sets a thread-level metadata key (e.g. thinking-mode).
func (s *Store) SetMetadata(id string, key string, value string) error {
	if s == nil {
		return errors.New("nil store")
	}
	id = strings.TrimSpace(id)
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing metadata key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threads[id]
	if t == nil || t.State != StateActive {
		return ErrContinuationNotFound
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]string, 1)
	}
	t.Metadata[key] = value
	return nil
}

// Close terminates a thread at the caller's explicit request. Terminal: the id then
// behaves identically to an unknown one.
func (s *Store) Close(ctx context.Context, id string) error {
	if s == nil {
		return errors.New("nil store")
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	t := s.threads[id]
	if t == nil || t.State != StateActive {
		s.mu.Unlock()
		return ErrContinuationNotFound
	}
	t.State = StateClosed
	delete(s.threads, id)
	fns := append([]func(string){}, s.onEvict...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(id)
	}
	if s.persist != nil {
		if err := s.persist.DeleteThread(ctx, id); err != nil {
			s.log.Warn("persist delete failed", "continuation_id", id, "err", err)
		}
	}
	return nil
}

// Len reports the number of live threads.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// Sweep evicts threads whose last-active timestamp exceeds the TTL, then evicts the
// least-recently-active threads while the count exceeds MaxThreads. It returns the
// number of evicted threads.
func (s *Store) Sweep(now time.Time) int {
	if s == nil {
		return 0
	}
	var evicted []string

	s.mu.Lock()
	cutoff := now.Add(-s.ttl)
	for id, t := range s.threads {
		if t.LastActive.Before(cutoff) {
			t.State = StateEvicted
			delete(s.threads, id)
			evicted = append(evicted, id)
		}
	}
	for len(s.threads) > s.max {
		oldestID := ""
		var oldestAt time.Time
		for id, t := range s.threads {
			if oldestID == "" || t.LastActive.Before(oldestAt) {
				oldestID = id
				oldestAt = t.LastActive
			}
		}
		if oldestID == "" {
			break
		}
		s.threads[oldestID].State = StateEvicted
		delete(s.threads, oldestID)
		evicted = append(evicted, oldestID)
	}
	s.mu.Unlock()

	for _, id := range evicted {
		s.notifyEvicted(id)
	}
	return len(evicted)
}

// OnEvict registers a callback invoked with each evicted or closed continuation id.
// Used to keep per-thread side state (dedup ledgers, actors) from outliving threads.
func (s *Store) OnEvict(fn func(id string)) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	s.onEvict = append(s.onEvict, fn)
	s.mu.Unlock()
}

func (s *Store) notifyEvicted(id string) {
	s.mu.Lock()
	fns := append([]func(string){}, s.onEvict...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
	if s.persist != nil {
		if err := s.persist.DeleteThread(context.Background(), id); err != nil {
			s.log.Warn("persist delete failed", "continuation_id", id, "err", err)
		}
	}
}
