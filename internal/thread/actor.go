package thread

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// BusyPolicy selects how a second concurrent request for the same continuation id is
// handled while one is in flight.
type BusyPolicy string

const (
	// BusyQueue queues the request behind the in-flight one (default).
	BusyQueue BusyPolicy = "queue"
	// BusyReject fails fast with ErrContinuationBusy.
	BusyReject BusyPolicy = "reject"
)

const defaultActorIdleTimeout = 10 * time.Minute

// Serializer provides per-continuation serialization without blocking unrelated
// continuations.
//
// It intentionally does not cap the number of concurrent continuations. Actors are
// created on demand and are garbage-collected after an idle timeout.
type Serializer struct {
	policy BusyPolicy
	idleTO time.Duration

	mu     sync.Mutex
	actors map[string]*actor // continuation_id -> actor
	closed bool
}

func NewSerializer(policy BusyPolicy) *Serializer {
	if policy != BusyReject {
		policy = BusyQueue
	}
	return &Serializer{
		policy: policy,
		idleTO: defaultActorIdleTimeout,
		actors: make(map[string]*actor),
	}
}

// Do runs fn in the actor owning the continuation id. Calls for the same id execute
// one at a time in submission order (BusyQueue) or fail fast (BusyReject); calls for
// different ids run in parallel.
//
// With BusyReject, ErrContinuationBusy is returned only while another call for the
// same id is in flight, from its submission until its response is delivered.
func (s *Serializer) Do(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if s == nil {
		return errors.New("nil serializer")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing continuation id")
	}
	if fn == nil {
		return errors.New("nil fn")
	}

	cmd := cmdRun{ctx: ctx, fn: fn, resp: make(chan error, 1)}

	// An actor can exit on its idle timer with the command still queued, or between
	// get and the submission. Both close doneCh without running the command, so
	// resubmit on a fresh actor.
	for {
		a := s.get(id)
		if a == nil {
			return errors.New("serializer closed")
		}
		retry, err := s.dispatch(ctx, a, cmd)
		if retry {
			continue
		}
		return err
	}
}

func (s *Serializer) dispatch(ctx context.Context, a *actor, cmd cmdRun) (retry bool, err error) {
	if s.policy == BusyReject {
		if !a.busyMu.TryLock() {
			return false, ErrContinuationBusy
		}
		defer a.busyMu.Unlock()
	}

	select {
	case <-a.stopCh:
		return false, errors.New("serializer closed")
	case <-a.doneCh:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case a.inbox <- cmd:
	}

	select {
	case <-a.stopCh:
		return false, errors.New("serializer closed")
	case <-a.doneCh:
		// The loop answers every command it consumed before exiting, so an empty
		// resp here means the command still sits in a dead inbox and never ran.
		select {
		case err := <-cmd.resp:
			return false, err
		default:
		}
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-cmd.resp:
		return false, err
	}
}

// Forget stops the actor for an evicted or closed continuation id, if one exists.
func (s *Serializer) Forget(id string) {
	if s == nil {
		return
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	a := s.actors[id]
	delete(s.actors, id)
	s.mu.Unlock()
	if a != nil {
		a.stop()
	}
}

func (s *Serializer) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	actors := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		if a != nil {
			actors = append(actors, a)
		}
	}
	s.actors = make(map[string]*actor)
	s.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}

func (s *Serializer) get(id string) *actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if a := s.actors[id]; a != nil && a.alive() {
		return a
	}
	a := newActor(s, id)
	s.actors[id] = a
	go a.loop()
	return a
}

func (s *Serializer) remove(id string, a *actor) {
	if s == nil || a == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.actors[id]; existing == a {
		delete(s.actors, id)
	}
}

type cmdRun struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	resp chan error
}

type actor struct {
	ser *Serializer
	id  string

	inbox  chan cmdRun
	stopCh chan struct{}
	doneCh chan struct{}

	// busyMu admits one BusyReject call at a time; Do fails fast when it is held.
	busyMu sync.Mutex

	once sync.Once
}

func newActor(ser *Serializer, id string) *actor {
	// BusyReject admits one command at a time through busyMu, so a single buffered
	// slot suffices; queue actors absorb bursts.
	size := 128
	if ser.policy == BusyReject {
		size = 1
	}
	return &actor{
		ser:    ser,
		id:     id,
		inbox:  make(chan cmdRun, size),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (a *actor) alive() bool {
	if a == nil {
		return false
	}
	select {
	case <-a.doneCh:
		return false
	default:
		return true
	}
}

func (a *actor) stop() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		close(a.stopCh)
	})
	<-a.doneCh
}

func (a *actor) loop() {
	defer close(a.doneCh)
	defer func() {
		if a.ser != nil {
			a.ser.remove(a.id, a)
		}
	}()

	idleTO := a.ser.idleTO
	idleTimer := time.NewTimer(idleTO)
	defer idleTimer.Stop()

	resetIdle := func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(idleTO)
	}

	for {
		select {
		case <-a.stopCh:
			return
		case <-idleTimer.C:
			// A submission can race the idle timer; the queued command wins.
			select {
			case cmd := <-a.inbox:
				resetIdle()
				a.answer(cmd)
				continue
			default:
			}
			// Stop idle actors to avoid leaking goroutines across many continuations.
			return
		case cmd := <-a.inbox:
			resetIdle()
			a.answer(cmd)
		}
	}
}

func (a *actor) answer(cmd cmdRun) {
	if cmd.ctx.Err() != nil {
		cmd.resp <- cmd.ctx.Err()
		return
	}
	cmd.resp <- cmd.fn(cmd.ctx)
}
