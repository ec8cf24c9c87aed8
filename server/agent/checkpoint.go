package agent

import (
	"context"
	"sync"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

// Checkpointer persists the execution state of threads. SaveCheckpoint must
// fail with store.ErrCheckpointConflict when the stored step is no longer
// expectedStep.
type Checkpointer interface {
	GetCheckpoint(ctx context.Context, threadID string) (*store.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, checkpoint *store.Checkpoint, expectedStep int32) error
}

// ThreadLocker is implemented by checkpointers that can serialise turns on
// the same thread. The returned func releases the lock.
type ThreadLocker interface {
	LockThread(ctx context.Context, threadID string) (func(), error)
}

// CheckpointerProvider hands out checkpointers bound to the calling context.
// The returned release func must be called once the turn is over.
type CheckpointerProvider interface {
	Checkpointer(ctx context.Context) (Checkpointer, func(), error)
	Invalidate(ctx context.Context, agentID int32, suffix store.SessionSuffix) error
}

// StoreCheckpointers serves checkpointers over the SQL store. The store's
// connection pool is owned by the caller. Turns on the same thread run one
// at a time within a process; across processes the step check on save
// rejects the slower turn.
type StoreCheckpointers struct {
	store *store.Store
	locks *threadLocks
}

func NewStoreCheckpointers(s *store.Store) *StoreCheckpointers {
	return &StoreCheckpointers{store: s, locks: newThreadLocks()}
}

func (p *StoreCheckpointers) Checkpointer(_ context.Context) (Checkpointer, func(), error) {
	return &storeCheckpointer{Store: p.store, locks: p.locks}, func() {}, nil
}

// Invalidate drops the checkpoint of a conversation.
func (p *StoreCheckpointers) Invalidate(ctx context.Context, agentID int32, suffix store.SessionSuffix) error {
	threadID, err := ResolveThreadID(agentID, suffix.String(), nil, true)
	if err != nil {
		return err
	}
	return p.store.DeleteCheckpoint(ctx, threadID)
}

type storeCheckpointer struct {
	*store.Store
	locks *threadLocks
}

func (c *storeCheckpointer) LockThread(ctx context.Context, threadID string) (func(), error) {
	return c.locks.lock(ctx, threadID)
}

// threadLocks is a set of per-thread mutexes that honour context
// cancellation. Entries are dropped once no turn holds or waits on them.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

func (l *threadLocks) lock(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{sem: make(chan struct{}, 1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(threadID, tl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.sem
			l.drop(threadID, tl)
		})
	}, nil
}

func (l *threadLocks) drop(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, threadID)
	}
}

func (l *threadLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
