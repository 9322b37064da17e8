package turnlock

import (
	"context"
	"strconv"
	"sync"
)

// Release gives up a held lock. Calling it more than once is a no-op.
type Release func()

type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

func ConversationKey(conversationID int64) string {
	return "conversation:" + strconv.FormatInt(conversationID, 10)
}

// Local serializes holders of the same key within one process. Entries are
// reference counted and dropped once nobody holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{entries: map[string]*localEntry{}}
}

func (l *Local) Acquire(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = map[string]*localEntry{}
	}
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.dropRef(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.dropRef(key, entry)
		})
	}, nil
}

func (l *Local) dropRef(key string, entry *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
