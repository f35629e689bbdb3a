package quota

import (
	"context"
	"hash/fnv"
	"sync"
)

const defaultLockShards = 32

// KeyedLock is an exclusive lock per key. Entries exist only while someone
// holds or waits for the key, so the directory does not grow with the number
// of tenants ever seen. Different keys never contend beyond the brief shard
// mutex used to find the entry.
type KeyedLock struct {
	shards []lockShard
}

type lockShard struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	// slot holds one token while the key is locked.
	slot chan struct{}
	// refs counts holders plus waiters; guarded by the shard mutex.
	refs int
}

func NewKeyedLock(shards int) *KeyedLock {
	if shards <= 0 {
		shards = defaultLockShards
	}
	l := &KeyedLock{shards: make([]lockShard, shards)}
	for i := range l.shards {
		l.shards[i].m = make(map[string]*lockEntry)
	}
	return l
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the lock and is safe to call more than once.
func (l *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	sh := l.shardFor(key)

	sh.mu.Lock()
	e := sh.m[key]
	if e == nil {
		e = &lockEntry{slot: make(chan struct{}, 1)}
		sh.m[key] = e
	}
	e.refs++
	sh.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(sh, key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			l.release(sh, key, e)
		})
	}, nil
}

// Len reports how many keys are currently held or awaited.
func (l *KeyedLock) Len() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

func (l *KeyedLock) release(sh *lockShard, key string, e *lockEntry) {
	sh.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
}

func (l *KeyedLock) shardFor(key string) *lockShard {
	if len(l.shards) == 1 {
		return &l.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%uint32(len(l.shards))]
}
