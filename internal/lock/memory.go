package lock

import (
	"context"
	"sync"
)

type memoryEntry struct {
	sem  chan struct{}
	refs int
}

// MemoryLocker 进程内的按键互斥锁
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryLocker 创建进程内锁
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*memoryEntry)}
}

func (l *MemoryLocker) acquireEntry(key string) *memoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &memoryEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *MemoryLocker) releaseEntry(key string, e *memoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock 获取全部键的锁，ctx 取消时放弃并释放已获取的部分
func (l *MemoryLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]string, 0, len(keys))
	entries := make([]*memoryEntry, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-entries[i].sem
			l.releaseEntry(held[i], entries[i])
		}
	}

	for _, key := range keys {
		e := l.acquireEntry(key)
		select {
		case e.sem <- struct{}{}:
			held = append(held, key)
			entries = append(entries, e)
		case <-ctx.Done():
			l.releaseEntry(key, e)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Len 当前被引用的键数量
func (l *MemoryLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
