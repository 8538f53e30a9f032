package points

import (
	"context"
	"sync"
	"time"
)

// KeyedMutex serializes work per user. Each key gets a one-slot channel;
// the entry is dropped once no goroutine holds or waits for it.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[UserID]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[UserID]*keyLock)}
}

// Lock blocks until the key is free, ctx is done or timeout elapses
// (timeout <= 0 waits for ctx only). The returned func releases the lock
// and is safe to call more than once.
func (k *KeyedMutex) Lock(ctx context.Context, key UserID, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	kl, ok := k.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = kl
	}
	kl.refs++
	k.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				k.drop(key, kl)
			})
		}, nil
	case <-ctx.Done():
		k.drop(key, kl)
		return nil, ctx.Err()
	case <-expired:
		k.drop(key, kl)
		return nil, ErrLockTimeout
	}
}

func (k *KeyedMutex) drop(key UserID, kl *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
