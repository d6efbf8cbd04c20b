package generator

import (
	"math/rand/v2"
	"sync"
)

// keyedMutex hands out one mutex per chat.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (k *keyedMutex) lock(chatID int64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[int64]*sync.Mutex)
	}
	m, ok := k.locks[chatID]
	if !ok {
		m = &sync.Mutex{}
		k.locks[chatID] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// lockedRand serialises access to a *rand.Rand, which is not safe for
// concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}
