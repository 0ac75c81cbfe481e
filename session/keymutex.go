package session

import (
	"hash/fnv"
	"sync"
)

// keyMutex serializes operations per session id with a fixed set of
// striped locks. Operations on the same id are linearized; operations on
// different ids only contend when their stripes collide.
type keyMutex struct {
	stripes []sync.Mutex
}

func newKeyMutex(stripes int) *keyMutex {
	if stripes <= 0 {
		stripes = 64
	}
	return &keyMutex{stripes: make([]sync.Mutex, stripes)}
}

func (m *keyMutex) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	stripe := &m.stripes[h.Sum32()%uint32(len(m.stripes))]
	stripe.Lock()
	return stripe.Unlock
}
