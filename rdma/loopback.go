package rdma

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Loopback is an in-process Transport backing each server with a byte
// buffer. It exists for tests and single-machine bring-up; semantics match
// the real fabric: blocking, whole-buffer, all-or-nothing.
type Loopback struct {
	mu      sync.Mutex
	servers map[ServerID][]byte

	failNext error
}

func NewLoopback(spanBytes uint64, servers ...ServerID) *Loopback {
	l := &Loopback{servers: map[ServerID][]byte{}}
	for _, id := range servers {
		l.servers[id] = make([]byte, spanBytes)
	}
	return l
}

// FailNext makes the next operation return err, for exercising the caller's
// fatal path.
func (l *Loopback) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

func (l *Loopback) buffer(server ServerID, addr uint64, length int) ([]byte, error) {
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return nil, err
	}
	backing, ok := l.servers[server]
	if !ok {
		return nil, errors.Newf("unknown memory server %d", server)
	}
	if addr+uint64(length) > uint64(len(backing)) {
		return nil, errors.Newf("access [%d, %d) outside server %d span of %d bytes", addr, addr+uint64(length), server, len(backing))
	}
	return backing[addr : addr+uint64(length)], nil
}

func (l *Loopback) Write(server ServerID, addr uint64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buffer, err := l.buffer(server, addr, len(data))
	if err != nil {
		return err
	}
	copy(buffer, data)
	return nil
}

func (l *Loopback) Read(server ServerID, addr uint64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buffer, err := l.buffer(server, addr, len(data))
	if err != nil {
		return err
	}
	copy(data, buffer)
	return nil
}
