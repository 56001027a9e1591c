package eventloop

import (
	"fmt"
	"io"
	"sync"

	"irdispatchd/internal/wire"
)

// Conns is the live side of every fd the registry knows about: the
// actual *os.File/socket handle backing each record. It implements both
// router.ConnSet and backend.ConnWriter.
//
// Like the registry, it is only ever touched from the event-loop
// goroutine; the mutex exists solely so the optional monitor tap (which
// runs its own goroutine reading a fan-out channel, never this map) can't
// be accused of a data race if it is ever extended to query it directly.
type Conns struct {
	mu    sync.Mutex
	files map[int]io.ReadWriteCloser
}

// NewConns returns an empty connection set.
func NewConns() *Conns {
	return &Conns{files: make(map[int]io.ReadWriteCloser)}
}

// Register associates fd with its backing file/socket handle.
func (c *Conns) Register(fd int, f io.ReadWriteCloser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[fd] = f
}

// Get returns fd's backing handle, if registered.
func (c *Conns) Get(fd int) (io.ReadWriteCloser, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[fd]
	return f, ok
}

// Write retries until p is fully written or the connection proves
// broken (§4.3).
func (c *Conns) Write(fd int, p []byte) error {
	f, ok := c.Get(fd)
	if !ok {
		return fmt.Errorf("eventloop: no connection registered for fd %d", fd)
	}
	return wire.WriteAll(f, p)
}

// Close closes fd's handle and forgets it. Closing an unknown fd is a
// no-op: callers may race a removal against a later close of the same fd.
func (c *Conns) Close(fd int) {
	c.mu.Lock()
	f, ok := c.files[fd]
	if ok {
		delete(c.files, fd)
	}
	c.mu.Unlock()
	if ok {
		_ = f.Close()
	}
}
