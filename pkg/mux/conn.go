package mux

import (
	"net"
	"sync"
	"time"
)

// Conn is an accepted connection tracked by a Mux.
type Conn struct {
	id       uint64
	nc       net.Conn
	remote   string
	accepted time.Time

	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// ID returns the connection's identifier, unique within its Mux.
func (c *Conn) ID() uint64 {
	return c.id
}

// RemoteAddr returns the peer address as a string.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// AcceptedAt returns the time the connection was accepted.
func (c *Conn) AcceptedAt() time.Time {
	return c.accepted
}

// Write writes p to the peer, bounded by the mux write timeout.
func (c *Conn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.nc.Write(p)
}

func (c *Conn) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}
