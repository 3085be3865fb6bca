package main

import (
	"net"
	"sync/atomic"
)

// trafficStats counts bytes carried through the SOCKS entry.
type trafficStats struct {
	rx, tx atomic.Uint64
	conns  atomic.Uint64
}

// StatNum answers the control port's stat_num.
func (s *trafficStats) StatNum(name string) float64 {
	switch name {
	case "total_rx_bytes":
		return float64(s.rx.Load())
	case "total_tx_bytes":
		return float64(s.tx.Load())
	case "total_conns":
		return float64(s.conns.Load())
	}
	return 0
}

func (s *trafficStats) wrap(c net.Conn) net.Conn {
	s.conns.Add(1)
	return &countedConn{Conn: c, stats: s}
}

type countedConn struct {
	net.Conn
	stats *trafficStats
}

func (c *countedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.stats.rx.Add(uint64(n))
	return n, err
}

func (c *countedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.stats.tx.Add(uint64(n))
	return n, err
}

// CloseWrite half-closes when the underlying stream supports it.
func (c *countedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
