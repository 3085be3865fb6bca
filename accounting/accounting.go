// Package accounting counts relayed bytes, in total and per autonomous
// system, between periodic uploads.
//
// Adds happen on every relayed chunk from every connection, so they are
// lock-free. Drains happen once per reporting cycle and swap each counter
// to zero, so a byte is reported in exactly one cycle.
package accounting

import (
	"math"
	"sync"
	"sync/atomic"
)

// Counters holds the byte counts for one bridge process.
type Counters struct {
	total atomic.Uint64
	asns  sync.Map // uint32 -> *atomic.Uint64
}

// New returns an empty set of counters.
func New() *Counters {
	return &Counters{}
}

// Add records n bytes relayed for a client in asn.
func (c *Counters) Add(asn uint32, n uint64) {
	saturatingAdd(&c.total, n)
	saturatingAdd(c.asnCounter(asn), n)
}

// AddTotal records n bytes that cannot be attributed to an ASN.
func (c *Counters) AddTotal(n uint64) {
	saturatingAdd(&c.total, n)
}

// DrainTotal returns the total since the last drain and resets it.
func (c *Counters) DrainTotal() uint64 {
	return c.total.Swap(0)
}

// DrainASN returns every non-zero per-ASN count since the last drain and
// resets those counters. Entries stay in the table for reuse.
func (c *Counters) DrainASN() map[uint32]uint64 {
	out := make(map[uint32]uint64)
	c.asns.Range(func(k, v any) bool {
		if n := v.(*atomic.Uint64).Swap(0); n > 0 {
			out[k.(uint32)] = n
		}
		return true
	})
	return out
}

// Total returns the current undrained total without resetting it.
func (c *Counters) Total() uint64 {
	return c.total.Load()
}

func (c *Counters) asnCounter(asn uint32) *atomic.Uint64 {
	if v, ok := c.asns.Load(asn); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := c.asns.LoadOrStore(asn, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func saturatingAdd(v *atomic.Uint64, n uint64) {
	for {
		old := v.Load()
		next := old + n
		if next < old {
			next = math.MaxUint64
		}
		if v.CompareAndSwap(old, next) {
			return
		}
	}
}
