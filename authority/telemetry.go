package authority

import (
	"context"
	"math"

	"github.com/cvsouth/bridgeline/broker"
	"github.com/cvsouth/bridgeline/descriptor"
)

// IncrStat adds delta to a counter. Retries may count twice.
func (a *Authority) IncrStat(_ context.Context, name string, delta int32) error {
	if name == "" {
		return broker.GenericError("empty stat name")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.counters[name]
	switch {
	case delta > 0 && v > math.MaxInt64-int64(delta):
		v = math.MaxInt64
	case delta < 0 && v < math.MinInt64-int64(delta):
		v = math.MinInt64
	default:
		v += int64(delta)
	}
	a.counters[name] = v
	return nil
}

// SetStat sets a gauge; the last write wins.
func (a *Authority) SetStat(_ context.Context, name string, value float64) error {
	if name == "" {
		return broker.GenericError("empty stat name")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gauges[name] = value
	return nil
}

// UploadAvailable tallies one reachability check.
func (a *Authority) UploadAvailable(_ context.Context, data descriptor.AvailabilityData) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := data.Listen + "|" + data.Country + "|" + data.ASN
	r := a.reachable[key]
	if data.Success {
		r.successes++
	} else {
		r.failures++
	}
	a.reachable[key] = r
	return nil
}

// Counter returns the current value of a counter.
func (a *Authority) Counter(name string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[name]
}

// Gauge returns the current value of a gauge.
func (a *Authority) Gauge(name string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.gauges[name]
	return v, ok
}

// Availability returns the success and failure tallies for one listener as
// seen from one country and ASN.
func (a *Authority) Availability(listen, country, asn string) (successes, failures uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.reachable[listen+"|"+country+"|"+asn]
	return r.successes, r.failures
}
