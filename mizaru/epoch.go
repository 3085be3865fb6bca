package mizaru

import "time"

// EpochLength is how long one signing subkey is in use.
const EpochLength = 24 * time.Hour

// Epoch computes the epoch number for t: whole days since the Unix epoch.
func Epoch(t time.Time) uint16 {
	return uint16(t.Unix() / int64(EpochLength/time.Second))
}

// EpochStart returns the first instant of epoch e.
func EpochStart(e uint16) time.Time {
	return time.Unix(int64(e)*int64(EpochLength/time.Second), 0).UTC()
}
