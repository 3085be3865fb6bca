// Package asn maps client addresses to autonomous system numbers for
// traffic accounting. The mapping data is supplied by the operator.
package asn

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Resolver looks up the ASN announcing an address. ok is false when the
// address is not covered.
type Resolver interface {
	Lookup(addr netip.Addr) (asn uint32, ok bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(netip.Addr) (uint32, bool)

func (f ResolverFunc) Lookup(addr netip.Addr) (uint32, bool) { return f(addr) }

// Table is an immutable sorted set of address ranges.
type Table struct {
	ranges []ipRange
}

type ipRange struct {
	start, end netip.Addr
	asn        uint32
}

// Lookup finds the range holding addr by binary search.
func (t *Table) Lookup(addr netip.Addr) (uint32, bool) {
	if t == nil || !addr.IsValid() {
		return 0, false
	}
	addr = addr.Unmap()
	// First range starting after addr; the candidate is the one before it.
	i, _ := slices.BinarySearchFunc(t.ranges, addr, func(r ipRange, a netip.Addr) int {
		if r.start.Compare(a) <= 0 {
			return -1
		}
		return 1
	})
	if i == 0 {
		return 0, false
	}
	r := t.ranges[i-1]
	if addr.Compare(r.end) > 0 {
		return 0, false
	}
	return r.asn, true
}

// Len returns the number of ranges in t.
func (t *Table) Len() int { return len(t.ranges) }

// Parse reads a tab-separated table with one range per line:
//
//	range_start  range_end  as_number  [anything else...]
//
// This is the ip2asn TSV layout. Blank lines and lines starting with '#'
// are skipped, as are ranges with AS number 0 (not routed).
func Parse(r io.Reader) (*Table, error) {
	var ranges []ipRange
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: expected at least 3 tab-separated fields", line)
		}
		start, err := netip.ParseAddr(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: range start: %w", line, err)
		}
		end, err := netip.ParseAddr(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: range end: %w", line, err)
		}
		start, end = start.Unmap(), end.Unmap()
		if start.Is4() != end.Is4() || end.Less(start) {
			return nil, fmt.Errorf("line %d: bad range %s-%s", line, start, end)
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(fields[2]), "AS"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: as number: %w", line, err)
		}
		if n == 0 {
			continue
		}
		ranges = append(ranges, ipRange{start: start, end: end, asn: uint32(n)})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read asn table: %w", err)
	}

	slices.SortFunc(ranges, func(a, b ipRange) int { return a.start.Compare(b.start) })
	for i := 1; i < len(ranges); i++ {
		if ranges[i].start.Compare(ranges[i-1].end) <= 0 {
			return nil, fmt.Errorf("overlapping ranges at %s", ranges[i].start)
		}
	}
	return &Table{ranges: ranges}, nil
}

// LoadFile reads a table from path. Files ending in .gz or .zst are
// decompressed first.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open asn table: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch filepath.Ext(path) {
	case ".gz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip asn table: %w", err)
		}
		defer gz.Close()
		r = gz
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open zstd asn table: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return Parse(r)
}
