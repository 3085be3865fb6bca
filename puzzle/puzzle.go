// Package puzzle implements the proof-of-work gate on free account
// registration. The broker hands out a random puzzle string and a
// difficulty; the client must find a nonce such that
// BLAKE3(puzzle || nonce) starts with at least difficulty zero bits.
package puzzle

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

// MaxDifficulty is the largest difficulty Solve and Verify accept.
const MaxDifficulty = 48

// progressInterval is how many attempts a worker makes between progress
// reports and cancellation checks.
const progressInterval = 1 << 14

// New returns a fresh random puzzle string.
func New() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate puzzle: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Verify checks solution against puzzle at difficulty.
func Verify(puzzle string, difficulty uint16, solution string) error {
	if difficulty > MaxDifficulty {
		return fmt.Errorf("difficulty %d exceeds maximum %d", difficulty, MaxDifficulty)
	}
	raw, err := hex.DecodeString(solution)
	if err != nil || len(raw) != 8 {
		return fmt.Errorf("malformed solution")
	}
	nonce := binary.LittleEndian.Uint64(raw)
	if leadingZeros(puzzle, nonce) < int(difficulty) {
		return fmt.Errorf("solution does not meet difficulty %d", difficulty)
	}
	return nil
}

// Solve searches for a solution using every CPU. onProgress, if non-nil, is
// called with a non-decreasing estimate in [0, 1): the probability that a
// solution would have been found by now. It is called with 1 once a solution
// is found. Solve returns ctx.Err() if cancelled first.
func Solve(ctx context.Context, puzzle string, difficulty uint16, onProgress func(float64)) (string, error) {
	if difficulty > MaxDifficulty {
		return "", fmt.Errorf("difficulty %d exceeds maximum %d", difficulty, MaxDifficulty)
	}

	var start [8]byte
	if _, err := rand.Read(start[:]); err != nil {
		return "", fmt.Errorf("random start nonce: %w", err)
	}
	base := binary.LittleEndian.Uint64(start[:])

	workers := uint64(runtime.GOMAXPROCS(0))
	expected := math.Ldexp(1, int(difficulty))

	var (
		attempts atomic.Uint64
		found    atomic.Bool
		solution uint64
		mu       sync.Mutex
		reported float64
	)
	report := func() {
		if onProgress == nil {
			return
		}
		p := 1 - math.Exp(-float64(attempts.Load())/expected)
		mu.Lock()
		defer mu.Unlock()
		// Clamp below 1 so that 1 only ever means "solved".
		p = min(p, math.Nextafter(1, 0))
		if p > reported {
			reported = p
			onProgress(p)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			nonce := base + w
			for {
				for range progressInterval {
					if leadingZeros(puzzle, nonce) >= int(difficulty) {
						if found.CompareAndSwap(false, true) {
							solution = nonce
						}
						return nil
					}
					nonce += workers
				}
				attempts.Add(progressInterval)
				report()
				if found.Load() {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil && !found.Load() {
		return "", err
	}
	if !found.Load() {
		return "", ctx.Err()
	}

	if onProgress != nil {
		mu.Lock()
		onProgress(1)
		mu.Unlock()
	}
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], solution)
	return hex.EncodeToString(out[:]), nil
}

func leadingZeros(puzzle string, nonce uint64) int {
	h := blake3.New()
	h.Write([]byte(puzzle))
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], nonce)
	h.Write(nb[:])
	var sum [32]byte
	h.Sum(sum[:0])

	n := 0
	for _, b := range sum {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}
