package lib

import (
	"context"
	"time"

	"github.com/iti/rngstream"
)

// Rand is the random source used for jitter, gossip draws and payload values.
type Rand interface {
	// Intn returns a value in [0, n). n must be positive.
	Intn(n int) int
}

type streamRand struct {
	s *rngstream.RngStream
}

// NewRand returns an independent random stream identified by name.
func NewRand(name string) Rand {
	return streamRand{s: rngstream.New(name)}
}

func (r streamRand) Intn(n int) int {
	if n <= 1 {
		return 0
	}
	return r.s.RandInt(0, n-1)
}

// Float64 draws a uniform value in [0, 1) from r.
func Float64(r Rand) float64 {
	if sr, ok := r.(streamRand); ok {
		return sr.s.RandU01()
	}
	return float64(r.Intn(1<<30)) / float64(1<<30)
}

// Between draws a uniform value in [lo, hi). It returns lo when hi <= lo.
func Between(r Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + r.Intn(hi-lo)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the wall-clock Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
