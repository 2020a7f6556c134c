// Package mode defines the transcription processing modes and the
// compile-time constants that every mode-dependent component reads from.
package mode

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects every mode-dependent constant in the engine.
type Mode string

// Supported processing modes.
const (
	Balanced    Mode = "balanced"
	BestQuality Mode = "best_quality"
)

// ErrUnknownMode is returned by Lookup for any value outside {balanced, best_quality}.
var ErrUnknownMode = errors.New("unknown processing mode")

// Backoff describes the retry backoff curve for a mode.
type Backoff struct {
	// Base is the delay used for the first retry.
	Base time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Multiplier drives exponential backoff when > 1; a value of 1 means linear.
	Multiplier float64
	// Jitter is the fractional +/- jitter applied to the computed delay.
	Jitter float64
}

// Config is the full mode-dependent constant table (spec §3).
type Config struct {
	Mode             Mode
	ChunkDuration    time.Duration
	OverlapDuration  time.Duration
	MaxConcurrency   int
	MaxRetries       int
	Backoff          Backoff
	SubChunkDuration time.Duration
}

// Safeguards are the job-wide invariants that apply regardless of mode.
type Safeguards struct {
	MaxTotalRetries int
	MaxSplits       int
	MaxJobAge       time.Duration
	CleanupInterval time.Duration
}

// DefaultSafeguards is the frozen job safeguard table (spec §3, §6).
var DefaultSafeguards = Safeguards{
	MaxTotalRetries: 20,
	MaxSplits:       2,
	MaxJobAge:       2 * time.Hour,
	CleanupInterval: 5 * time.Minute,
}

var table = map[Mode]Config{
	Balanced: {
		Mode:            Balanced,
		ChunkDuration:   180 * time.Second,
		OverlapDuration: 0,
		MaxConcurrency:  4,
		MaxRetries:      3,
		Backoff: Backoff{
			Base:       2000 * time.Millisecond,
			Max:        10000 * time.Millisecond,
			Multiplier: 2.5,
			Jitter:     0.30,
		},
		SubChunkDuration: 90 * time.Second,
	},
	BestQuality: {
		Mode:            BestQuality,
		ChunkDuration:   600 * time.Second,
		OverlapDuration: 15 * time.Second,
		MaxConcurrency:  1,
		MaxRetries:      2,
		Backoff: Backoff{
			Base:       5000 * time.Millisecond,
			Max:        10000 * time.Millisecond,
			Multiplier: 1,
			Jitter:     0.20,
		},
		SubChunkDuration: 300 * time.Second,
	},
}

// Lookup returns the constant table for m, or ErrUnknownMode.
func Lookup(m Mode) (Config, error) {
	cfg, ok := table[m]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownMode, m)
	}

	return cfg, nil
}

// IsValid reports whether m is a known mode.
func IsValid(m Mode) bool {
	_, ok := table[m]

	return ok
}
