package discovery

import (
	"context"
	"errors"
	"time"

	"fundingflow/logger"
)

// ErrDiscoveryExhausted reports that the probe budget ran out before
// the search interval shrank to one probe window.
var ErrDiscoveryExhausted = errors.New("discovery: probe budget exhausted")

// ErrNoHistory reports that the pair shows no funding history even in
// the most recent probe window, so there is no listing date to find.
var ErrNoHistory = errors.New("discovery: no recent funding history")

// ProbeFunc reports whether any funding event exists in [start, end).
// A probe that errors is treated as an empty window; probes are cheap
// and the search self-corrects on the next run.
type ProbeFunc func(ctx context.Context, start, end time.Time) (bool, error)

// Finder locates the earliest day with funding history for a pair by
// binary search over [floor, now). Funding history is contiguous from
// listing onward, so an empty probe window implies the listing lies
// after it.
type Finder struct {
	probe     ProbeFunc
	window    time.Duration
	maxProbes int
	log       *logger.Log
}

func NewFinder(probe ProbeFunc, window time.Duration, maxProbes int) *Finder {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if maxProbes <= 0 {
		maxProbes = 48
	}
	return &Finder{
		probe:     probe,
		window:    window,
		maxProbes: maxProbes,
		log:       logger.GetLogger(),
	}
}

// Find returns the UTC day containing the earliest confirmed funding
// history between floor and now.
func (f *Finder) Find(ctx context.Context, floor, now time.Time) (time.Time, error) {
	low := floor.UTC().Truncate(time.Hour)
	high := now.UTC().Truncate(time.Hour)
	if !high.After(low) {
		return time.Time{}, ErrNoHistory
	}

	probes := 0
	hasData := func(start time.Time) (bool, error) {
		if probes >= f.maxProbes {
			return false, ErrDiscoveryExhausted
		}
		probes++
		logger.IncrementProbe()

		ok, err := f.probe(ctx, start, start.Add(f.window))
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			f.log.WithComponent("discovery").WithFields(logger.Fields{
				"window_start": start,
			}).WithError(err).Warn("probe failed, treating window as empty")
			return false, nil
		}
		return ok, nil
	}

	// The search needs data somewhere: confirm the most recent window
	// before bisecting.
	recent := high.Add(-f.window)
	if recent.Before(low) {
		recent = low
	}
	ok, err := hasData(recent)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, ErrNoHistory
	}
	high = recent

	// Invariant: [high, high+window) contains data and, because history
	// is contiguous, an empty probe at mid rules out everything before
	// mid+window. No history exists before low.
	for high.Sub(low) > f.window {
		mid := low.Add(high.Sub(low) / 2).Truncate(time.Hour)
		ok, err := hasData(mid)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			high = mid
		} else {
			low = mid.Add(f.window)
		}
	}

	// History starts in [low, high+window); low is the tightest bound
	// that provably excludes nothing.
	found := low.Truncate(24 * time.Hour)
	f.log.WithComponent("discovery").WithFields(logger.Fields{
		"listing_date": found,
		"probes":       probes,
	}).Info("listing date discovered")
	return found, nil
}
