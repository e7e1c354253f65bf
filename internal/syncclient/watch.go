package syncclient

import (
	"context"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type WatchOptions struct {
	// Interval between periodic syncs. Zero syncs only on outbox changes.
	Interval time.Duration
	// Jitter spreads periodic syncs by up to this fraction of Interval.
	Jitter float64
	// Debounce coalesces bursts of outbox writes into one sync.
	Debounce time.Duration
	// Timeout bounds each sync cycle.
	Timeout time.Duration
	OnCycle func(SyncResult, error)
}

// Watch runs a sync immediately, then again whenever the outbox changes and
// on every interval tick, until ctx is done.
func (s *Syncer) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = 250 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return err
	}

	run := func() {
		cycleCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		result, err := s.SyncOnce(cycleCtx)
		if err != nil {
			s.logf("sync cycle failed: %v", err)
		}
		if opts.OnCycle != nil {
			opts.OnCycle(result, err)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	periodic := time.NewTimer(time.Hour)
	periodic.Stop()
	defer periodic.Stop()
	schedule := func() {
		if opts.Interval > 0 {
			periodic.Reset(jitteredIntervalWithSample(opts.Interval, opts.Jitter, rng.Float64()))
		}
	}
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	run()
	schedule()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-periodic.C:
			run()
			schedule()
		case <-debounce.C:
			run()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != outboxFileName {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				debounce.Reset(opts.Debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logf("outbox watcher error: %v", err)
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample maps sample in [0,1] onto base scaled by
// [1-ratio, 1+ratio].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
