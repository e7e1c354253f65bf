package poisync

import (
	"context"
	"sync"
	"time"
)

type purger interface {
	PurgeExpiredCache(ctx context.Context) (int, error)
}

// CacheSweeper periodically deletes expired cached POIs. Pulls never filter on
// expiry, so a row stays visible until a sweep removes it.
type CacheSweeper struct {
	target   purger
	interval time.Duration
	logger   Logger
	onSweep  func(removed int, err error)

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

type SweeperOptions struct {
	Interval time.Duration
	Logger   Logger
	// OnSweep observes every completed sweep.
	OnSweep func(removed int, err error)
}

func NewCacheSweeper(svc *Service, opts SweeperOptions) *CacheSweeper {
	logger := opts.Logger
	if logger == nil {
		logger = svc.logger
	}
	return &CacheSweeper{
		target:   svc,
		interval: opts.Interval,
		logger:   logger,
		onSweep:  opts.OnSweep,
		closed:   make(chan struct{}),
	}
}

// Start launches the sweep loop. It does nothing when the interval is not
// positive.
func (w *CacheSweeper) Start() {
	if w.interval <= 0 {
		return
	}
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run()
		}()
	})
}

func (w *CacheSweeper) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.closed:
			return
		case <-ticker.C:
			w.SweepOnce()
		}
	}
}

func (w *CacheSweeper) SweepOnce() (int, error) {
	timeout := w.interval
	if timeout <= 0 || timeout > sqlOperationTimeout*6 {
		timeout = sqlOperationTimeout * 6
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() {
		select {
		case <-w.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	removed, err := w.target.PurgeExpiredCache(ctx)
	if err != nil {
		w.logger.Printf("poisync: cache sweep failed: %v", err)
	}
	if w.onSweep != nil {
		w.onSweep(removed, err)
	}
	return removed, err
}

// Close stops the loop and waits for an in-flight sweep to finish.
func (w *CacheSweeper) Close() {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.wg.Wait()
	})
}
