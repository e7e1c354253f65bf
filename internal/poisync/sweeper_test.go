package poisync

import (
	"context"
	"testing"
	"time"
)

func TestCacheSweeperSweepOnce(t *testing.T) {
	store := NewMemoryStore()
	svc, clock := newTestService(t, store, ServiceOptions{})
	expired := clock.Now().Add(-time.Minute)
	mustPush(t, svc, PushRequest{UserID: "u1", Cached: []CachedPOI{
		{PoiID: "old", Nombre: "Old", ExpiresAt: &expired},
		{PoiID: "new", Nombre: "New"},
	}})

	var observed []int
	sweeper := NewCacheSweeper(svc, SweeperOptions{OnSweep: func(removed int, err error) {
		if err != nil {
			t.Errorf("sweep error: %v", err)
		}
		observed = append(observed, removed)
	}})
	removed, err := sweeper.SweepOnce()
	if err != nil || removed != 1 {
		t.Fatalf("expected one row swept, got %d (%v)", removed, err)
	}
	if len(observed) != 1 || observed[0] != 1 {
		t.Fatalf("expected sweep observer called once, got %v", observed)
	}
	rows, _ := store.CachedPOIs(context.Background(), Query{UserID: "u1"})
	if len(rows) != 1 || rows[0].PoiID != "new" {
		t.Fatalf("expected only the fresh row, got %+v", rows)
	}
}

func TestCacheSweeperRunsOnInterval(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), ServiceOptions{})
	swept := make(chan int, 4)
	sweeper := NewCacheSweeper(svc, SweeperOptions{
		Interval: 10 * time.Millisecond,
		OnSweep: func(removed int, err error) {
			select {
			case swept <- removed:
			default:
			}
		},
	})
	sweeper.Start()
	sweeper.Start()
	defer sweeper.Close()

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a sweep within the interval")
	}
	sweeper.Close()
	sweeper.Close()
}

func TestCacheSweeperDisabledWithoutInterval(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), ServiceOptions{})
	called := make(chan struct{}, 1)
	sweeper := NewCacheSweeper(svc, SweeperOptions{OnSweep: func(int, error) { called <- struct{}{} }})
	sweeper.Start()
	defer sweeper.Close()

	select {
	case <-called:
		t.Fatalf("expected no background sweep when interval is zero")
	case <-time.After(50 * time.Millisecond):
	}
}
