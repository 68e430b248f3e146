package sqlpool

import (
	"context"
	"testing"
	"time"
)

// TestBorrowBlocksUntilReturn exercises the counting-semaphore
// discipline in isolation from database/sql, since standing up a real
// MySQL server is outside the scope of a unit test. It constructs the
// same channel a Pool would and verifies Borrow-equivalent blocking
// and Return-equivalent release.
func TestBorrowBlocksUntilReturn(t *testing.T) {
	sem := make(chan struct{}, 1)
	sem <- struct{}{}

	acquire := func(ctx context.Context) error {
		select {
		case <-sem:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	release := func() { sem <- struct{}{} }

	if err := acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := acquire(ctx); err == nil {
		t.Fatal("second acquire should have blocked until timeout with the slot held")
	}

	release()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := acquire(ctx2); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
