package testutil

import (
	"testing"
	"time"
)

// DefaultTimeout bounds how long stream helpers wait before failing a test.
const DefaultTimeout = 5 * time.Second

// Send delivers items on ch, failing the test if a send blocks longer than
// DefaultTimeout.
func Send[T any](t testing.TB, ch chan<- T, items ...T) {
	t.Helper()
	for _, item := range items {
		select {
		case ch <- item:
		case <-time.After(DefaultTimeout):
			t.Fatalf("timed out sending %T", item)
		}
	}
}

// ReceiveUntil reads from ch until stop returns true for a received item,
// and returns every item read including the stopping one. Fails the test if
// ch is closed first or nothing arrives within DefaultTimeout.
func ReceiveUntil[T any](t testing.TB, ch <-chan T, stop func(T) bool) []T {
	t.Helper()
	var got []T
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed after %d items before stop condition", len(got))
			}
			got = append(got, item)
			if stop(item) {
				return got
			}
		case <-time.After(DefaultTimeout):
			t.Fatalf("timed out after %d items waiting for stop condition", len(got))
		}
	}
}

// ReceiveAll reads from ch until it is closed and returns every item.
func ReceiveAll[T any](t testing.TB, ch <-chan T) []T {
	t.Helper()
	var got []T
	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, item)
		case <-time.After(DefaultTimeout):
			t.Fatalf("timed out after %d items waiting for close", len(got))
		}
	}
}

// Wait receives one value from ch, failing the test after DefaultTimeout.
func Wait[T any](t testing.TB, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(DefaultTimeout):
		t.Fatalf("timed out waiting for %T", *new(T))
		var zero T
		return zero
	}
}
