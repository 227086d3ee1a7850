/*
 * Copyright (c) 2021 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package lease

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoordinatorAcquireReturnsHeldHandle(t *testing.T) {
	svc := newFakeStore()
	coordinator := newTestCoordinator("owner-a", svc)

	l, err := coordinator.Acquire(context.Background(), "resource-1", &LeaseOptions{DurationMillis: 100, MaxRetryCount: 1})
	assert.Nil(t, err)
	assert.True(t, l.IsAcquired())
	assert.Equal(t, "owner-a", l.Owner())
	assert.Equal(t, "resource-1", l.LeaseKey())

	assert.Nil(t, l.Release())
}

func TestWithLeaseReleasesOnSuccess(t *testing.T) {
	svc := newFakeStore()
	coordinator := newTestCoordinator("owner-a", svc)

	invoked := false
	err := coordinator.WithLease(context.Background(), "resource-1",
		&LeaseOptions{DurationMillis: 100, MaxRetryCount: 1},
		func(ctx context.Context) error {
			invoked = true
			record := svc.record("resource-1")
			if record == nil || record.LeaseOwner != "owner-a" {
				t.Error("Expected the lease to be held inside the callback")
			}
			return nil
		})

	assert.Nil(t, err)
	assert.True(t, invoked)
	assert.Nil(t, svc.record("resource-1"))
}

func TestWithLeaseReleasesOnCallbackError(t *testing.T) {
	svc := newFakeStore()
	coordinator := newTestCoordinator("owner-a", svc)

	callbackErr := errors.New("callback failed")
	err := coordinator.WithLease(context.Background(), "resource-1",
		&LeaseOptions{DurationMillis: 100, MaxRetryCount: 1},
		func(ctx context.Context) error {
			return callbackErr
		})

	assert.Equal(t, callbackErr, err)
	assert.Nil(t, svc.record("resource-1"))
}

func TestWithLeaseReleasesOnCallbackPanic(t *testing.T) {
	svc := newFakeStore()
	coordinator := newTestCoordinator("owner-a", svc)

	defer func() {
		if recover() == nil {
			t.Fatal("Expected the callback panic to propagate")
		}
		// the record and its renewal timer must not outlive the panic
		assert.Nil(t, svc.record("resource-1"))
	}()

	_ = coordinator.WithLease(context.Background(), "resource-1",
		&LeaseOptions{DurationMillis: 100, MaxRetryCount: 1},
		func(ctx context.Context) error {
			panic("callback exploded")
		})
}

func TestWithLeasePropagatesAcquisitionFailure(t *testing.T) {
	svc := newFakeStore()
	holder := newTestCoordinator("owner-b", svc)
	held := holder.NewLease("resource-1", &LeaseOptions{DurationMillis: 60, HeartbeatMillis: 20, MaxRetryCount: 1})
	if err := held.Acquire(context.Background()); err != nil {
		t.Fatalf("Holder failed to acquire: %s", err)
	}
	defer held.Release()

	coordinator := newTestCoordinator("owner-a", svc)

	invoked := false
	err := coordinator.WithLease(context.Background(), "resource-1",
		&LeaseOptions{DurationMillis: 60, MaxRetryCount: 2},
		func(ctx context.Context) error {
			invoked = true
			return nil
		})

	var notGranted ErrLeaseNotGranted
	assert.True(t, errors.As(err, &notGranted))
	assert.False(t, invoked)
}

func TestWithLeasesInvokesCallbackWithAllHeld(t *testing.T) {
	svc := newFakeStore()
	coordinator := newTestCoordinator("owner-a", svc)
	keys := []string{"resource-1", "resource-2", "resource-3"}

	invoked := false
	err := coordinator.WithLeases(context.Background(), keys,
		&LeaseOptions{DurationMillis: 100, MaxRetryCount: 1},
		func(ctx context.Context) error {
			invoked = true
			for _, key := range keys {
				record := svc.record(key)
				if record == nil || record.LeaseOwner != "owner-a" {
					t.Errorf("Expected key %s to be held inside the callback", key)
				}
			}
			return nil
		})

	assert.Nil(t, err)
	assert.True(t, invoked)
	for _, key := range keys {
		assert.Nil(t, svc.record(key))
	}
}

func TestWithLeasesReleasesAfterCallbackError(t *testing.T) {
	svc := newFakeStore()
	coordinator := newTestCoordinator("owner-a", svc)
	keys := []string{"resource-1", "resource-2"}

	callbackErr := errors.New("callback failed")
	err := coordinator.WithLeases(context.Background(), keys,
		&LeaseOptions{DurationMillis: 100, MaxRetryCount: 1},
		func(ctx context.Context) error {
			return callbackErr
		})

	assert.Equal(t, callbackErr, err)
	for _, key := range keys {
		assert.Nil(t, svc.record(key))
	}
}

func TestWithLeasesAllOrNothing(t *testing.T) {
	svc := newFakeStore()
	// resource-2 is held elsewhere by an owner that keeps renewing
	holder := newTestCoordinator("owner-b", svc)
	held := holder.NewLease("resource-2", &LeaseOptions{DurationMillis: 60, HeartbeatMillis: 20, MaxRetryCount: 1})
	if err := held.Acquire(context.Background()); err != nil {
		t.Fatalf("Holder failed to acquire: %s", err)
	}
	defer held.Release()

	coordinator := newTestCoordinator("owner-a", svc)
	keys := []string{"resource-1", "resource-2", "resource-3"}

	invoked := false
	err := coordinator.WithLeases(context.Background(), keys,
		&LeaseOptions{DurationMillis: 60, MaxRetryCount: 3},
		func(ctx context.Context) error {
			invoked = true
			return nil
		})

	var notGranted ErrLeaseNotGranted
	if !errors.As(err, &notGranted) {
		t.Fatalf("Expected ErrLeaseNotGranted, got %v", err)
	}
	assert.Equal(t, "resource-2", notGranted.LeaseKey)
	assert.False(t, invoked)

	// none of the requested keys may remain held by the caller
	assert.Nil(t, svc.record("resource-1"))
	assert.Nil(t, svc.record("resource-3"))
	assert.Equal(t, "owner-b", svc.record("resource-2").LeaseOwner)
	assert.True(t, held.IsAcquired())
}
