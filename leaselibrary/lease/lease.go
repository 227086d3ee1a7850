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

// Package lease implements client-side distributed mutual exclusion on top of a
// strongly consistent key-value store with conditional writes. Every process
// contends for named lease keys through the same store table; the store's atomic
// compare-and-swap is the only synchronization point between them.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vmware/vmware-go-lease/leaselibrary/metrics"
	"github.com/vmware/vmware-go-lease/leaselibrary/store"
	"github.com/vmware/vmware-go-lease/leaselibrary/utils"
	"github.com/vmware/vmware-go-lease/logger"
)

// LeaseOptions overrides the coordinator configuration for a single acquisition.
// Zero-valued fields fall back to the configured defaults.
type LeaseOptions struct {
	// DurationMillis is the nominal lease duration written into the record.
	DurationMillis int64

	// HeartbeatMillis is the renewal timer period. When zero the coordinator
	// default applies; a coordinator default of zero leaves renewal off and the
	// lease lapses at its expiry timestamp.
	HeartbeatMillis int64

	// MaxRetryCount bounds the acquisition attempts.
	MaxRetryCount int
}

// Lease is the client-side handle for one lease key. A handle is mutated only by
// its own methods and the renewal timer it schedules; it must not be shared by
// concurrent call sites. Cross-process exclusion is enforced entirely by the
// store's conditional writes.
type Lease struct {
	leaseKey        string
	leaseOwner      string
	durationMillis  int64
	heartbeatMillis int64
	maxRetryCount   int

	store    store.Store
	log      logger.Logger
	mService metrics.MonitoringService

	// mu guards the held state and serializes renewal writes against release, so
	// that no renewal can be issued once Release has started.
	mu          sync.Mutex
	acquired    bool
	version     string
	renewalStop chan struct{}
}

// LeaseKey returns the key this handle contends for.
func (l *Lease) LeaseKey() string {
	return l.leaseKey
}

// Owner returns the owner identity the handle writes into its records.
func (l *Lease) Owner() string {
	return l.leaseOwner
}

// IsAcquired reports whether the handle currently believes it holds the lease.
// It goes false without an error when a renewal loses the record to another
// owner; that flag is the only loss signal.
func (l *Lease) IsAcquired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}

// Version returns the version token of the last successful write, or "" when the
// lease is not held.
func (l *Lease) Version() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Acquire runs the acquisition loop: read the current record, pace the attempt
// when a live holder exists, then try a conditional write keyed on the observed
// version (or on the record's absence). An expired record is overwritten through
// its last known version even before the backend reaps it. Conflicts consume one
// attempt from the budget; any other store failure aborts immediately.
func (l *Lease) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.acquired {
		l.mu.Unlock()
		return ErrAlreadyAcquired
	}
	l.mu.Unlock()

	startTime := time.Now()

	for attempt := 0; attempt < l.maxRetryCount; attempt++ {
		current, err := l.store.GetRecord(l.leaseKey)
		if err != nil {
			return err
		}

		var expectedVersion string
		if current != nil {
			expectedVersion = current.Version
			if !current.IsExpired(time.Now()) {
				// A live holder gets one of its own lease durations to renew,
				// release, or lapse before we contest the record.
				l.log.Debugf("Lease key %s held by %s, backing off %dms before attempt %d",
					l.leaseKey, current.LeaseOwner, current.DurationMillis, attempt+1)
				if err := sleepWithContext(ctx, time.Duration(current.DurationMillis)*time.Millisecond); err != nil {
					return err
				}
			}
		}

		record := store.NewLeaseRecord(l.leaseKey, l.leaseOwner, utils.MustNewUUID(), l.durationMillis)
		err = l.store.ConditionalWrite(expectedVersion, record)
		if errors.Is(err, store.ErrConditionalCheckFailed) {
			// Lost the race for this version, observe the new record and try again.
			l.log.Debugf("Conditional write conflict for lease key %s on attempt %d", l.leaseKey, attempt+1)
			l.mService.IncrWriteConflict(l.leaseKey)
			continue
		}
		if err != nil {
			return err
		}

		l.mu.Lock()
		l.acquired = true
		l.version = record.Version
		l.mu.Unlock()

		l.scheduleRenewal()

		l.log.Infof("Acquired lease for key %s as owner %s", l.leaseKey, l.leaseOwner)
		l.mService.LeaseAcquired(l.leaseKey)
		l.mService.RecordAcquireTime(l.leaseKey, float64(time.Since(startTime).Milliseconds()))
		return nil
	}

	return ErrLeaseNotGranted{LeaseKey: l.leaseKey, Attempts: l.maxRetryCount}
}

// Release drops the lease. Local state is cleared and the renewal timer stopped
// before any store interaction, so the handle stops believing it holds the lease
// even if the delete fails. Deleting a record that was already stolen or reaped
// is a no-op, as is releasing a handle that holds nothing.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.acquired = false
	if l.renewalStop != nil {
		close(l.renewalStop)
		l.renewalStop = nil
	}

	if l.version == "" {
		return nil
	}
	version := l.version
	l.version = ""

	err := l.store.ConditionalDelete(l.leaseKey, version)
	if errors.Is(err, store.ErrConditionalCheckFailed) {
		// Someone else already took the record over; nothing left to clean up.
		l.log.Debugf("Lease record for key %s was already rewritten, skipping delete", l.leaseKey)
		err = nil
	}
	if err != nil {
		return err
	}

	l.log.Infof("Released lease for key %s", l.leaseKey)
	l.mService.LeaseReleased(l.leaseKey)
	return nil
}

// scheduleRenewal starts the heartbeat loop for a freshly acquired lease. The
// loop owns no state of its own; every firing re-checks the held state under the
// handle mutex, so closing the stop channel inside Release is enough to prevent
// any further renewal write.
func (l *Lease) scheduleRenewal() {
	if l.heartbeatMillis <= 0 {
		return
	}

	stop := make(chan struct{})
	l.mu.Lock()
	l.renewalStop = stop
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(l.heartbeatMillis) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !l.renew() {
					return
				}
			}
		}
	}()
}

// renew performs one heartbeat write and reports whether the loop should keep
// running. A conditional conflict means another owner took the lease; the handle
// silently drops to not-acquired. Other store failures leave the held state
// untouched so the next firing can try again before the record expires.
func (l *Lease) renew() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.acquired {
		return false
	}

	record := store.NewLeaseRecord(l.leaseKey, l.leaseOwner, utils.MustNewUUID(), l.durationMillis)
	err := l.store.ConditionalWrite(l.version, record)
	if errors.Is(err, store.ErrConditionalCheckFailed) {
		l.log.Warnf("Lost lease for key %s, record was taken by another owner", l.leaseKey)
		l.acquired = false
		l.version = ""
		l.mService.LeaseLost(l.leaseKey)
		return false
	}
	if err != nil {
		l.log.Warnf("Failed to renew lease for key %s: %+v", l.leaseKey, err)
		return true
	}

	l.version = record.Version
	l.log.Debugf("Renewed lease for key %s", l.leaseKey)
	l.mService.LeaseRenewed(l.leaseKey)
	return true
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
