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

// Package store defines the storage contract the lease state machine runs against:
// a strongly consistent key-value backend exposing atomic compare-and-swap writes
// and deletes over expiring records.
package store

import (
	"errors"
	"time"
)

// ExpiryMultiplier is the number of lease durations a record outlives its last
// write. The slack lets a healthy holder miss a couple of renewals without losing
// its record, while still letting the backend reap records of crashed holders.
const ExpiryMultiplier = 3

// ErrConditionalCheckFailed is returned by ConditionalWrite and ConditionalDelete
// when the record's current version did not match the expected one, i.e. the
// operation lost a race against another writer. Callers distinguish it from any
// other store failure with errors.Is.
var ErrConditionalCheckFailed = errors.New("conditional check failed for lease record")

// LeaseRecord is the persisted state of one lease key.
type LeaseRecord struct {
	// LeaseKey names the resource the lease guards.
	LeaseKey string

	// LeaseOwner identifies the process holding the record, may be "".
	LeaseOwner string

	// DurationMillis is the nominal lease duration the holder wrote. Competing
	// acquirers use it to pace their own attempts.
	DurationMillis int64

	// Version is an opaque token rotated on every successful write. It is the
	// compare-and-swap precondition; two successful writes never share a version.
	Version string

	// ExpiresAt is the epoch second after which the record is logically gone even
	// if the backend has not reaped it yet.
	ExpiresAt int64
}

// IsExpired reports whether the record's expiry timestamp has passed as of the
// given time. The boundary second still belongs to the record: the expiry is
// rounded up on write, so treating equality as expired would cut the slack short.
func (r *LeaseRecord) IsExpired(asOf time.Time) bool {
	return r.ExpiresAt < asOf.Unix()
}

// NewLeaseRecord builds a record for a fresh write, with the expiry timestamp set
// ExpiryMultiplier lease durations ahead of now. The timestamp stays in epoch
// seconds for the backend's reaper, rounded up to the next whole second: flooring
// would make a sub-second duration produce a record already expired at birth.
func NewLeaseRecord(leaseKey, leaseOwner, version string, durationMillis int64) *LeaseRecord {
	expiresAt := time.Now().Add(time.Duration(ExpiryMultiplier*durationMillis) * time.Millisecond)
	expiry := expiresAt.Unix()
	if expiresAt.Nanosecond() > 0 {
		expiry++
	}
	return &LeaseRecord{
		LeaseKey:       leaseKey,
		LeaseOwner:     leaseOwner,
		DurationMillis: durationMillis,
		Version:        version,
		ExpiresAt:      expiry,
	}
}

// Store is the narrow capability a lease handle needs from the backend. The
// backend must provide linearizable conditional writes per key; that atomicity is
// the sole cross-process synchronization point of the protocol.
type Store interface {
	// Init prepares the backend, e.g. creating the lease table if missing.
	Init() error

	// GetRecord returns the current record for the lease key, or nil if no record
	// exists. The read must observe the latest committed write.
	GetRecord(leaseKey string) (*LeaseRecord, error)

	// ConditionalWrite stores the record iff the precondition holds: when
	// expectedVersion is empty no record may exist for the key, otherwise the
	// stored record's version must equal expectedVersion. A failed precondition
	// is reported as ErrConditionalCheckFailed.
	ConditionalWrite(expectedVersion string, record *LeaseRecord) error

	// ConditionalDelete removes the record iff its version equals expectedVersion,
	// reporting ErrConditionalCheckFailed otherwise.
	ConditionalDelete(leaseKey, expectedVersion string) error
}
