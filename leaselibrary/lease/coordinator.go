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
	"sync"

	"github.com/vmware/vmware-go-lease/leaselibrary/config"
	"github.com/vmware/vmware-go-lease/leaselibrary/metrics"
	"github.com/vmware/vmware-go-lease/leaselibrary/store"
	"github.com/vmware/vmware-go-lease/logger"
)

// LeaseCoordinator issues lease handles on behalf of one owner identity and
// composes single-key acquisition into grouped, all-or-nothing multi-key
// acquisition. Handles receive only the store capability and owner identity they
// need; they hold no reference back to the coordinator.
type LeaseCoordinator struct {
	config   *config.LeaseCoordinatorConfiguration
	store    store.Store
	log      logger.Logger
	mService metrics.MonitoringService
}

// NewLeaseCoordinator creates a coordinator backed by a DynamoDB lease table per
// the configuration.
func NewLeaseCoordinator(cfg *config.LeaseCoordinatorConfiguration) *LeaseCoordinator {
	mService := cfg.MonitoringService
	if mService == nil {
		mService = metrics.NoopMonitoringService{}
	}

	return &LeaseCoordinator{
		config:   cfg,
		store:    store.NewDynamoStore(cfg),
		log:      cfg.Logger,
		mService: mService,
	}
}

// WithStore is used to provide an alternative lease store.
func (c *LeaseCoordinator) WithStore(s store.Store) *LeaseCoordinator {
	c.store = s
	return c
}

// Init prepares the lease store and starts metrics publication.
func (c *LeaseCoordinator) Init() error {
	err := c.mService.Init(c.config.ApplicationName, c.config.TableName, c.config.OwnerID)
	if err != nil {
		return err
	}
	err = c.mService.Start()
	if err != nil {
		return err
	}

	return c.store.Init()
}

// Shutdown stops metrics publication. Held leases are not touched; release them
// through their handles.
func (c *LeaseCoordinator) Shutdown() {
	c.mService.Shutdown()
}

// NewLease constructs an idle handle for the given key. Passing nil options uses
// the configured defaults.
func (c *LeaseCoordinator) NewLease(leaseKey string, opts *LeaseOptions) *Lease {
	durationMillis := int64(c.config.LeaseDurationMillis)
	heartbeatMillis := int64(c.config.HeartbeatIntervalMillis)
	maxRetryCount := c.config.MaxRetryCount

	if opts != nil {
		if opts.DurationMillis > 0 {
			durationMillis = opts.DurationMillis
		}
		if opts.HeartbeatMillis > 0 {
			heartbeatMillis = opts.HeartbeatMillis
		}
		if opts.MaxRetryCount > 0 {
			maxRetryCount = opts.MaxRetryCount
		}
	}

	return &Lease{
		leaseKey:        leaseKey,
		leaseOwner:      c.config.OwnerID,
		durationMillis:  durationMillis,
		heartbeatMillis: heartbeatMillis,
		maxRetryCount:   maxRetryCount,
		store:           c.store,
		log:             c.log,
		mService:        c.mService,
	}
}

// Acquire constructs a handle for the key and acquires it, returning the held
// handle or the acquisition failure.
func (c *LeaseCoordinator) Acquire(ctx context.Context, leaseKey string, opts *LeaseOptions) (*Lease, error) {
	l := c.NewLease(leaseKey, opts)
	if err := l.Acquire(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// WithLease acquires the key, invokes the callback, and releases on every exit
// path, a panicking callback included. A release failure is reported only when
// the callback itself succeeded.
func (c *LeaseCoordinator) WithLease(ctx context.Context, leaseKey string, opts *LeaseOptions, fn func(ctx context.Context) error) (err error) {
	l, acquireErr := c.Acquire(ctx, leaseKey, opts)
	if acquireErr != nil {
		return acquireErr
	}

	defer func() {
		if releaseErr := l.Release(); releaseErr != nil {
			c.log.Errorf("Failed to release lease for key %s: %+v", leaseKey, releaseErr)
			if err == nil {
				err = releaseErr
			}
		}
	}()

	return fn(ctx)
}

// WithLeases acquires all keys concurrently, all-or-nothing: when any key's
// acquisition fails after its budget, every key that did succeed is released and
// the failure is returned without invoking the callback. The first failure also
// cancels the backoff waits of attempts still in flight. After a full acquisition
// the entire set is released regardless of the callback's outcome.
func (c *LeaseCoordinator) WithLeases(ctx context.Context, leaseKeys []string, opts *LeaseOptions, fn func(ctx context.Context) error) error {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leases := make([]*Lease, len(leaseKeys))

	var mu sync.Mutex
	var firstErr error

	var wg sync.WaitGroup
	for i, leaseKey := range leaseKeys {
		wg.Add(1)
		go func(i int, leaseKey string) {
			defer wg.Done()
			l := c.NewLease(leaseKey, opts)
			if err := l.Acquire(groupCtx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
				return
			}
			leases[i] = l
		}(i, leaseKey)
	}
	wg.Wait()

	defer c.releaseAll(leases)

	if firstErr != nil {
		c.log.Warnf("Grouped acquisition failed, rolling back held leases: %+v", firstErr)
		return firstErr
	}

	return fn(ctx)
}

func (c *LeaseCoordinator) releaseAll(leases []*Lease) {
	for _, l := range leases {
		if l == nil {
			continue
		}
		if err := l.Release(); err != nil {
			c.log.Errorf("Failed to release lease for key %s: %+v", l.LeaseKey(), err)
		}
	}
}
