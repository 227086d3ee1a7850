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

// Package metrics defines the monitoring surface of the lease coordinator.
package metrics

// MonitoringService publishes lease lifecycle metrics. Implementations must be
// safe for concurrent use by multiple lease handles.
type MonitoringService interface {
	Init(appName, tableName, ownerID string) error
	Start() error
	LeaseAcquired(leaseKey string)
	LeaseLost(leaseKey string)
	LeaseReleased(leaseKey string)
	LeaseRenewed(leaseKey string)
	IncrWriteConflict(leaseKey string)
	RecordAcquireTime(leaseKey string, millis float64)
	Shutdown()
}

// NoopMonitoringService implements MonitoringService by doing nothing.
type NoopMonitoringService struct{}

func (NoopMonitoringService) Init(appName, tableName, ownerID string) error { return nil }
func (NoopMonitoringService) Start() error                                  { return nil }
func (NoopMonitoringService) Shutdown()                                     {}

func (NoopMonitoringService) LeaseAcquired(leaseKey string)                     {}
func (NoopMonitoringService) LeaseLost(leaseKey string)                         {}
func (NoopMonitoringService) LeaseReleased(leaseKey string)                     {}
func (NoopMonitoringService) LeaseRenewed(leaseKey string)                      {}
func (NoopMonitoringService) IncrWriteConflict(leaseKey string)                 {}
func (NoopMonitoringService) RecordAcquireTime(leaseKey string, millis float64) {}
