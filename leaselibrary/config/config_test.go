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
package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vmware/vmware-go-lease/logger"
)

func TestConfig(t *testing.T) {
	config := NewLeaseCoordinatorConfig("appName", "us-west-2", "abc").
		WithTableName("lease-table").
		WithLeaseDurationMillis(500).
		WithHeartbeatIntervalMillis(100).
		WithMaxRetryCount(3).
		WithInitialLeaseTableReadCapacity(10).
		WithInitialLeaseTableWriteCapacity(10)

	assert.Equal(t, "appName", config.ApplicationName)
	assert.Equal(t, "us-west-2", config.RegionName)
	assert.Equal(t, "abc", config.OwnerID)
	assert.Equal(t, "lease-table", config.TableName)
	assert.Equal(t, 500, config.LeaseDurationMillis)
	assert.Equal(t, 100, config.HeartbeatIntervalMillis)
	assert.Equal(t, 3, config.MaxRetryCount)

	config.WithLogger(logger.GetDefaultLogger())
	assert.NotNil(t, config.Logger)
}

func TestConfigDefaults(t *testing.T) {
	config := NewLeaseCoordinatorConfig("appName", "us-west-2", "abc")

	// the table defaults to the application name, heartbeat renewal stays off
	assert.Equal(t, "appName", config.TableName)
	assert.Equal(t, DefaultLeaseDurationMillis, config.LeaseDurationMillis)
	assert.Equal(t, DefaultHeartbeatIntervalMillis, config.HeartbeatIntervalMillis)
	assert.Equal(t, DefaultMaxRetryCount, config.MaxRetryCount)
	assert.NotNil(t, config.Logger)
}

func TestEmptyOwnerID(t *testing.T) {
	config := NewLeaseCoordinatorConfig("appName", "us-west-2", "")

	// an owner identity is generated when none is supplied
	assert.NotEmpty(t, config.OwnerID)
}

func TestInvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		NewLeaseCoordinatorConfig("", "us-west-2", "abc")
	})
	assert.Panics(t, func() {
		NewLeaseCoordinatorConfig("appName", "", "abc")
	})

	config := NewLeaseCoordinatorConfig("appName", "us-west-2", "abc")
	assert.Panics(t, func() { config.WithTableName("") })
	assert.Panics(t, func() { config.WithLeaseDurationMillis(0) })
	assert.Panics(t, func() { config.WithHeartbeatIntervalMillis(-1) })
	assert.Panics(t, func() { config.WithMaxRetryCount(0) })
	assert.Panics(t, func() { config.WithLogger(nil) })
}
