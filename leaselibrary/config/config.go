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
	"log"
	"strings"

	creds "github.com/aws/aws-sdk-go/aws/credentials"

	"github.com/vmware/vmware-go-lease/leaselibrary/metrics"
	"github.com/vmware/vmware-go-lease/logger"
)

const (
	// Lease duration in milliseconds. A holder which does not renew its lease within
	// this period is regarded as having problems and its lease keys become eligible
	// for takeover by other owners.
	DefaultLeaseDurationMillis = 10000

	// Heartbeat renewal is disabled unless an interval is configured. A lease that is
	// never renewed lapses naturally at its expiry timestamp.
	DefaultHeartbeatIntervalMillis = 0

	// Number of acquisition attempts before giving up on a contended lease key.
	DefaultMaxRetryCount = 5

	// The Amazon DynamoDB table used for tracking leases will be provisioned with this read capacity.
	DefaultInitialLeaseTableReadCapacity = 10

	// The Amazon DynamoDB table used for tracking leases will be provisioned with this write capacity.
	DefaultInitialLeaseTableWriteCapacity = 10
)

// Configuration for the lease coordinator.
// Note: There is no need to configure a credential provider. Credentials can be
// obtained from the InstanceProfile.
type LeaseCoordinatorConfiguration struct {
	// ApplicationName is the name of the consuming application. Multiple applications
	// may coordinate through distinct lease tables.
	ApplicationName string

	// DynamoDBEndpoint is an optional endpoint URL that overrides the default generated endpoint for a DynamoDB client.
	// If this is empty, the default generated endpoint will be used.
	DynamoDBEndpoint string

	// DynamoDBCredentials is used to access DynamoDB
	DynamoDBCredentials *creds.Credentials

	// TableName is the name of the DynamoDB table holding lease records, defaults to ApplicationName
	TableName string

	// OwnerID identifies this process among all owners contending for leases
	OwnerID string

	// RegionName is the region name for the service
	RegionName string

	// LeaseDurationMillis is the nominal lease duration written into each record.
	// A record's expiry timestamp is set three lease durations ahead of the write so
	// a crashed holder's record is reclaimable by the backend's own TTL reaper.
	LeaseDurationMillis int

	// HeartbeatIntervalMillis is the period of the renewal timer while a lease is
	// held. Zero disables renewal.
	HeartbeatIntervalMillis int

	// MaxRetryCount bounds the number of acquisition attempts per Acquire call
	MaxRetryCount int

	// Read capacity to provision when creating the lease table (DynamoDB).
	InitialLeaseTableReadCapacity int

	// Write capacity to provision when creating the lease table.
	InitialLeaseTableWriteCapacity int

	// Logger used to log messages.
	Logger logger.Logger

	// MonitoringService publishes per owner-scoped metrics.
	MonitoringService metrics.MonitoringService
}

func empty(s string) bool {
	return len(strings.TrimSpace(s)) == 0
}

// checkIsValueNotEmpty makes sure the value is not empty.
func checkIsValueNotEmpty(key string, value string) {
	if empty(value) {
		// There is no point to continue for incorrect configuration. Fail fast!
		log.Panicf("Non-empty value expected for %v, actual: %v", key, value)
	}
}

// checkIsValuePositive makes sure the value is positive.
func checkIsValuePositive(key string, value int) {
	if value <= 0 {
		// There is no point to continue for incorrect configuration. Fail fast!
		log.Panicf("Positive value expected for %v, actual: %v", key, value)
	}
}
