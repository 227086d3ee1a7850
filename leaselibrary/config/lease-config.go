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

	"github.com/aws/aws-sdk-go/aws/credentials"

	"github.com/vmware/vmware-go-lease/leaselibrary/metrics"
	"github.com/vmware/vmware-go-lease/leaselibrary/utils"
	"github.com/vmware/vmware-go-lease/logger"
)

// NewLeaseCoordinatorConfig creates a default LeaseCoordinatorConfiguration based on the required fields.
func NewLeaseCoordinatorConfig(applicationName, regionName, ownerID string) *LeaseCoordinatorConfiguration {
	return NewLeaseCoordinatorConfigWithCredentials(applicationName, regionName, ownerID, nil)
}

// NewLeaseCoordinatorConfigWithCredentials creates a default LeaseCoordinatorConfiguration based on the
// required fields and specific credentials for DynamoDB.
func NewLeaseCoordinatorConfigWithCredentials(applicationName, regionName, ownerID string,
	dynamodbCreds *credentials.Credentials) *LeaseCoordinatorConfiguration {
	checkIsValueNotEmpty("ApplicationName", applicationName)
	checkIsValueNotEmpty("RegionName", regionName)

	if empty(ownerID) {
		ownerID = utils.MustNewUUID()
	}

	// populate the coordinator configuration with default values
	return &LeaseCoordinatorConfiguration{
		ApplicationName:                applicationName,
		DynamoDBCredentials:            dynamodbCreds,
		TableName:                      applicationName,
		RegionName:                     regionName,
		OwnerID:                        ownerID,
		LeaseDurationMillis:            DefaultLeaseDurationMillis,
		HeartbeatIntervalMillis:        DefaultHeartbeatIntervalMillis,
		MaxRetryCount:                  DefaultMaxRetryCount,
		InitialLeaseTableReadCapacity:  DefaultInitialLeaseTableReadCapacity,
		InitialLeaseTableWriteCapacity: DefaultInitialLeaseTableWriteCapacity,
		Logger:                         logger.GetDefaultLogger(),
	}
}

// WithDynamoDBEndpoint is used to provide an alternative DynamoDB endpoint
func (c *LeaseCoordinatorConfiguration) WithDynamoDBEndpoint(dynamoDBEndpoint string) *LeaseCoordinatorConfiguration {
	c.DynamoDBEndpoint = dynamoDBEndpoint
	return c
}

// WithTableName to provide alternative lease table in DynamoDB
func (c *LeaseCoordinatorConfiguration) WithTableName(tableName string) *LeaseCoordinatorConfiguration {
	checkIsValueNotEmpty("TableName", tableName)
	c.TableName = tableName
	return c
}

func (c *LeaseCoordinatorConfiguration) WithLeaseDurationMillis(leaseDurationMillis int) *LeaseCoordinatorConfiguration {
	checkIsValuePositive("LeaseDurationMillis", leaseDurationMillis)
	c.LeaseDurationMillis = leaseDurationMillis
	return c
}

// WithHeartbeatIntervalMillis enables lease renewal with the given timer period.
// The interval should be well below the lease duration so a healthy holder renews
// before its record can be stolen.
func (c *LeaseCoordinatorConfiguration) WithHeartbeatIntervalMillis(heartbeatIntervalMillis int) *LeaseCoordinatorConfiguration {
	checkIsValuePositive("HeartbeatIntervalMillis", heartbeatIntervalMillis)
	c.HeartbeatIntervalMillis = heartbeatIntervalMillis
	return c
}

func (c *LeaseCoordinatorConfiguration) WithMaxRetryCount(maxRetryCount int) *LeaseCoordinatorConfiguration {
	checkIsValuePositive("MaxRetryCount", maxRetryCount)
	c.MaxRetryCount = maxRetryCount
	return c
}

func (c *LeaseCoordinatorConfiguration) WithInitialLeaseTableReadCapacity(readCapacity int) *LeaseCoordinatorConfiguration {
	checkIsValuePositive("InitialLeaseTableReadCapacity", readCapacity)
	c.InitialLeaseTableReadCapacity = readCapacity
	return c
}

func (c *LeaseCoordinatorConfiguration) WithInitialLeaseTableWriteCapacity(writeCapacity int) *LeaseCoordinatorConfiguration {
	checkIsValuePositive("InitialLeaseTableWriteCapacity", writeCapacity)
	c.InitialLeaseTableWriteCapacity = writeCapacity
	return c
}

func (c *LeaseCoordinatorConfiguration) WithLogger(logger logger.Logger) *LeaseCoordinatorConfiguration {
	if logger == nil {
		log.Panic("Logger cannot be null")
	}
	c.Logger = logger
	return c
}

// WithMonitoringService sets the monitoring service to use to publish metrics.
func (c *LeaseCoordinatorConfiguration) WithMonitoringService(mService metrics.MonitoringService) *LeaseCoordinatorConfiguration {
	// Nil case is handled downward (at coordinator creation) so no need to do it here.
	// Plus the user might want to be explicit about passing a nil monitoring service here.
	c.MonitoringService = mService
	return c
}
