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
package store

import (
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/matryer/try"

	"github.com/vmware/vmware-go-lease/leaselibrary/config"
	"github.com/vmware/vmware-go-lease/leaselibrary/utils"
	"github.com/vmware/vmware-go-lease/logger"
)

const (
	LeaseKeyKey      = "LeaseKey"
	LeaseOwnerKey    = "LeaseOwner"
	LeaseDurationKey = "LeaseDuration"
	LeaseVersionKey  = "LeaseVersion"
	ExpiresAtKey     = "ExpiresAt"

	// NumMaxRetries is the max times of doing retry on throttled DynamoDB calls
	NumMaxRetries = 10
)

// DynamoStore implements the Store interface using DynamoDB as a backend.
// Conditional PutItem/DeleteItem expressions provide the atomic compare-and-swap,
// ConsistentRead GetItem provides the consistent read, and the table's native TTL
// on the ExpiresAt attribute reaps records of crashed holders.
type DynamoStore struct {
	log       logger.Logger
	TableName string

	leaseTableReadCapacity  int64
	leaseTableWriteCapacity int64

	svc     dynamodbiface.DynamoDBAPI
	config  *config.LeaseCoordinatorConfiguration
	Retries int
}

// NewDynamoStore creates a store for the lease table named by the configuration.
func NewDynamoStore(cfg *config.LeaseCoordinatorConfiguration) *DynamoStore {
	return &DynamoStore{
		log:                     cfg.Logger,
		TableName:               cfg.TableName,
		leaseTableReadCapacity:  int64(cfg.InitialLeaseTableReadCapacity),
		leaseTableWriteCapacity: int64(cfg.InitialLeaseTableWriteCapacity),
		config:                  cfg,
		Retries:                 NumMaxRetries,
	}
}

// WithDynamoDB is used to provide a DynamoDB service
func (s *DynamoStore) WithDynamoDB(svc dynamodbiface.DynamoDBAPI) *DynamoStore {
	s.svc = svc
	return s
}

// Init initialises the DynamoDB store
func (s *DynamoStore) Init() error {
	s.log.Infof("Creating DynamoDB session")

	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(s.config.RegionName),
		Endpoint:    aws.String(s.config.DynamoDBEndpoint),
		Credentials: s.config.DynamoDBCredentials,
		Retryer: client.DefaultRetryer{
			NumMaxRetries:    s.Retries,
			MinRetryDelay:    client.DefaultRetryerMinRetryDelay,
			MinThrottleDelay: client.DefaultRetryerMinThrottleDelay,
			MaxRetryDelay:    client.DefaultRetryerMaxRetryDelay,
			MaxThrottleDelay: client.DefaultRetryerMaxRetryDelay,
		},
	})

	if err != nil {
		// no need to move forward
		s.log.Fatalf("Failed in getting DynamoDB session for creating lease coordinator: %+v", err)
	}

	if s.svc == nil {
		s.svc = dynamodb.New(sess)
	}

	if !s.doesTableExist() {
		return s.createTable()
	}
	return nil
}

// GetRecord returns the current record for the lease key with a consistent read,
// or nil when no record exists.
func (s *DynamoStore) GetRecord(leaseKey string) (*LeaseRecord, error) {
	item, err := s.getItem(leaseKey)
	if err != nil {
		return nil, err
	}
	if len(item) == 0 {
		return nil, nil
	}
	return s.unmarshalRecord(item)
}

// ConditionalWrite stores the record iff the key is absent (empty expectedVersion)
// or the stored version matches expectedVersion.
func (s *DynamoStore) ConditionalWrite(expectedVersion string, record *LeaseRecord) error {
	var conditionalExpression string
	var expressionAttributeValues map[string]*dynamodb.AttributeValue

	if expectedVersion == "" {
		conditionalExpression = "attribute_not_exists(" + LeaseKeyKey + ")"
	} else {
		conditionalExpression = LeaseVersionKey + " = :version"
		expressionAttributeValues = map[string]*dynamodb.AttributeValue{
			":version": {
				S: aws.String(expectedVersion),
			},
		}
	}

	marshalledRecord := map[string]*dynamodb.AttributeValue{
		LeaseKeyKey: {
			S: aws.String(record.LeaseKey),
		},
		LeaseOwnerKey: {
			S: aws.String(record.LeaseOwner),
		},
		LeaseDurationKey: {
			N: aws.String(strconv.FormatInt(record.DurationMillis, 10)),
		},
		LeaseVersionKey: {
			S: aws.String(record.Version),
		},
		ExpiresAtKey: {
			N: aws.String(strconv.FormatInt(record.ExpiresAt, 10)),
		},
	}

	err := s.putItem(&dynamodb.PutItemInput{
		ConditionExpression:       aws.String(conditionalExpression),
		TableName:                 aws.String(s.TableName),
		Item:                      marshalledRecord,
		ExpressionAttributeValues: expressionAttributeValues,
	})
	if err != nil {
		if utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
			return ErrConditionalCheckFailed
		}
		return err
	}
	return nil
}

// ConditionalDelete removes the record iff its stored version matches expectedVersion.
func (s *DynamoStore) ConditionalDelete(leaseKey, expectedVersion string) error {
	err := s.removeItem(&dynamodb.DeleteItemInput{
		TableName: aws.String(s.TableName),
		Key: map[string]*dynamodb.AttributeValue{
			LeaseKeyKey: {
				S: aws.String(leaseKey),
			},
		},
		ConditionExpression: aws.String(LeaseVersionKey + " = :version"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":version": {
				S: aws.String(expectedVersion),
			},
		},
	})
	if err != nil {
		if utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
			return ErrConditionalCheckFailed
		}
		return err
	}
	return nil
}

func (s *DynamoStore) unmarshalRecord(item map[string]*dynamodb.AttributeValue) (*LeaseRecord, error) {
	record := &LeaseRecord{}

	if leaseKey, ok := item[LeaseKeyKey]; ok {
		record.LeaseKey = aws.StringValue(leaseKey.S)
	}
	if leaseOwner, ok := item[LeaseOwnerKey]; ok {
		record.LeaseOwner = aws.StringValue(leaseOwner.S)
	}
	if version, ok := item[LeaseVersionKey]; ok {
		record.Version = aws.StringValue(version.S)
	}
	if duration, ok := item[LeaseDurationKey]; ok && duration.N != nil {
		durationMillis, err := strconv.ParseInt(aws.StringValue(duration.N), 10, 64)
		if err != nil {
			return nil, err
		}
		record.DurationMillis = durationMillis
	}
	if expiresAt, ok := item[ExpiresAtKey]; ok && expiresAt.N != nil {
		expiry, err := strconv.ParseInt(aws.StringValue(expiresAt.N), 10, 64)
		if err != nil {
			return nil, err
		}
		record.ExpiresAt = expiry
	}

	return record, nil
}

func (s *DynamoStore) createTable() error {
	input := &dynamodb.CreateTableInput{
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(LeaseKeyKey),
				AttributeType: aws.String("S"),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(LeaseKeyKey),
				KeyType:       aws.String("HASH"),
			},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(s.leaseTableReadCapacity),
			WriteCapacityUnits: aws.Int64(s.leaseTableWriteCapacity),
		},
		TableName: aws.String(s.TableName),
	}
	_, err := s.svc.CreateTable(input)
	if err != nil {
		return err
	}

	err = s.svc.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(s.TableName),
	})
	if err != nil {
		return err
	}

	// Expired records are reaped by DynamoDB itself, so a crashed holder never
	// leaves a permanent row behind.
	_, err = s.svc.UpdateTimeToLive(&dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(s.TableName),
		TimeToLiveSpecification: &dynamodb.TimeToLiveSpecification{
			AttributeName: aws.String(ExpiresAtKey),
			Enabled:       aws.Bool(true),
		},
	})
	return err
}

func (s *DynamoStore) doesTableExist() bool {
	input := &dynamodb.DescribeTableInput{
		TableName: aws.String(s.TableName),
	}
	_, err := s.svc.DescribeTable(input)
	return err == nil
}

func (s *DynamoStore) putItem(input *dynamodb.PutItemInput) error {
	return try.Do(func(attempt int) (bool, error) {
		_, err := s.svc.PutItem(input)
		return s.shouldRetry(attempt, err), err
	})
}

func (s *DynamoStore) getItem(leaseKey string) (map[string]*dynamodb.AttributeValue, error) {
	var item *dynamodb.GetItemOutput
	err := try.Do(func(attempt int) (bool, error) {
		var err error
		item, err = s.svc.GetItem(&dynamodb.GetItemInput{
			TableName: aws.String(s.TableName),
			Key: map[string]*dynamodb.AttributeValue{
				LeaseKeyKey: {
					S: aws.String(leaseKey),
				},
			},
			// The protocol needs the latest committed write, not a stale replica.
			ConsistentRead: aws.Bool(true),
		})
		return s.shouldRetry(attempt, err), err
	})
	if err != nil {
		return nil, err
	}
	return item.Item, nil
}

func (s *DynamoStore) removeItem(input *dynamodb.DeleteItemInput) error {
	return try.Do(func(attempt int) (bool, error) {
		_, err := s.svc.DeleteItem(input)
		return s.shouldRetry(attempt, err), err
	})
}

func (s *DynamoStore) shouldRetry(attempt int, err error) bool {
	code := utils.AWSErrCode(err)
	if (code == dynamodb.ErrCodeProvisionedThroughputExceededException ||
		code == dynamodb.ErrCodeInternalServerError) && attempt < s.Retries {
		// Backoff time as recommended by https://docs.aws.amazon.com/general/latest/gr/api-retries.html
		time.Sleep(time.Duration(math.Exp2(float64(attempt))*100) * time.Millisecond)
		return true
	}
	return false
}
