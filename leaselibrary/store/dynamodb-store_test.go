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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"

	cfg "github.com/vmware/vmware-go-lease/leaselibrary/config"
)

func newTestStore(svc dynamodbiface.DynamoDBAPI) *DynamoStore {
	config := cfg.NewLeaseCoordinatorConfig("appName", "us-west-2", "owner-a")
	return NewDynamoStore(config).WithDynamoDB(svc)
}

func TestDoesTableExist(t *testing.T) {
	svc := &mockDynamoDB{tableExist: true, items: map[string]map[string]*dynamodb.AttributeValue{}}
	store := newTestStore(svc)
	if !store.doesTableExist() {
		t.Error("Table exists but returned false")
	}

	svc = &mockDynamoDB{tableExist: false}
	store.svc = svc
	if store.doesTableExist() {
		t.Error("Table does not exist but returned true")
	}
}

func TestInitCreatesTableWithTTL(t *testing.T) {
	svc := &mockDynamoDB{tableExist: false, items: map[string]map[string]*dynamodb.AttributeValue{}}
	store := newTestStore(svc)

	err := store.Init()
	assert.Nil(t, err)
	assert.True(t, svc.tableExist)
	assert.Equal(t, ExpiresAtKey, svc.ttlAttribute)
}

func TestConditionalWriteNewRecord(t *testing.T) {
	svc := &mockDynamoDB{tableExist: true, items: map[string]map[string]*dynamodb.AttributeValue{}}
	store := newTestStore(svc)

	record := NewLeaseRecord("resource-1", "owner-a", "version-1", 500)
	err := store.ConditionalWrite("", record)
	assert.Nil(t, err)

	got, err := store.GetRecord("resource-1")
	assert.Nil(t, err)
	assert.Equal(t, record.LeaseKey, got.LeaseKey)
	assert.Equal(t, record.LeaseOwner, got.LeaseOwner)
	assert.Equal(t, record.DurationMillis, got.DurationMillis)
	assert.Equal(t, record.Version, got.Version)
	assert.Equal(t, record.ExpiresAt, got.ExpiresAt)
}

func TestConditionalWriteConflicts(t *testing.T) {
	svc := &mockDynamoDB{tableExist: true, items: map[string]map[string]*dynamodb.AttributeValue{}}
	store := newTestStore(svc)

	first := NewLeaseRecord("resource-1", "owner-a", "version-1", 500)
	assert.Nil(t, store.ConditionalWrite("", first))

	// the key is no longer absent
	second := NewLeaseRecord("resource-1", "owner-b", "version-2", 500)
	err := store.ConditionalWrite("", second)
	assert.True(t, errors.Is(err, ErrConditionalCheckFailed))

	// a mismatched version loses the swap
	err = store.ConditionalWrite("version-0", second)
	assert.True(t, errors.Is(err, ErrConditionalCheckFailed))

	// the observed version wins it
	err = store.ConditionalWrite("version-1", second)
	assert.Nil(t, err)

	got, err := store.GetRecord("resource-1")
	assert.Nil(t, err)
	assert.Equal(t, "owner-b", got.LeaseOwner)
	assert.Equal(t, "version-2", got.Version)
}

func TestConditionalDelete(t *testing.T) {
	svc := &mockDynamoDB{tableExist: true, items: map[string]map[string]*dynamodb.AttributeValue{}}
	store := newTestStore(svc)

	record := NewLeaseRecord("resource-1", "owner-a", "version-1", 500)
	assert.Nil(t, store.ConditionalWrite("", record))

	err := store.ConditionalDelete("resource-1", "version-0")
	assert.True(t, errors.Is(err, ErrConditionalCheckFailed))

	err = store.ConditionalDelete("resource-1", "version-1")
	assert.Nil(t, err)

	got, err := store.GetRecord("resource-1")
	assert.Nil(t, err)
	assert.Nil(t, got)
}

func TestGetRecordUsesConsistentRead(t *testing.T) {
	svc := &mockDynamoDB{tableExist: true, items: map[string]map[string]*dynamodb.AttributeValue{}}
	store := newTestStore(svc)

	_, err := store.GetRecord("resource-1")
	assert.Nil(t, err)
	assert.True(t, svc.consistentRead)
}

func TestRecordExpiry(t *testing.T) {
	record := NewLeaseRecord("resource-1", "owner-a", "version-1", 500)

	// a fresh record carries three lease durations of slack; the expiry rounds up
	// to the next whole second, so probe well past the boundary
	assert.False(t, record.IsExpired(time.Now()))
	assert.True(t, record.IsExpired(time.Now().Add(4*time.Second)))
}

func TestRecordKeepsFullSlack(t *testing.T) {
	for _, durationMillis := range []int64{50, 200, 450} {
		record := NewLeaseRecord("resource-1", "owner-a", "version-1", durationMillis)
		slack := time.Duration(ExpiryMultiplier*durationMillis) * time.Millisecond

		// sub-second durations must never floor the expiry into the past
		if record.IsExpired(time.Now()) {
			t.Errorf("Record with %dms duration was expired at birth", durationMillis)
		}
		if record.IsExpired(time.Now().Add(slack)) {
			t.Errorf("Record with %dms duration expired before its %s slack elapsed", durationMillis, slack)
		}
	}
}

type mockDynamoDB struct {
	dynamodbiface.DynamoDBAPI
	tableExist     bool
	ttlAttribute   string
	consistentRead bool
	items          map[string]map[string]*dynamodb.AttributeValue
}

func (m *mockDynamoDB) DescribeTable(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
	if !m.tableExist {
		return &dynamodb.DescribeTableOutput{}, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "doesNotExist", errors.New(""))
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (m *mockDynamoDB) CreateTable(input *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
	m.tableExist = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (m *mockDynamoDB) WaitUntilTableExists(input *dynamodb.DescribeTableInput) error {
	return nil
}

func (m *mockDynamoDB) UpdateTimeToLive(input *dynamodb.UpdateTimeToLiveInput) (*dynamodb.UpdateTimeToLiveOutput, error) {
	m.ttlAttribute = aws.StringValue(input.TimeToLiveSpecification.AttributeName)
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func (m *mockDynamoDB) PutItem(input *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
	key := aws.StringValue(input.Item[LeaseKeyKey].S)
	current, exists := m.items[key]

	condition := aws.StringValue(input.ConditionExpression)
	if strings.HasPrefix(condition, "attribute_not_exists") {
		if exists {
			return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "exists", errors.New(""))
		}
	} else {
		expected := aws.StringValue(input.ExpressionAttributeValues[":version"].S)
		if !exists || aws.StringValue(current[LeaseVersionKey].S) != expected {
			return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "version mismatch", errors.New(""))
		}
	}

	m.items[key] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDB) GetItem(input *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
	m.consistentRead = aws.BoolValue(input.ConsistentRead)
	key := aws.StringValue(input.Key[LeaseKeyKey].S)
	item, ok := m.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (m *mockDynamoDB) DeleteItem(input *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
	key := aws.StringValue(input.Key[LeaseKeyKey].S)
	current, exists := m.items[key]

	expected := aws.StringValue(input.ExpressionAttributeValues[":version"].S)
	if !exists || aws.StringValue(current[LeaseVersionKey].S) != expected {
		return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "version mismatch", errors.New(""))
	}

	delete(m.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}
