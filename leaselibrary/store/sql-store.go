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
	"context"
	"database/sql"
	"fmt"

	"github.com/vmware/vmware-go-lease/leaselibrary/config"
	"github.com/vmware/vmware-go-lease/logger"
)

// SQLStore implements the Store interface on top of a relational database
// reachable through database/sql. The driver is the caller's choice; the store
// only assumes PostgreSQL-style positional placeholders and single-statement
// atomicity, which is what makes the conditional writes safe under contention.
//
// Unlike the DynamoDB backend there is no server-side TTL reaper here. Expired
// rows simply lose their protection: any acquirer may overwrite them through the
// usual version check.
type SQLStore struct {
	log       logger.Logger
	TableName string
	db        *sql.DB
	config    *config.LeaseCoordinatorConfiguration
}

// NewSQLStore creates a store writing lease records to the given database. The
// caller owns the *sql.DB and is responsible for closing it.
func NewSQLStore(cfg *config.LeaseCoordinatorConfiguration, db *sql.DB) *SQLStore {
	return &SQLStore{
		log:       cfg.Logger,
		TableName: cfg.TableName,
		db:        db,
		config:    cfg,
	}
}

// Init verifies connectivity and creates the lease table if it is missing.
func (s *SQLStore) Init() error {
	if err := s.db.PingContext(context.Background()); err != nil {
		return err
	}

	_, err := s.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		lease_key TEXT PRIMARY KEY,
		lease_owner TEXT NOT NULL,
		lease_duration BIGINT NOT NULL,
		lease_version TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	)`, s.TableName))
	if err != nil {
		s.log.Errorf("Failed to create lease table %s: %+v", s.TableName, err)
		return err
	}
	return nil
}

func (s *SQLStore) GetRecord(leaseKey string) (*LeaseRecord, error) {
	record := &LeaseRecord{LeaseKey: leaseKey}

	query := fmt.Sprintf(
		"SELECT lease_owner, lease_duration, lease_version, expires_at FROM %s WHERE lease_key = $1",
		s.TableName)
	err := s.db.QueryRow(query, leaseKey).
		Scan(&record.LeaseOwner, &record.DurationMillis, &record.Version, &record.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *SQLStore) ConditionalWrite(expectedVersion string, record *LeaseRecord) error {
	var result sql.Result
	var err error

	if expectedVersion == "" {
		query := fmt.Sprintf(
			"INSERT INTO %s (lease_key, lease_owner, lease_duration, lease_version, expires_at) "+
				"VALUES ($1, $2, $3, $4, $5) ON CONFLICT (lease_key) DO NOTHING",
			s.TableName)
		result, err = s.db.Exec(query,
			record.LeaseKey, record.LeaseOwner, record.DurationMillis, record.Version, record.ExpiresAt)
	} else {
		query := fmt.Sprintf(
			"UPDATE %s SET lease_owner = $1, lease_duration = $2, lease_version = $3, expires_at = $4 "+
				"WHERE lease_key = $5 AND lease_version = $6",
			s.TableName)
		result, err = s.db.Exec(query,
			record.LeaseOwner, record.DurationMillis, record.Version, record.ExpiresAt,
			record.LeaseKey, expectedVersion)
	}
	if err != nil {
		return err
	}
	return s.checkAffected(result)
}

func (s *SQLStore) ConditionalDelete(leaseKey, expectedVersion string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE lease_key = $1 AND lease_version = $2", s.TableName)
	result, err := s.db.Exec(query, leaseKey, expectedVersion)
	if err != nil {
		return err
	}
	return s.checkAffected(result)
}

// checkAffected maps a zeroed row count, i.e. a failed precondition, onto the
// conditional-check error the lease layer keys on.
func (s *SQLStore) checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConditionalCheckFailed
	}
	return nil
}
