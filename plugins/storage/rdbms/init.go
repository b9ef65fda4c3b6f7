// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package rdbms

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/JRocket1415/spark-jobserver/pkg/logging"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"

	// this blank import registers the mysql driver
	_ "github.com/go-sql-driver/mysql"
)

var log = logging.GetLogger("plugin/storage/rdbms")

// RDBMS implements a storage engine which stores contexts, jobs, job
// configurations and binaries in a relational database via the database/sql
// package. With the current implementation, only MySQL is officially
// supported. Prepared statements are not used, as not all MySQL connectors
// implementing database/sql support them.
type RDBMS struct {
	driverName string
	dbURI      string

	initOnce *sync.Once
	// lock serializes statements that read-modify-write records, so that
	// the final-state guard cannot race with itself.
	lock *sync.Mutex

	db *sql.DB
}

// Opt is a function type that sets parameters on the RDBMS object
type Opt func(rdbms *RDBMS)

// DriverName allows using a mysql-compatible driver (e.g. a wrapper around
// mysql or a syntax-compatible variant).
func DriverName(name string) Opt {
	return func(rdbms *RDBMS) {
		rdbms.driverName = name
	}
}

// New creates a RDBMS storage backend with default parameters
func New(dbURI string, opts ...Opt) storage.ResettableStorage {
	backend := RDBMS{
		dbURI:    dbURI,
		initOnce: &sync.Once{},
		lock:     &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(&backend)
	}
	return &backend
}

func (r *RDBMS) init() error {
	initFunc := func() error {
		driverName := "mysql"
		if r.driverName != "" {
			driverName = r.driverName
		}
		db, err := sql.Open(driverName, r.dbURI)
		if err != nil {
			return fmt.Errorf("could not initialize database: %v", err)
		}
		r.db = db
		for _, stmt := range schemaStatements {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("could not set up database schema: %w", err)
			}
		}
		return nil
	}

	var initErr error
	r.initOnce.Do(func() {
		initErr = initFunc()
	})
	if initErr != nil {
		return initErr
	}
	if r.db == nil {
		return fmt.Errorf("database was not initialized correctly")
	}
	return nil
}

// Version returns the version of the schema this backend speaks
func (r *RDBMS) Version() (uint64, error) {
	if err := r.init(); err != nil {
		return 0, err
	}
	return schemaVersion, nil
}

// Reset restores a clean state in the database. It's meant to be used after
// integration tests. As it's a potentially dangerous operation, it's not part
// of the Storage interface.
func (r *RDBMS) Reset() error {
	if err := r.init(); err != nil {
		return fmt.Errorf("could not initialize database: %v", err)
	}
	for _, table := range []string{"contexts", "jobs", "job_binaries", "configs", "binaries", "binaries_contents"} {
		if _, err := r.db.Exec("truncate " + table); err != nil {
			return fmt.Errorf("could not truncate table %s: %v", table, err)
		}
	}
	return nil
}
