// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package rdbms

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JRocket1415/spark-jobserver/pkg/cerrors"
	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

// statePlaceholders renders an IN (?, ?, ...) fragment together with the
// query arguments for a list of states.
func statePlaceholders(states []job.State) (string, []interface{}) {
	placeholders := make([]string, len(states))
	args := make([]interface{}, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(placeholders, ", "), args
}

func finalStatePlaceholders() (string, []interface{}) {
	return statePlaceholders(job.FinalStates)
}

func marshalJobError(jobErr *job.Error) (sql.NullString, error) {
	if jobErr == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(jobErr)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("could not serialize error record: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJobError(raw sql.NullString) (*job.Error, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	jobErr := job.Error{}
	if err := json.Unmarshal([]byte(raw.String), &jobErr); err != nil {
		return nil, fmt.Errorf("could not deserialize error record: %w", err)
	}
	return &jobErr, nil
}

// SaveContext stores a context record. A record already in a final state is
// left untouched.
func (r *RDBMS) SaveContext(info *job.ContextInfo) error {
	if err := r.init(); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	var state string
	err := r.db.QueryRow("select state from contexts where ctx_id = ?", info.ID.String()).Scan(&state)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("could not look up context %s: %w", info.ID, err)
	}
	if err == nil && job.State(state).IsFinal() {
		return nil
	}

	errStr, merr := marshalJobError(info.Error)
	if merr != nil {
		return merr
	}
	var endTime sql.NullTime
	if info.EndTime != nil {
		endTime = sql.NullTime{Time: *info.EndTime, Valid: true}
	}
	insertStatement := `insert into contexts (ctx_id, name, config, address, start_time, end_time, state, error)
		values (?, ?, ?, ?, ?, ?, ?, ?)
		on duplicate key update
			config = values(config), address = values(address), end_time = values(end_time),
			state = values(state), error = values(error)`
	if _, err := r.db.Exec(insertStatement, info.ID.String(), info.Name, info.Config, info.Address, info.StartTime, endTime, string(info.State), errStr); err != nil {
		return fmt.Errorf("could not store context %s in database: %w", info.ID, err)
	}
	return nil
}

const contextColumns = "ctx_id, name, config, address, start_time, end_time, state, error"

func scanContext(scanner interface{ Scan(...interface{}) error }) (*job.ContextInfo, error) {
	var (
		info    job.ContextInfo
		id      string
		state   string
		endTime sql.NullTime
		errStr  sql.NullString
	)
	if err := scanner.Scan(&id, &info.Name, &info.Config, &info.Address, &info.StartTime, &endTime, &state, &errStr); err != nil {
		return nil, err
	}
	info.ID = types.ContextID(id)
	info.State = job.State(state)
	if endTime.Valid {
		t := endTime.Time
		info.EndTime = &t
	}
	jobErr, err := unmarshalJobError(errStr)
	if err != nil {
		return nil, err
	}
	info.Error = jobErr
	return &info, nil
}

// GetContext retrieves a context record by id
func (r *RDBMS) GetContext(id types.ContextID) (*job.ContextInfo, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	row := r.db.QueryRow("select "+contextColumns+" from contexts where ctx_id = ?", id.String())
	info, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, &cerrors.ErrNoSuchContext{Name: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("could not get context with id %s: %w", id, err)
	}
	return info, nil
}

// GetContextByName retrieves the most recently started context record with
// the given name
func (r *RDBMS) GetContextByName(name string) (*job.ContextInfo, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	row := r.db.QueryRow("select "+contextColumns+" from contexts where name = ? order by start_time desc limit 1", name)
	info, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, &cerrors.ErrNoSuchContext{Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("could not get context with name %s: %w", name, err)
	}
	return info, nil
}

// ListContexts returns context records matching the query, newest first by
// start time
func (r *RDBMS) ListContexts(query *storage.ContextQuery) ([]*job.ContextInfo, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	stmt := "select " + contextColumns + " from contexts"
	qargs := []interface{}{}
	if len(query.States) > 0 {
		placeholders, args := statePlaceholders(query.States)
		stmt += " where state in (" + placeholders + ")"
		qargs = append(qargs, args...)
	}
	stmt += " order by start_time desc"
	if query.Limit > 0 {
		stmt += " limit ?"
		qargs = append(qargs, query.Limit)
	}

	rows, err := r.db.Query(stmt, qargs...)
	if err != nil {
		return nil, fmt.Errorf("could not list contexts (sql: %q): %w", stmt, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Warningf("could not close rows for contexts: %v", err)
		}
	}()

	res := []*job.ContextInfo{}
	for rows.Next() {
		info, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("could not list contexts (sql: %q): %w", stmt, err)
		}
		res = append(res, info)
	}
	return res, rows.Err()
}

// DeleteFinalContextsOlderThan deletes exactly the terminal contexts whose
// end time precedes the cutoff
func (r *RDBMS) DeleteFinalContextsOlderThan(cutoff time.Time) (int, error) {
	if err := r.init(); err != nil {
		return 0, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	placeholders, args := finalStatePlaceholders()
	stmt := "delete from contexts where state in (" + placeholders + ") and end_time is not null and end_time < ?"
	result, err := r.db.Exec(stmt, append(args, cutoff)...)
	if err != nil {
		return 0, fmt.Errorf("could not delete final contexts: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("could not count deleted contexts: %w", err)
	}
	return int(deleted), nil
}
