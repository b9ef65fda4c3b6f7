// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package rdbms

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/JRocket1415/spark-jobserver/pkg/cerrors"
	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

const jobColumns = "job_id, ctx_id, ctx_name, entry_point, state, start_time, end_time, error, callback_url"

func scanJob(scanner interface{ Scan(...interface{}) error }) (*job.JobInfo, error) {
	var (
		info    job.JobInfo
		id      string
		ctxID   string
		state   string
		endTime sql.NullTime
		errStr  sql.NullString
	)
	if err := scanner.Scan(&id, &ctxID, &info.ContextName, &info.EntryPoint, &state, &info.StartTime, &endTime, &errStr, &info.CallbackURL); err != nil {
		return nil, err
	}
	info.ID = types.JobID(id)
	info.ContextID = types.ContextID(ctxID)
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

func (r *RDBMS) loadJobBinaries(info *job.JobInfo) error {
	rows, err := r.db.Query("select app_name, kind, upload_time, bin_hash from job_binaries where job_id = ? order by ord", info.ID.String())
	if err != nil {
		return fmt.Errorf("could not get classpath entries for job %s: %w", info.ID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Warningf("could not close rows for job binaries: %v", err)
		}
	}()
	for rows.Next() {
		var (
			bin  job.BinaryInfo
			kind string
		)
		if err := rows.Scan(&bin.AppName, &kind, &bin.UploadTime, &bin.StorageID); err != nil {
			return fmt.Errorf("could not get classpath entries for job %s: %w", info.ID, err)
		}
		bin.Kind = job.BinaryKind(kind)
		info.Binaries = append(info.Binaries, bin)
	}
	return rows.Err()
}

// SaveJob stores a job record together with its ordered classpath
// references. A record already in a final state is left untouched.
func (r *RDBMS) SaveJob(info *job.JobInfo) error {
	if err := r.init(); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	var state string
	err := r.db.QueryRow("select state from jobs where job_id = ?", info.ID.String()).Scan(&state)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("could not look up job %s: %w", info.ID, err)
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
	insertStatement := `insert into jobs (job_id, ctx_id, ctx_name, entry_point, state, start_time, end_time, error, callback_url)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)
		on duplicate key update
			state = values(state), end_time = values(end_time), error = values(error)`
	if _, err := r.db.Exec(insertStatement, info.ID.String(), info.ContextID.String(), info.ContextName, info.EntryPoint, string(info.State), info.StartTime, endTime, errStr, info.CallbackURL); err != nil {
		return fmt.Errorf("could not store job %s in database: %w", info.ID, err)
	}

	if _, err := r.db.Exec("delete from job_binaries where job_id = ?", info.ID.String()); err != nil {
		return fmt.Errorf("could not replace classpath entries for job %s: %w", info.ID, err)
	}
	for ord, bin := range info.Binaries {
		if _, err := r.db.Exec("insert into job_binaries (job_id, ord, app_name, kind, upload_time, bin_hash) values (?, ?, ?, ?, ?, ?)",
			info.ID.String(), ord, bin.AppName, string(bin.Kind), bin.UploadTime, bin.StorageID); err != nil {
			return fmt.Errorf("could not store classpath entry %s for job %s: %w", bin.AppName, info.ID, err)
		}
	}
	return nil
}

// GetJob retrieves a job record by id
func (r *RDBMS) GetJob(id types.JobID) (*job.JobInfo, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	row := r.db.QueryRow("select "+jobColumns+" from jobs where job_id = ?", id.String())
	info, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &cerrors.ErrNoSuchJob{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("could not get job with id %s: %w", id, err)
	}
	if err := r.loadJobBinaries(info); err != nil {
		return nil, err
	}
	return info, nil
}

// ListJobs returns job records matching the query, newest first by start
// time.
//
// The binary-name filter joins jobs against the binaries table, so a job
// drops out of this query once its binary has been deleted. This differs
// from the zookeeper backend, which matches against the references embedded
// in the job record; the divergence is intentional and documented, pick the
// backend whose semantics you need.
func (r *RDBMS) ListJobs(query *storage.JobQuery) ([]*job.JobInfo, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	parts := []string{"select " + jobColumns + " from jobs"}
	qargs := []interface{}{}
	var conds []string
	if query.ContextID != "" {
		conds = append(conds, "ctx_id = ?")
		qargs = append(qargs, query.ContextID.String())
	}
	if len(query.States) > 0 {
		placeholders, args := statePlaceholders(query.States)
		conds = append(conds, "state in ("+placeholders+")")
		qargs = append(qargs, args...)
	}
	if query.BinaryName != "" {
		conds = append(conds, `exists (
			select 1 from job_binaries jb
			inner join binaries bn on bn.app_name = jb.app_name
			where jb.job_id = jobs.job_id and jb.app_name = ?)`)
		qargs = append(qargs, query.BinaryName)
	}
	if len(conds) > 0 {
		parts = append(parts, "where", strings.Join(conds, " and "))
	}
	parts = append(parts, "order by start_time desc")
	if query.Limit > 0 {
		parts = append(parts, "limit ?")
		qargs = append(qargs, query.Limit)
	}
	stmt := strings.Join(parts, " ")

	rows, err := r.db.Query(stmt, qargs...)
	if err != nil {
		return nil, fmt.Errorf("could not list jobs (sql: %q): %w", stmt, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Warningf("could not close rows for jobs: %v", err)
		}
	}()

	res := []*job.JobInfo{}
	for rows.Next() {
		info, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("could not list jobs (sql: %q): %w", stmt, err)
		}
		res = append(res, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, info := range res {
		if err := r.loadJobBinaries(info); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// GetFinalJobsOlderThan returns the terminal jobs whose end time precedes
// the cutoff
func (r *RDBMS) GetFinalJobsOlderThan(cutoff time.Time) ([]*job.JobInfo, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	placeholders, args := finalStatePlaceholders()
	stmt := "select " + jobColumns + " from jobs where state in (" + placeholders + ") and end_time is not null and end_time < ?"
	rows, err := r.db.Query(stmt, append(args, cutoff)...)
	if err != nil {
		return nil, fmt.Errorf("could not list final jobs: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Warningf("could not close rows for final jobs: %v", err)
		}
	}()

	res := []*job.JobInfo{}
	for rows.Next() {
		info, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("could not list final jobs: %w", err)
		}
		res = append(res, info)
	}
	return res, rows.Err()
}

// DeleteJobs deletes job records, their classpath references and their
// stored configurations
func (r *RDBMS) DeleteJobs(ids []types.JobID) error {
	if err := r.init(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	placeholders := make([]string, len(ids))
	qargs := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		qargs[i] = id.String()
	}
	in := "(" + strings.Join(placeholders, ", ") + ")"
	for _, table := range []string{"jobs", "job_binaries", "configs"} {
		if _, err := r.db.Exec("delete from "+table+" where job_id in "+in, qargs...); err != nil {
			return fmt.Errorf("could not delete from %s: %w", table, err)
		}
	}
	return nil
}

// SaveJobConfig stores the configuration blob of a job
func (r *RDBMS) SaveJobConfig(id types.JobID, cfg []byte) error {
	if err := r.init(); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	insertStatement := "insert into configs (job_id, config) values (?, ?) on duplicate key update config = values(config)"
	if _, err := r.db.Exec(insertStatement, id.String(), cfg); err != nil {
		return fmt.Errorf("could not store configuration for job %s: %w", id, err)
	}
	return nil
}

// GetJobConfig retrieves the configuration blob of a job
func (r *RDBMS) GetJobConfig(id types.JobID) ([]byte, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	var cfg []byte
	err := r.db.QueryRow("select config from configs where job_id = ?", id.String()).Scan(&cfg)
	if err == sql.ErrNoRows {
		return nil, &cerrors.ErrNoSuchJob{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("could not get configuration for job %s: %w", id, err)
	}
	return cfg, nil
}
