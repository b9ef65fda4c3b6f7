// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package rdbms

import (
	"database/sql"
	"fmt"

	"github.com/JRocket1415/spark-jobserver/pkg/cerrors"
	"github.com/JRocket1415/spark-jobserver/pkg/job"
)

// SaveBinaryInfo stores one binary metadata entry
func (r *RDBMS) SaveBinaryInfo(info *job.BinaryInfo) error {
	if err := r.init(); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	insertStatement := `insert into binaries (app_name, kind, upload_time, bin_hash) values (?, ?, ?, ?)
		on duplicate key update kind = values(kind), bin_hash = values(bin_hash)`
	if _, err := r.db.Exec(insertStatement, info.AppName, string(info.Kind), info.UploadTime, info.StorageID); err != nil {
		return fmt.Errorf("could not store binary metadata for %s: %w", info.AppName, err)
	}
	return nil
}

func scanBinary(scanner interface{ Scan(...interface{}) error }) (*job.BinaryInfo, error) {
	var (
		info job.BinaryInfo
		kind string
	)
	if err := scanner.Scan(&info.AppName, &kind, &info.UploadTime, &info.StorageID); err != nil {
		return nil, err
	}
	info.Kind = job.BinaryKind(kind)
	return &info, nil
}

// GetBinary returns the most recently uploaded metadata entry for an app
// name
func (r *RDBMS) GetBinary(appName string) (*job.BinaryInfo, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	row := r.db.QueryRow("select app_name, kind, upload_time, bin_hash from binaries where app_name = ? order by upload_time desc limit 1", appName)
	info, err := scanBinary(row)
	if err == sql.ErrNoRows {
		return nil, &cerrors.ErrNoSuchBinary{AppName: appName}
	}
	if err != nil {
		return nil, fmt.Errorf("could not get binary %s: %w", appName, err)
	}
	return info, nil
}

// GetBinariesByStorageID returns one metadata entry per distinct app name
// sharing the storage id
func (r *RDBMS) GetBinariesByStorageID(storageID string) ([]*job.BinaryInfo, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	stmt := `select b.app_name, b.kind, b.upload_time, b.bin_hash from binaries b
		inner join (select app_name, max(upload_time) as upload_time from binaries where bin_hash = ? group by app_name) latest
		on b.app_name = latest.app_name and b.upload_time = latest.upload_time
		order by b.app_name`
	rows, err := r.db.Query(stmt, storageID)
	if err != nil {
		return nil, fmt.Errorf("could not get binaries with storage id %s: %w", storageID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Warningf("could not close rows for binaries: %v", err)
		}
	}()

	res := []*job.BinaryInfo{}
	for rows.Next() {
		info, err := scanBinary(rows)
		if err != nil {
			return nil, fmt.Errorf("could not get binaries with storage id %s: %w", storageID, err)
		}
		res = append(res, info)
	}
	return res, rows.Err()
}

// DeleteBinary removes all metadata entries for an app name. The stored
// content is left alone, as other app names may reference the same blob.
func (r *RDBMS) DeleteBinary(appName string) error {
	if err := r.init(); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	result, err := r.db.Exec("delete from binaries where app_name = ?", appName)
	if err != nil {
		return fmt.Errorf("could not delete binary %s: %w", appName, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not count deleted binaries: %w", err)
	}
	if deleted == 0 {
		return &cerrors.ErrNoSuchBinary{AppName: appName}
	}
	return nil
}

// SaveBlob stores content under its storage id, once per distinct content
func (r *RDBMS) SaveBlob(storageID string, content []byte) error {
	if err := r.init(); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	// identical content maps to the same storage id, keep the existing row
	insertStatement := "insert into binaries_contents (bin_hash, content) values (?, ?) on duplicate key update bin_hash = bin_hash"
	if _, err := r.db.Exec(insertStatement, storageID, content); err != nil {
		return fmt.Errorf("could not store binary content %s: %w", storageID, err)
	}
	return nil
}

// GetBlob returns the content stored under a storage id
func (r *RDBMS) GetBlob(storageID string) ([]byte, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	var content []byte
	err := r.db.QueryRow("select content from binaries_contents where bin_hash = ?", storageID).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, &cerrors.ErrNoSuchBinary{AppName: storageID}
	}
	if err != nil {
		return nil, fmt.Errorf("could not get binary content %s: %w", storageID, err)
	}
	return content, nil
}

// DeleteBlob removes the content stored under a storage id
func (r *RDBMS) DeleteBlob(storageID string) error {
	if err := r.init(); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, err := r.db.Exec("delete from binaries_contents where bin_hash = ?", storageID); err != nil {
		return fmt.Errorf("could not delete binary content %s: %w", storageID, err)
	}
	return nil
}
