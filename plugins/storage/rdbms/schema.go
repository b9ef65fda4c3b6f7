// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package rdbms

// schemaVersion is bumped whenever schemaStatements change incompatibly.
const schemaVersion uint64 = 1

// schemaStatements is mirrored in db/rdbms/schema.sql for manual setups.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS contexts (
		ctx_id CHAR(36) NOT NULL,
		name VARCHAR(255) NOT NULL,
		config TEXT NOT NULL,
		address VARCHAR(255) NOT NULL DEFAULT '',
		start_time DATETIME(6) NOT NULL,
		end_time DATETIME(6) NULL,
		state VARCHAR(16) NOT NULL,
		error TEXT NULL,
		PRIMARY KEY (ctx_id),
		KEY contexts_name (name),
		KEY contexts_state (state)
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id CHAR(36) NOT NULL,
		ctx_id CHAR(36) NOT NULL,
		ctx_name VARCHAR(255) NOT NULL,
		entry_point VARCHAR(255) NOT NULL,
		state VARCHAR(16) NOT NULL,
		start_time DATETIME(6) NOT NULL,
		end_time DATETIME(6) NULL,
		error TEXT NULL,
		callback_url VARCHAR(1024) NOT NULL DEFAULT '',
		PRIMARY KEY (job_id),
		KEY jobs_ctx (ctx_id),
		KEY jobs_state (state)
	)`,
	`CREATE TABLE IF NOT EXISTS job_binaries (
		job_id CHAR(36) NOT NULL,
		ord INT NOT NULL,
		app_name VARCHAR(255) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		upload_time DATETIME(6) NOT NULL,
		bin_hash CHAR(64) NOT NULL,
		PRIMARY KEY (job_id, ord),
		KEY job_binaries_name (app_name)
	)`,
	`CREATE TABLE IF NOT EXISTS configs (
		job_id CHAR(36) NOT NULL,
		config BLOB NOT NULL,
		PRIMARY KEY (job_id)
	)`,
	`CREATE TABLE IF NOT EXISTS binaries (
		app_name VARCHAR(255) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		upload_time DATETIME(6) NOT NULL,
		bin_hash CHAR(64) NOT NULL,
		PRIMARY KEY (app_name, upload_time),
		KEY binaries_hash (bin_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS binaries_contents (
		bin_hash CHAR(64) NOT NULL,
		content LONGBLOB NOT NULL,
		PRIMARY KEY (bin_hash)
	)`,
}
