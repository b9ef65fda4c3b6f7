// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package config

import "time"

// DefaultDBURI represents the default URI used by the rdbms storage plugin
const DefaultDBURI = "jobserver:jobserver@tcp(localhost:3306)/jobserver?parseTime=true"

// DefaultZKServers represents the default server list used by the zookeeper
// storage plugin
const DefaultZKServers = "localhost:2181"

// ContextCreationTimeout represents the maximum time the supervisor waits for
// a new job manager to build its execution context before the creation is
// treated as failed and the partially created manager is torn down.
var ContextCreationTimeout = 40 * time.Second

// ContextDeletionTimeout represents the maximum time the supervisor waits for
// a job manager to confirm graceful termination before surfacing a stop
// error to the caller.
var ContextDeletionTimeout = 40 * time.Second

// ReconnectTimeout represents the maximum time the supervisor spends, per
// context, trying to resolve a live handle at its previously recorded address
// during startup reconciliation.
var ReconnectTimeout = 15 * time.Second

// DefaultMaxJobsPerContext is the number of job execution slots per context
// when the context configuration does not override it.
var DefaultMaxJobsPerContext = 8

// DefaultRetentionInterval is the period of the facade's retention cleanup
// loop, when retention is enabled.
var DefaultRetentionInterval = 1 * time.Hour
