// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package config

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Context is the opaque per-context configuration handed to the compute
// engine when an execution context is built. Keys the orchestration layer
// itself understands (e.g. the per-context job limit) are read through
// accessors; everything else is passed through untouched.
type Context map[string]string

// MaxJobsKey is the context configuration key overriding the per-context job
// execution slot count.
const MaxJobsKey = "jobserver.context.max-jobs"

// Merge returns a new context configuration with the values of overrides
// applied on top of cfg. Neither input is modified.
func (cfg Context) Merge(overrides Context) Context {
	merged := make(Context, len(cfg)+len(overrides))
	for k, v := range cfg {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// MaxJobs returns the configured job slot count, or fallback if the key is
// absent or malformed.
func (cfg Context) MaxJobs(fallback int) int {
	raw, ok := cfg[MaxJobsKey]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Serialize renders the context configuration as the JSON string stored in
// ContextInfo records.
func (cfg Context) Serialize() (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("could not serialize context configuration: %w", err)
	}
	return string(data), nil
}

// DeserializeContext parses a context configuration previously rendered by
// Serialize.
func DeserializeContext(data string) (Context, error) {
	if data == "" {
		return Context{}, nil
	}
	var cfg Context
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("could not deserialize context configuration: %w", err)
	}
	return cfg, nil
}
