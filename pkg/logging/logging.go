// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package logging

import (
	"io"

	log_prefixed "github.com/chappjc/logrus-prefix"
	"github.com/sirupsen/logrus"
)

var (
	log *logrus.Logger
)

// GetLogger returns a configured logger instance
func GetLogger(prefix string) *logrus.Entry {
	return log.WithField("prefix", prefix)
}

// SetLevel sets the log level for every logger returned by GetLogger.
func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

// ParseLevel parses a log level name into a logrus level.
func ParseLevel(level string) (logrus.Level, error) {
	return logrus.ParseLevel(level)
}

// Disable sends all logging output to the bit bucket.
func Disable() {
	log.SetOutput(io.Discard)
}

func init() {
	log = logrus.New()
	log.SetFormatter(&log_prefixed.TextFormatter{
		FullTimestamp: true,
	})
}
