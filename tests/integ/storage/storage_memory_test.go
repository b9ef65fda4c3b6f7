// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

//go:build integration_storage
// +build integration_storage

package test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/JRocket1415/spark-jobserver/plugins/storage/memory"
)

func TestStorageSuiteMemory(t *testing.T) {
	backend, err := memory.New()
	if err != nil {
		panic(fmt.Sprintf("could not initialize memory storage: %v", err))
	}
	suite.Run(t, &StorageSuite{storage: backend})
}
