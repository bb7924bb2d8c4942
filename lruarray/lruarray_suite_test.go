/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package lruarray_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestLRUArrayMain(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "LRU Array Suite")
}
