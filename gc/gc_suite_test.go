/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package gc_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestGCMain(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "GC Suite")
}
