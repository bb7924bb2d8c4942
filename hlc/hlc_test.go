/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package hlc_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vosdb/vosengine/hlc"
)

func TestNowStrictlyIncreasing(t *testing.T) {
	c := hlc.New(0)
	prev, err := c.Now()
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		next, err := c.Now()
		require.NoError(t, err)
		require.True(t, prev.Less(next), "hlc must be strictly increasing")
		prev = next
	}
}

func TestNowConcurrentCASDistinct(t *testing.T) {
	c := hlc.New(0)
	const n = 64
	out := make([]hlc.Timestamp, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			ts, err := c.Now()
			require.NoError(t, err)
			out[i] = ts
		}()
	}
	wg.Wait()
	seen := make(map[hlc.Timestamp]bool, n)
	for _, ts := range out {
		require.False(t, seen[ts], "duplicate hlc timestamp under concurrency")
		seen[ts] = true
	}
}

func TestTimespecRoundTrip(t *testing.T) {
	ts := hlc.FromTimespec(1_700_000_000, 123456)
	sec, nsec := hlc.ToTimespec(ts)
	require.Equal(t, int64(1_700_000_000), sec)
	require.Equal(t, int64(123456), nsec)
}

func TestRecvRejectsSkewBeyondEpsilon(t *testing.T) {
	c := hlc.New(0) // default 1s epsilon
	local, err := c.Now()
	require.NoError(t, err)
	farFuture := hlc.FromTimespec(hlc.ToUnixNanos(local)/1e9+3600, 0)
	_, err = c.Recv(farFuture)
	require.Error(t, err)
}
