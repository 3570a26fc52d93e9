/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package servo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterMean(t *testing.T) {
	f := NewFilter(FilterConfig{Size: 3, Weighting: WeightingMean})
	require.Equal(t, int64(10), f.Add(10))
	require.Equal(t, int64(15), f.Add(20))
	require.Equal(t, int64(20), f.Add(30))
	// oldest sample falls out
	require.Equal(t, int64(30), f.Add(40))
	require.Equal(t, 3, f.Len())
	require.Equal(t, int64(30), f.Value())
	require.Greater(t, f.Stddev(), 8.0)
	require.LessOrEqual(t, f.Stddev(), 10.0001)
}

func TestFilterMedian(t *testing.T) {
	f := NewFilter(FilterConfig{Size: 5, Weighting: WeightingMedian})
	for _, v := range []int64{100, 102, 5000, 98} {
		f.Add(v)
	}
	require.Equal(t, int64(101), f.Value())
	require.Equal(t, int64(100), f.Add(-7000))
}

func TestFilterExponential(t *testing.T) {
	f := NewFilter(FilterConfig{Size: 4, Weighting: WeightingExponential, Stiffness: 2})
	require.Equal(t, int64(1000), f.Add(1000))
	require.Equal(t, int64(750), f.Add(0))
	require.Equal(t, int64(563), f.Add(0))
}

func TestFilterReset(t *testing.T) {
	f := NewFilter(FilterConfig{Size: 0})
	require.Equal(t, int64(5), f.Add(5))
	require.Equal(t, int64(7), f.Add(7))
	f.Reset()
	require.Equal(t, 0, f.Len())
	require.Equal(t, int64(0), f.Value())
	require.Equal(t, int64(-3), f.Add(-3))
}

func TestWeightingText(t *testing.T) {
	var w Weighting
	require.NoError(t, w.UnmarshalText([]byte("Median")))
	require.Equal(t, WeightingMedian, w)
	require.Error(t, w.UnmarshalText([]byte("kalman")))
	b, err := WeightingExponential.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "exponential", string(b))
}
