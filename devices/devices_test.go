// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	for _, tc := range []struct {
		config  string
		driver  string
		ordinal int
	}{
		{"", "", 0},
		{"cuda", "cuda", 0},
		{"cuda:", "cuda", 0},
		{"emulated:3", "emulated", 3},
		{":2", "", 2},
	} {
		driver, ordinal, err := ParseConfig(tc.config)
		require.NoError(t, err, "config %q", tc.config)
		assert.Equal(t, tc.driver, driver, "config %q", tc.config)
		assert.Equal(t, tc.ordinal, ordinal, "config %q", tc.config)
	}

	for _, config := range []string{"cuda:x", "cuda:-1"} {
		_, _, err := ParseConfig(config)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfiguration))
	}
}

func TestNewWithConfigUnknownDriver(t *testing.T) {
	Register("testonly", func(ordinal int) (Context, error) {
		return nil, errors.Errorf("not a real driver (ordinal %d)", ordinal)
	})
	require.Contains(t, List(), "testonly")

	_, err := NewWithConfig("doesnotexist:0")
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewWithConfig("testonly:1")
	require.ErrorContains(t, err, "ordinal 1")
}

func TestDim3(t *testing.T) {
	assert.Equal(t, 1, Dim3{}.Size())
	assert.Equal(t, 12, Dim3{X: 3, Y: 4}.Size())
}
