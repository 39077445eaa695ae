// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"

	"github.com/gomlx/gpt2pipe/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMesh(t *testing.T) {
	t.Run("NewDeviceMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantRank  int
			wantNum   int
		}{
			{"1D mesh", []int{8}, []string{"pipeline"}, 1, 8},
			{"2D mesh", []int{2, 4}, []string{"pipeline", "tensor"}, 2, 8},
			{"3D mesh", []int{2, 2, 2}, []string{"pipeline", "data", "tensor"}, 3, 8},
			{"single device", []int{1}, []string{"replica"}, 1, 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
			})
		}
	})

	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantErr   string
		}{
			{"mismatched lengths", []int{2, 4}, []string{"x"}, "must have the same length"},
			{"empty shape", []int{}, []string{}, "cannot be empty"},
			{"empty axis name", []int{4}, []string{""}, "axis name at index 0 cannot be empty"},
			{"invalid axis name", []int{4}, []string{"1x"}, "not a valid identifier"},
			{"duplicate axis names", []int{2, 4}, []string{"x", "x"}, "axis name \"x\" is duplicated"},
			{"zero sized axis", []int{2, 0}, []string{"x", "y"}, "it must be >= 1"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("AxisSize", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 4}, []string{"pipeline", "tensor"})
		require.NoError(t, err)
		size, err := mesh.AxisSize("tensor")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		_, err = mesh.AxisSize("data")
		require.Error(t, err)
		assert.Equal(t, "DeviceMesh(axesSizes={pipeline: 2, tensor: 4})", mesh.String())
	})

	t.Run("Coordinates", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 2, 2}, []string{"pipeline", "data", "tensor"})
		require.NoError(t, err)
		for rank := range 8 {
			coords, err := mesh.Coordinates(rank)
			require.NoError(t, err)
			assert.Equal(t, []int{rank / 4, (rank / 2) % 2, rank % 2}, coords)
			back, err := mesh.RankAt(coords...)
			require.NoError(t, err)
			assert.Equal(t, rank, back)
		}
		_, err = mesh.Coordinates(8)
		require.Error(t, err)
		_, err = mesh.RankAt(0, 2, 0)
		require.Error(t, err)

		pipelineRank, err := mesh.AxisCoordinate(6, "pipeline")
		require.NoError(t, err)
		assert.Equal(t, 1, pipelineRank)
	})
}

func TestComputeReplicaGroups(t *testing.T) {
	mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"pipeline", "tensor"})
	require.NoError(t, err)

	groups, err := mesh.ComputeReplicaGroups([]string{"pipeline"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)

	groups, err = mesh.ComputeReplicaGroups([]string{"tensor"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)

	groups, err = mesh.ComputeReplicaGroups([]string{"pipeline", "tensor"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)

	groups, err = mesh.ComputeReplicaGroups([]string{})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0}, {1}, {2}, {3}}, groups)

	_, err = mesh.ComputeReplicaGroups([]string{"tensor", "tensor"})
	require.Error(t, err)
	_, err = mesh.ComputeReplicaGroups([]string{"data"})
	require.Error(t, err)

	group, err := mesh.ReplicaGroupOf([]string{"pipeline"}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, group)
}
