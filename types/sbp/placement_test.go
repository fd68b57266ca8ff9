package sbp_test

import (
	"testing"

	"github.com/gomlx/globaltensor/types/errs"
	"github.com/gomlx/globaltensor/types/sbp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlacement(t *testing.T) {
	t.Run("NewPlacement_Valid", func(t *testing.T) {
		tests := []struct {
			name          string
			deviceNames   []string
			hierarchy     []int
			wantNum       int
			wantHierarchy []int
			wantString    string
		}{
			{
				name:          "flat",
				deviceNames:   []string{"0:0-3"},
				wantNum:       4,
				wantHierarchy: []int{4},
				wantString:    "cpu:[0:0, 0:1, 0:2, 0:3], hierarchy=[4]",
			},
			{
				name:          "2D hierarchy over 2 machines",
				deviceNames:   []string{"1:0-1", "0:0-1"},
				hierarchy:     []int{2, 2},
				wantNum:       4,
				wantHierarchy: []int{2, 2},
				wantString:    "cpu:[0:0, 0:1, 1:0, 1:1], hierarchy=[2 2]",
			},
			{
				name:          "single device",
				deviceNames:   []string{"0:3"},
				wantNum:       1,
				wantHierarchy: []int{1},
				wantString:    "cpu:[0:3], hierarchy=[1]",
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				p, err := sbp.ParsePlacement("cpu", tt.deviceNames, tt.hierarchy)
				require.NoError(t, err)
				assert.Equal(t, tt.wantNum, p.NumDevices())
				assert.Equal(t, tt.wantHierarchy, p.Hierarchy())
				assert.Equal(t, len(tt.wantHierarchy), p.HierarchyDepth())
				assert.Equal(t, tt.wantString, p.String())
			})
		}
	})

	t.Run("NewPlacement_Errors", func(t *testing.T) {
		tests := []struct {
			name        string
			deviceTag   string
			deviceNames []string
			hierarchy   []int
			wantErr     string
		}{
			{"empty tag", "", []string{"0:0"}, nil, "device tag cannot be empty"},
			{"no devices", "cpu", nil, nil, "at least one device"},
			{"duplicated", "cpu", []string{"0:0-1", "0:1"}, nil, "duplicated"},
			{"hierarchy mismatch", "cpu", []string{"0:0-3"}, []int{3}, "has 3 devices, but 4 devices were given"},
			{"zero axis", "cpu", []string{"0:0-3"}, []int{4, 0}, "invalid size 0"},
			{"bad name", "cpu", []string{"0-3"}, nil, "invalid device name"},
			{"bad range", "cpu", []string{"0:3-1"}, nil, "invalid device range"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := sbp.ParsePlacement(tt.deviceTag, tt.deviceNames, tt.hierarchy)
				require.Error(t, err)
				assert.True(t, errs.Is(err, errs.InvalidArgument))
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("Interning", func(t *testing.T) {
		p1 := must.M1(sbp.ParsePlacement("cpu", []string{"0:0-1"}, nil))
		p2 := must.M1(sbp.NewPlacement("cpu", []sbp.Device{{0, 1}, {0, 0}}, []int{2}))
		assert.Same(t, p1, p2)
		assert.True(t, p1.Equal(p2))
		assert.Equal(t, p1.Hash(), p2.Hash())

		p3 := must.M1(sbp.ParsePlacement("cuda", []string{"0:0-1"}, nil))
		assert.NotSame(t, p1, p3)
		assert.False(t, p1.Equal(p3))
	})

	t.Run("ParallelIds", func(t *testing.T) {
		p := must.M1(sbp.ParsePlacement("cpu", []string{"0:2-3", "1:0"}, nil))
		pid, found := p.ParallelId(sbp.Device{Machine: 1, Device: 0})
		assert.True(t, found)
		assert.Equal(t, 2, pid)
		_, found = p.ParallelId(sbp.Device{Machine: 0, Device: 0})
		assert.False(t, found)
		assert.Equal(t, sbp.Device{Machine: 0, Device: 3}, p.Device(1))
		assert.Equal(t, []int{0, 1}, p.Machines())
	})

	t.Run("ComputeReplicaGroups", func(t *testing.T) {
		p := must.M1(sbp.ParsePlacement("cpu", []string{"0:0-3"}, []int{2, 2}))
		groups, err := p.ComputeReplicaGroups([]int{0})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)

		groups, err = p.ComputeReplicaGroups([]int{1})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)

		groups, err = p.ComputeReplicaGroups([]int{0, 1})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)

		p3 := must.M1(sbp.ParsePlacement("cpu", []string{"0:0-7"}, []int{2, 2, 2}))
		groups, err = p3.ComputeReplicaGroups([]int{0})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 4}, {1, 5}, {2, 6}, {3, 7}}, groups)

		_, err = p.ComputeReplicaGroups([]int{2})
		assert.Error(t, err)
		_, err = p.ComputeReplicaGroups([]int{1, 1})
		assert.Error(t, err)
	})
}
