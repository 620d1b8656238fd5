package mpegts_test

import (
	"testing"

	"github.com/satpi/satpi-go/pkg/mpegts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidTableAddRemoveReconcile(t *testing.T) {
	pt := mpegts.NewPidTable()
	require.True(t, pt.AddPID(256))
	assert.True(t, pt.Changed())
	assert.False(t, pt.Changed(), "dirty flag should clear after read")

	opened := map[int]int{}
	pt.ForEachPendingOpen(func(pid int) int {
		opened[pid] = pid + 1000
		return opened[pid]
	})
	assert.True(t, pt.IsUsed(256))
	assert.Equal(t, 1256, opened[256])

	require.True(t, pt.RemovePID(256))
	assert.True(t, pt.Changed())

	closed := []int{}
	pt.ForEachPendingClose(func(pid int, fd int) {
		closed = append(closed, pid)
	})
	assert.Contains(t, closed, 256)
	assert.False(t, pt.IsUsed(256))
}

func TestPidTableOutOfRange(t *testing.T) {
	pt := mpegts.NewPidTable()
	assert.False(t, pt.AddPID(-1))
	assert.False(t, pt.AddPID(mpegts.MaxPIDs))
}

func TestPidTableContinuityCounter(t *testing.T) {
	pt := mpegts.NewPidTable()
	assert.False(t, pt.CheckContinuity(100, 0), "first packet establishes baseline")
	assert.False(t, pt.CheckContinuity(100, 1), "sequential cc is fine")
	assert.False(t, pt.CheckContinuity(100, 1), "duplicate cc is not an error")
	assert.True(t, pt.CheckContinuity(100, 5), "skip from 1 to 5 is a discontinuity")
}

func TestPidTableAllPIDs(t *testing.T) {
	pt := mpegts.NewPidTable()
	pt.SetAll(true)
	assert.True(t, pt.Changed())
	pt.SetAll(false)
	assert.True(t, pt.Changed())
}
