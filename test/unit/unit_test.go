// +build !integration

// Package unit holds cross-package checks that need no privileges or
// real hardware, split from test/integration (cross-package end-to-end
// tests behind the integration build tag).
package unit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-kcore"
	"github.com/behrlich/go-kcore/buffer"
	"github.com/behrlich/go-kcore/fl"
	"github.com/behrlich/go-kcore/ilist"
	"github.com/behrlich/go-kcore/tlsf"
)

func TestConstantsAreSane(t *testing.T) {
	assert.Positive(t, kcore.MinBlockGranularity)
	assert.Less(t, kcore.TLSFSLIndexCountLog2, kcore.TLSFFLIndexMax)
	assert.Positive(t, kcore.TLSFSLIndexCountLog2)
	assert.Positive(t, kcore.DefaultSerialFIFODepth)
}

func TestNewLayoutClampsAlignment(t *testing.T) {
	l := kcore.NewLayout(100, 1)
	assert.EqualValues(t, kcore.MinBlockGranularity, l.Align)
}

func TestErrorTypesImplementError(t *testing.T) {
	var _ error = kcore.ErrOutOfMemory
	var _ error = kcore.ErrContended
	var _ error = kcore.ErrTimedOut

	assert.NotEmpty(t, kcore.ErrOutOfMemory.Error())
}

func TestAllocatorInterfaceCompliance(t *testing.T) {
	var _ kcore.Allocator = fl.New(buffer.New(make([]byte, 256)))
	var _ kcore.Allocator = tlsf.New(make([]byte, 256))
}

func TestMockUartSatisfiesUartOps(t *testing.T) {
	var _ kcore.UartOps = kcore.NewMockUart()
}

func TestDeviceStateStringer(t *testing.T) {
	states := []kcore.DeviceState{
		kcore.DeviceClosed, kcore.DeviceOpening, kcore.DeviceOpen, kcore.DeviceClosing,
	}
	for _, s := range states {
		assert.NotEmpty(t, s.String())
	}
}

func TestIlistNewNodeStartsDetached(t *testing.T) {
	n := ilist.NewNode("payload")
	require.Equal(t, "payload", n.Object)
	// PushBack fails with ErrAlreadyAttached unless n is detached.
	require.NoError(t, ilist.New().PushBack(n))
}

func TestMetricsSnapshotStartsZero(t *testing.T) {
	m := kcore.NewMetrics()
	snap := m.Snapshot()
	assert.Zero(t, snap.AllocCount)
	assert.Zero(t, snap.BytesInUse)
}
