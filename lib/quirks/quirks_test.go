package quirks

import (
	"context"
	"os"
	"testing"

	"github.com/onkernel/gpumode/lib/devices"
	"github.com/onkernel/gpumode/lib/devices/sysfstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectNothingPresent(t *testing.T) {
	tr := sysfstest.New(t)
	q := Detect(tr.Paths(), 0)

	assert.Nil(t, q.DgpuDisable)
	assert.Nil(t, q.EgpuEnable)
	assert.Nil(t, q.GpuMux)
	assert.False(t, q.DgpuDisabled())
	assert.False(t, q.MuxDiscreet())
}

func TestToggles(t *testing.T) {
	ctx := context.Background()
	tr := sysfstest.New(t)
	tr.SetAsusAttr("dgpu_disable", "0")
	tr.SetAsusAttr("egpu_enable", "0")

	q := Detect(tr.Paths(), 0)
	require.NotNil(t, q.DgpuDisable)
	require.NotNil(t, q.EgpuEnable)
	assert.False(t, q.DgpuDisabled())

	require.NoError(t, q.DgpuDisable.Set(ctx, true))
	assert.Equal(t, "1", tr.ReadFile("sys/devices/platform/asus-nb-wmi/dgpu_disable"))
	assert.True(t, q.DgpuDisabled())

	require.NoError(t, q.EgpuEnable.Set(ctx, true))
	assert.True(t, q.EgpuEnabled())
}

func TestMux(t *testing.T) {
	ctx := context.Background()
	tr := sysfstest.New(t)
	tr.SetAsusAttr("gpu_mux_mode", "1")

	q := Detect(tr.Paths(), 0)
	require.NotNil(t, q.GpuMux)
	mode, err := q.GpuMux.Mode()
	require.NoError(t, err)
	assert.Equal(t, MuxOptimus, mode)

	require.NoError(t, q.GpuMux.Set(ctx, MuxDiscreet))
	assert.True(t, q.MuxDiscreet())
	assert.Equal(t, "0", tr.ReadFile("sys/devices/platform/asus-nb-wmi/gpu_mux_mode"))
}

func TestReadFailureIsDeviceIOError(t *testing.T) {
	tr := sysfstest.New(t)
	tr.SetAsusAttr("dgpu_disable", "0")
	q := Detect(tr.Paths(), 0)

	require.NoError(t, os.Remove(tr.Path("sys/devices/platform/asus-nb-wmi/dgpu_disable")))

	_, err := q.DgpuDisable.Enabled()
	assert.ErrorIs(t, err, devices.ErrDeviceIO)
}
