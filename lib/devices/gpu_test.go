package devices

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"testing"

	"github.com/onkernel/gpumode/lib/devices/sysfstest"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverNvidiaLaptop(t *testing.T) {
	tr := sysfstest.NvidiaLaptop(t)
	tr.AddHotplugSlot("1", "0000:01:00")

	gpu, err := Discover(context.Background(), tr.Paths())
	require.NoError(t, err)

	assert.Equal(t, gfx.VendorNvidia, gpu.Vendor())
	assert.True(t, gpu.Found())
	assert.True(t, gpu.HasHotplugSlot())

	fns := gpu.Functions()
	require.Len(t, fns, 2)
	assert.Equal(t, "0000:01:00.0", fns[0].Address)
	assert.Equal(t, "nvidia", fns[0].Driver)
	assert.Equal(t, "0000:01:00.1", fns[1].Address)
	assert.Equal(t, []string{"10de:2560", "10de:228e"}, gpu.VfioIDs())
}

func TestDiscoverWithoutDgpu(t *testing.T) {
	tr := sysfstest.New(t)
	tr.AddFunction(sysfstest.Func{Address: "0000:00:02.0", Vendor: "8086", Device: "a7a0", Class: "030000", BootVGA: "1"})

	_, err := Discover(context.Background(), tr.Paths())
	assert.True(t, errors.Is(err, ErrDgpuNotFound))
}

func TestDiscoverAmdThreeDController(t *testing.T) {
	tr := sysfstest.New(t)
	tr.AddFunction(sysfstest.Func{Address: "0000:00:02.0", Vendor: "8086", Device: "a7a0", Class: "030000", BootVGA: "1"})
	tr.AddFunction(sysfstest.Func{Address: "0000:03:00.0", Vendor: "1002", Device: "73ff", Class: "038000", Driver: "amdgpu", DRM: []string{"card1", "renderD129"}})

	gpu, err := Discover(context.Background(), tr.Paths())
	require.NoError(t, err)
	assert.Equal(t, gfx.VendorAMD, gpu.Vendor())
	assert.False(t, gpu.HasHotplugSlot())
	assert.ElementsMatch(t, []string{"/dev/dri/card1", "/dev/dri/renderD129"}, gpu.DeviceNodes())
}

func TestUnbindAndRemoveAreIdempotent(t *testing.T) {
	ctx := context.Background()
	tr := sysfstest.NvidiaLaptop(t)
	gpu, err := Discover(ctx, tr.Paths())
	require.NoError(t, err)

	require.NoError(t, gpu.Unbind(ctx))
	assert.Equal(t, "0000:01:00.1", tr.ReadFile("sys/bus/pci/drivers/snd_hda_intel/unbind"))
	assert.Equal(t, "0000:01:00.0", tr.ReadFile("sys/bus/pci/drivers/nvidia/unbind"))

	tr.UnbindDriver("0000:01:00.0")
	tr.UnbindDriver("0000:01:00.1")
	require.NoError(t, gpu.Unbind(ctx), "no driver bound must not fail")

	require.NoError(t, gpu.Remove(ctx))
	assert.Equal(t, "1", tr.ReadFile("sys/devices/pci0000:00/0000:01:00.0/remove"))

	tr.RemoveFunction("0000:01:00.0")
	tr.RemoveFunction("0000:01:00.1")
	require.NoError(t, gpu.Remove(ctx), "removing a gone device must not fail")
	require.NoError(t, gpu.Unbind(ctx))
	require.NoError(t, gpu.SetRuntimePM(ctx, RuntimePMAuto))
	assert.Equal(t, gfx.PowerOff, gpu.PowerStatus())
}

func TestRefreshKeepsPreviousWhenGone(t *testing.T) {
	ctx := context.Background()
	tr := sysfstest.NvidiaLaptop(t)
	gpu, err := Discover(ctx, tr.Paths())
	require.NoError(t, err)

	tr.RemoveFunction("0000:01:00.0")
	tr.RemoveFunction("0000:01:00.1")

	err = gpu.Refresh(ctx)
	assert.True(t, errors.Is(err, ErrDgpuNotFound))
	assert.Equal(t, gfx.VendorNvidia, gpu.Vendor())
	assert.Len(t, gpu.Functions(), 2)
}

func TestPowerStatusAndRuntimePM(t *testing.T) {
	ctx := context.Background()
	tr := sysfstest.New(t)
	tr.AddFunction(sysfstest.Func{Address: "0000:01:00.0", Vendor: "10de", Device: "2560", Class: "030000", BootVGA: "0", RuntimeStatus: "suspended"})

	gpu, err := Discover(ctx, tr.Paths())
	require.NoError(t, err)
	assert.Equal(t, gfx.PowerSuspended, gpu.PowerStatus())

	require.NoError(t, gpu.SetRuntimePM(ctx, RuntimePMAuto))
	assert.Equal(t, "auto", tr.ReadFile("sys/devices/pci0000:00/0000:01:00.0/power/control"))
}

func TestHotplugPower(t *testing.T) {
	ctx := context.Background()
	tr := sysfstest.NvidiaLaptop(t)

	gpu, err := Discover(ctx, tr.Paths())
	require.NoError(t, err)
	assert.ErrorIs(t, gpu.SetHotplugPower(ctx, false), ErrNoHotplugSlot)

	tr.AddHotplugSlot("7", "0000:01:00")
	require.NoError(t, gpu.Refresh(ctx))
	require.NoError(t, gpu.SetHotplugPower(ctx, false))
	assert.Equal(t, "0", tr.ReadFile("sys/bus/pci/slots/7/power"))
}

func TestRescanBus(t *testing.T) {
	tr := sysfstest.New(t)
	require.NoError(t, RescanBus(context.Background(), tr.Paths()))
	assert.Equal(t, "1", tr.ReadFile("sys/bus/pci/rescan"))
}

func TestWriteAttrMissingFileIsDeviceIOError(t *testing.T) {
	tr := sysfstest.New(t)
	err := WriteAttr(tr.Path("sys/nope"), "1")
	assert.ErrorIs(t, err, ErrDeviceIO)

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, tr.Path("sys/nope"), ioErr.Path)
}

func TestIOErrorNamesPathOnce(t *testing.T) {
	tr := sysfstest.New(t)
	tr.BreakAttr("sys/bus/pci/rescan")
	dir := tr.Path("sys/bus/pci/rescan")

	err := RescanBus(context.Background(), tr.Paths())
	require.ErrorIs(t, err, ErrDeviceIO)
	assert.ErrorIs(t, err, syscall.EISDIR)
	assert.Equal(t, 1, strings.Count(err.Error(), dir), err.Error())
}

func TestBindVFIO(t *testing.T) {
	ctx := context.Background()
	tr := sysfstest.NvidiaLaptop(t)
	gpu, err := Discover(ctx, tr.Paths())
	require.NoError(t, err)

	assert.ErrorIs(t, gpu.BindVFIO(ctx), ErrVFIONotAvailable)

	tr.AddDriver("vfio-pci")
	tr.BindDriver("0000:01:00.1", "vfio-pci")
	require.NoError(t, gpu.BindVFIO(ctx))
	assert.Equal(t, "vfio-pci", tr.ReadFile("sys/devices/pci0000:00/0000:01:00.0/driver_override"))
	assert.Equal(t, "0000:01:00.0", tr.ReadFile("sys/bus/pci/drivers/vfio-pci/bind"))

	require.NoError(t, gpu.ClearDriverOverride(ctx))
	assert.Equal(t, "", tr.ReadFile("sys/devices/pci0000:00/0000:01:00.0/driver_override"))
}

func TestProcessKiller(t *testing.T) {
	ctx := context.Background()
	tr := sysfstest.New(t)
	tr.AddProcess("100", "/dev/nvidia0", "/dev/null")
	tr.AddProcess("101", "/dev/nvidiactl")
	tr.AddProcess("102", "/dev/dri/card10")
	tr.AddProcess("103", "/dev/dri/card1")

	var sent []int
	k := NewProcessKillerWithSignal(tr.Path("proc"), func(pid int, sig syscall.Signal) error {
		if sig == syscall.SIGTERM {
			sent = append(sent, pid)
		}
		return nil
	})

	pids, err := k.KillUsers(ctx, []string{"/dev/nvidia"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{100, 101}, pids)
	assert.ElementsMatch(t, []int{100, 101}, sent)

	pids, err = k.Users([]string{"/dev/dri/card1"})
	require.NoError(t, err)
	assert.Equal(t, []int{103}, pids)
}
