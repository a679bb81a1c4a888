package integration

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/onkernel/gpumode/lib/actions"
	"github.com/onkernel/gpumode/lib/devices"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/modeconfig"
	"github.com/onkernel/gpumode/lib/paths"
	"github.com/onkernel/gpumode/lib/quirks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHostPlans reads the real GPU topology of the machine and checks that
// every supported mode yields a valid boot plan. Nothing is written to sysfs.
//
// Skipped unless GPUMODE_INTEGRATION=1 and running as root:
//
//	sudo GPUMODE_INTEGRATION=1 go test -v -run TestHostPlans ./integration/...
func TestHostPlans(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if reason := checkHostPrerequisites(); reason != "" {
		t.Skip(reason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p := paths.New("/")
	gpu, err := devices.Discover(ctx, p)
	if errors.Is(err, devices.ErrDgpuNotFound) {
		t.Skip("no discrete GPU on this host")
	}
	require.NoError(t, err)
	t.Logf("dGPU vendor %s, %d functions, power %s", gpu.Vendor(), len(gpu.Functions()), gpu.PowerStatus())

	assert.NotEqual(t, gfx.VendorUnknown, gpu.Vendor())
	assert.NotEmpty(t, gpu.Functions())

	q := quirks.Detect(p, 0)
	caps := actions.Capabilities{
		Vendor:            gpu.Vendor(),
		DgpuFound:         gpu.Found(),
		HasHotplugSlot:    gpu.HasHotplugSlot(),
		DgpuDisableToggle: q.DgpuDisable != nil,
		EgpuToggle:        q.EgpuEnable != nil,
		Mux:               q.GpuMux != nil,
		MuxDiscreet:       q.MuxDiscreet(),
		VendorDisabled:    q.DgpuDisabled(),
	}
	if cmdline, err := os.ReadFile(p.ProcCmdline()); err == nil {
		caps.ModesetPinned = gfx.NvidiaModesetPinned(string(cmdline))
	}

	cfg := modeconfig.Default()
	cfg.VfioEnable = true
	for _, mode := range actions.SupportedModes(*cfg, caps) {
		t.Run(string(mode), func(t *testing.T) {
			plan, err := actions.NewBootPlan(mode, *cfg, caps)
			if errors.Is(err, actions.ErrMuxHardwired) {
				t.Skipf("mux routes the panel to the dGPU, %s needs a reboot", mode)
			}
			require.NoError(t, err)
			assert.NoError(t, actions.Validate(plan.Stages()))
			t.Logf("%s: %v", mode, plan.Stages())
		})
	}
}

func checkHostPrerequisites() string {
	if os.Getenv("GPUMODE_INTEGRATION") != "1" {
		return "set GPUMODE_INTEGRATION=1 to read real GPU state"
	}
	if os.Geteuid() != 0 {
		return "integration test requires root for sysfs reads"
	}
	if _, err := os.Stat("/sys/bus/pci/devices"); err != nil {
		return "no PCI sysfs"
	}
	return ""
}
