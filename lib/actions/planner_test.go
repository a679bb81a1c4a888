package actions

import (
	"errors"
	"fmt"
	"testing"

	"github.com/onkernel/gpumode/lib/devices"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/modeconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nvidiaCaps() Capabilities {
	return Capabilities{Vendor: gfx.VendorNvidia, DgpuFound: true, HasHotplugSlot: true}
}

func request(from, to gfx.Mode, cfg *modeconfig.Config, caps Capabilities) Request {
	return Request{Current: from, Target: to, Config: *cfg, Caps: caps}
}

func TestPlansRespectStageOrder(t *testing.T) {
	vendors := []gfx.Vendor{gfx.VendorNvidia, gfx.VendorAMD, gfx.VendorUnknown}
	hotplugs := []gfx.HotplugType{gfx.HotplugNone, gfx.HotplugStd, gfx.HotplugAsus}
	froms := append([]gfx.Mode{gfx.ModeNone}, gfx.AllModes...)

	planned := 0
	for _, vendor := range vendors {
		for _, hotplug := range hotplugs {
			for _, noLogind := range []bool{false, true} {
				for _, vfio := range []bool{false, true} {
					for _, pinned := range []bool{false, true} {
						cfg := modeconfig.Default()
						cfg.HotplugType = hotplug
						cfg.NoLogind = noLogind
						cfg.VfioEnable = vfio
						caps := Capabilities{
							Vendor:            vendor,
							DgpuFound:         vendor != gfx.VendorUnknown,
							HasHotplugSlot:    hotplug == gfx.HotplugStd,
							DgpuDisableToggle: hotplug == gfx.HotplugAsus,
							EgpuToggle:        true,
							Mux:               true,
							ModesetPinned:     pinned,
						}
						for _, from := range froms {
							for _, to := range gfx.AllModes {
								name := fmt.Sprintf("%s/%s/logind=%t/vfio=%t/%s->%s", vendor, hotplug, !noLogind, vfio, from, to)
								plan, err := NewPlan(request(from, to, cfg, caps))
								if err != nil {
									assert.Truef(t, errors.Is(err, ErrUnsupportedMode) || errors.Is(err, ErrVfioDisabled) || errors.Is(err, devices.ErrDgpuNotFound),
										"%s: unexpected error %v", name, err)
									continue
								}
								planned++
								assert.NoErrorf(t, Validate(plan.Stages()), name)
								if plan.Deferred {
									assert.Equalf(t, gfx.ActionLogout, plan.Action, name)
								}

								boot, err := NewBootPlan(to, *cfg, caps)
								require.NoErrorf(t, err, name)
								assert.NoErrorf(t, Validate(boot.Stages()), name)
							}
						}
					}
				}
			}
		}
	}
	assert.Greater(t, planned, 500)
}

func TestHybridToIntegratedNvidia(t *testing.T) {
	cfg := modeconfig.Default()
	cfg.HotplugType = gfx.HotplugStd

	plan, err := NewPlan(request(gfx.ModeHybrid, gfx.ModeIntegrated, cfg, nvidiaCaps()))
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionLogout, plan.Action)
	assert.True(t, plan.Deferred)
	assert.Equal(t, []Stage{
		StageWaitLogout,
		StageStopDisplayManager,
		StageDisableNvidiaPowerd,
		StageKillGpuUsers,
		StageUnloadGpuDrivers,
		StageUnbindGpu,
		StageRemoveGpu,
		StageWriteDriverConfig,
		StageHotplugOff,
		StageRuntimePmAuto,
		StageStartDisplayManager,
	}, plan.Stages())
}

func TestIntegratedToVfioIsLive(t *testing.T) {
	cfg := modeconfig.Default()
	cfg.VfioEnable = true

	plan, err := NewPlan(request(gfx.ModeIntegrated, gfx.ModeVfio, cfg, nvidiaCaps()))
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionNothing, plan.Action)
	assert.False(t, plan.Deferred)
	assert.NotContains(t, plan.Stages(), StageStopDisplayManager)
	assert.NotContains(t, plan.Stages(), StageWaitLogout)
	assert.Contains(t, plan.Stages(), StageLoadVfioDrivers)
	assert.Equal(t, StageRuntimePmAuto, plan.Stages()[len(plan.Stages())-1])
}

func TestVfioGate(t *testing.T) {
	cfg := modeconfig.Default()
	plan, err := NewPlan(request(gfx.ModeIntegrated, gfx.ModeVfio, cfg, nvidiaCaps()))
	assert.ErrorIs(t, err, ErrVfioDisabled)
	assert.Nil(t, plan)
}

func TestVfioWithoutDgpu(t *testing.T) {
	cfg := modeconfig.Default()
	cfg.VfioEnable = true
	_, err := NewPlan(request(gfx.ModeIntegrated, gfx.ModeVfio, cfg, Capabilities{Vendor: gfx.VendorUnknown}))
	assert.ErrorIs(t, err, devices.ErrDgpuNotFound)
}

func TestUnsupportedMode(t *testing.T) {
	cfg := modeconfig.Default()
	caps := Capabilities{Vendor: gfx.VendorAMD, DgpuFound: true}

	for _, target := range []gfx.Mode{gfx.ModeCompute, gfx.ModeDedicatedOnly, gfx.ModeEgpu, gfx.ModeAsusMuxDiscreet} {
		_, err := NewPlan(request(gfx.ModeHybrid, target, cfg, caps))
		assert.ErrorIs(t, err, ErrUnsupportedMode, target)
	}
}

func TestMuxGate(t *testing.T) {
	cfg := modeconfig.Default()
	caps := nvidiaCaps()
	caps.Mux = true
	caps.MuxDiscreet = true

	for _, target := range SupportedModes(*cfg, caps) {
		plan, err := NewPlan(request(gfx.ModeAsusMuxDiscreet, target, cfg, caps))
		require.NoError(t, err, target)
		assert.Equal(t, gfx.ActionAsusMuxToOptimus, plan.Action, target)
		assert.False(t, plan.HasStages(), target)
	}

	_, err := NewBootPlan(gfx.ModeHybrid, *cfg, caps)
	assert.ErrorIs(t, err, ErrMuxHardwired)
}

func TestSameModeIsIdempotent(t *testing.T) {
	caps := nvidiaCaps()
	caps.EgpuToggle = true
	caps.Mux = true

	for _, reboot := range []bool{false, true} {
		cfg := modeconfig.Default()
		cfg.VfioEnable = true
		cfg.AlwaysReboot = reboot
		for _, mode := range SupportedModes(*cfg, caps) {
			if mode == gfx.ModeAsusMuxDiscreet {
				continue
			}
			first, err := NewPlan(request(mode, mode, cfg, caps))
			require.NoError(t, err, mode)
			second, err := NewPlan(request(mode, mode, cfg, caps))
			require.NoError(t, err, mode)

			want := gfx.ActionNothing
			if reboot {
				want = gfx.ActionReboot
			}
			assert.Equal(t, want, first.Action, mode)
			assert.Equal(t, first.Action, second.Action, mode)
			assert.False(t, first.Deferred, mode)
			if !mode.IsLiveSwitchable() || reboot {
				assert.False(t, first.HasStages(), mode)
			}
		}
	}
}

func TestDedicatedToComputeNeedsIntegrated(t *testing.T) {
	cfg := modeconfig.Default()
	cfg.VfioEnable = true
	for _, from := range []gfx.Mode{gfx.ModeHybrid, gfx.ModeDedicatedOnly} {
		for _, to := range []gfx.Mode{gfx.ModeCompute, gfx.ModeVfio} {
			plan, err := NewPlan(request(from, to, cfg, nvidiaCaps()))
			require.NoError(t, err)
			assert.Equal(t, gfx.ActionSwitchToIntegrated, plan.Action)
			assert.False(t, plan.HasStages())
		}
	}
}

func TestRebootCases(t *testing.T) {
	t.Run("always reboot honours save policy", func(t *testing.T) {
		cfg := modeconfig.Default()
		cfg.AlwaysReboot = true
		cfg.VfioEnable = true

		plan, err := NewPlan(request(gfx.ModeIntegrated, gfx.ModeVfio, cfg, nvidiaCaps()))
		require.NoError(t, err)
		assert.Equal(t, gfx.ActionReboot, plan.Action)
		assert.False(t, plan.PersistBoot)
		assert.False(t, plan.HasStages())

		cfg.VfioSave = true
		plan, err = NewPlan(request(gfx.ModeIntegrated, gfx.ModeVfio, cfg, nvidiaCaps()))
		require.NoError(t, err)
		assert.True(t, plan.PersistBoot)
	})

	t.Run("modeset pinned", func(t *testing.T) {
		caps := nvidiaCaps()
		caps.ModesetPinned = true
		plan, err := NewPlan(request(gfx.ModeHybrid, gfx.ModeIntegrated, modeconfig.Default(), caps))
		require.NoError(t, err)
		assert.Equal(t, gfx.ActionReboot, plan.Action)
		assert.True(t, plan.PersistBoot)
		assert.False(t, plan.Deferred)

		// live switches are unaffected
		cfg := modeconfig.Default()
		cfg.VfioEnable = true
		plan, err = NewPlan(request(gfx.ModeIntegrated, gfx.ModeVfio, cfg, caps))
		require.NoError(t, err)
		assert.Equal(t, gfx.ActionNothing, plan.Action)
	})

	t.Run("mux discreet", func(t *testing.T) {
		caps := nvidiaCaps()
		caps.Mux = true
		plan, err := NewPlan(request(gfx.ModeHybrid, gfx.ModeAsusMuxDiscreet, modeconfig.Default(), caps))
		require.NoError(t, err)
		assert.Equal(t, gfx.ActionReboot, plan.Action)
		assert.False(t, plan.PersistBoot)
		assert.Equal(t, []Stage{StageMuxDgpu, StageRuntimePmAuto}, plan.Stages())
	})
}

func TestStagedMuxSwitch(t *testing.T) {
	cfg := modeconfig.Default()
	caps := nvidiaCaps()
	caps.Mux = true
	caps.MuxDiscreet = true

	plan, err := NewPlan(request(gfx.ModeHybrid, gfx.ModeHybrid, cfg, caps))
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionNothing, plan.Action)
	assert.Equal(t, []Stage{StageMuxIgpu, StageRuntimePmAuto}, plan.Stages())

	plan, err = NewPlan(request(gfx.ModeHybrid, gfx.ModeAsusMuxDiscreet, cfg, caps))
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionReboot, plan.Action)
	assert.False(t, plan.HasStages())

	plan, err = NewPlan(request(gfx.ModeHybrid, gfx.ModeIntegrated, cfg, caps))
	require.NoError(t, err)
	assert.Equal(t, gfx.ActionAsusMuxToOptimus, plan.Action)
	assert.False(t, plan.HasStages())
}

func TestEgpuToIntegratedUsesEgpuToggle(t *testing.T) {
	cfg := modeconfig.Default()
	cfg.HotplugType = gfx.HotplugStd
	caps := nvidiaCaps()
	caps.EgpuToggle = true

	plan, err := NewPlan(request(gfx.ModeEgpu, gfx.ModeIntegrated, cfg, caps))
	require.NoError(t, err)
	stages := plan.Stages()
	assert.Contains(t, stages, StageEgpuDisable)
	assert.NotContains(t, stages, StageHotplugOff)
}

func TestNoLogindBracket(t *testing.T) {
	cfg := modeconfig.Default()
	cfg.NoLogind = true

	plan, err := NewPlan(request(gfx.ModeIntegrated, gfx.ModeHybrid, cfg, nvidiaCaps()))
	require.NoError(t, err)
	stages := plan.Stages()
	assert.Equal(t, StageNoLogind, stages[0])
	assert.Equal(t, StageNoLogind, stages[len(stages)-1])
	assert.NotContains(t, stages, StageWaitLogout)
	assert.NotContains(t, stages, StageStopDisplayManager)
}

func TestSupportedModes(t *testing.T) {
	cfg := modeconfig.Default()

	assert.Equal(t, []gfx.Mode{gfx.ModeIntegrated}, SupportedModes(*cfg, Capabilities{Vendor: gfx.VendorUnknown}))

	// dGPU switched off in firmware, so not enumerated
	assert.Equal(t, []gfx.Mode{gfx.ModeIntegrated, gfx.ModeHybrid},
		SupportedModes(*cfg, Capabilities{Vendor: gfx.VendorUnknown, DgpuDisableToggle: true}))

	assert.Equal(t, []gfx.Mode{gfx.ModeIntegrated, gfx.ModeHybrid, gfx.ModeDedicatedOnly, gfx.ModeCompute},
		SupportedModes(*cfg, nvidiaCaps()))

	cfg.VfioEnable = true
	caps := nvidiaCaps()
	caps.VendorDisabled = true
	caps.EgpuToggle = true
	caps.Mux = true
	assert.Equal(t, []gfx.Mode{
		gfx.ModeIntegrated, gfx.ModeHybrid, gfx.ModeDedicatedOnly, gfx.ModeVfio, gfx.ModeEgpu, gfx.ModeAsusMuxDiscreet,
	}, SupportedModes(*cfg, caps))
}
