// Package actions turns a mode change request into an ordered plan of stages
// and runs that plan against the discrete GPU.
package actions

import (
	"fmt"
	"slices"
	"time"

	"github.com/onkernel/gpumode/lib/devices"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/modeconfig"
)

// Capabilities is what the machine can do, sampled when a request is planned.
type Capabilities struct {
	Vendor         gfx.Vendor
	DgpuFound      bool
	HasHotplugSlot bool

	// Vendor firmware toggles, true when the attribute exists.
	DgpuDisableToggle bool
	EgpuToggle        bool
	Mux               bool

	// MuxDiscreet is set when the mux routes the panel to the dGPU.
	MuxDiscreet bool
	// VendorDisabled is set when dgpu_disable currently reads 1.
	VendorDisabled bool
	// ModesetPinned is set when nvidia-drm.modeset=1 is on the kernel command line.
	ModesetPinned bool
}

// Request is everything the planner looks at. Config is a snapshot.
type Request struct {
	Current gfx.Mode
	Target  gfx.Mode
	Config  modeconfig.Config
	Caps    Capabilities
}

// Plan is the outcome of planning. A plan with no stages only carries an action
// for the caller.
type Plan struct {
	From   gfx.Mode
	Target gfx.Mode
	Vendor gfx.Vendor
	Action gfx.RequiredUserAction

	// Deferred plans run in the background after the user logs out.
	Deferred bool
	// PersistBoot asks the caller to save Target as the next boot mode.
	PersistBoot bool

	LogoutTimeout time.Duration

	stages []Stage
}

// Stages returns a copy of the stage sequence.
func (p *Plan) Stages() []Stage {
	return slices.Clone(p.stages)
}

// HasStages reports whether the plan has anything to execute.
func (p *Plan) HasStages() bool {
	return len(p.stages) > 0
}

// SupportedModes lists the modes this machine can be switched to.
func SupportedModes(cfg modeconfig.Config, caps Capabilities) []gfx.Mode {
	modes := []gfx.Mode{gfx.ModeIntegrated}
	if caps.Vendor != gfx.VendorUnknown || caps.DgpuDisableToggle {
		modes = append(modes, gfx.ModeHybrid)
	}
	if caps.Vendor == gfx.VendorNvidia {
		modes = append(modes, gfx.ModeDedicatedOnly)
		if !caps.VendorDisabled {
			modes = append(modes, gfx.ModeCompute)
		}
	}
	if cfg.VfioEnable {
		modes = append(modes, gfx.ModeVfio)
	}
	if caps.EgpuToggle {
		modes = append(modes, gfx.ModeEgpu)
	}
	if caps.Mux {
		modes = append(modes, gfx.ModeAsusMuxDiscreet)
	}
	return modes
}

// NewPlan decides what it takes to go from req.Current to req.Target.
func NewPlan(req Request) (*Plan, error) {
	cfg := req.Config
	from, target := req.Current, req.Target

	if target == gfx.ModeVfio && !cfg.VfioEnable {
		return nil, ErrVfioDisabled
	}
	if !slices.Contains(SupportedModes(cfg, req.Caps), target) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, target)
	}
	if target == gfx.ModeVfio && !req.Caps.DgpuFound {
		return nil, devices.ErrDgpuNotFound
	}

	plan := &Plan{
		From:          from,
		Target:        target,
		Vendor:        req.Caps.Vendor,
		LogoutTimeout: cfg.LogoutTimeout(),
	}

	if req.Caps.Mux && req.Caps.MuxDiscreet {
		muxPlan(plan)
		return plan, nil
	}

	if cfg.AlwaysReboot {
		plan.Action = gfx.ActionReboot
		plan.PersistBoot = cfg.Persistable(target)
		return plan, nil
	}
	if target == gfx.ModeAsusMuxDiscreet {
		// The mode is adopted from the mux at the next boot.
		plan.Action = gfx.ActionReboot
		plan.stages = []Stage{StageMuxDgpu, StageRuntimePmAuto}
		return plan, nil
	}

	switch {
	case from == target, from.IsLiveSwitchable() && target.IsLiveSwitchable():
		plan.Action = gfx.ActionNothing
		if from != target || target.IsLiveSwitchable() {
			plan.stages = body(from, target, cfg, req.Caps)
		}
	case isDedicatedFamily(from) && (target == gfx.ModeVfio || target == gfx.ModeCompute):
		plan.Action = gfx.ActionSwitchToIntegrated
	case req.Caps.Vendor == gfx.VendorNvidia && req.Caps.ModesetPinned:
		// With modeset pinned the driver cannot be released until reboot.
		plan.Action = gfx.ActionReboot
		plan.PersistBoot = cfg.Persistable(target)
	default:
		plan.Action = gfx.ActionLogout
		plan.Deferred = true
		plan.stages = bracket(cfg.NoLogind, body(from, target, cfg, req.Caps))
	}

	if err := Validate(plan.stages); err != nil {
		return nil, err
	}
	return plan, nil
}

// NewBootPlan builds the plan run at startup to put the hardware into target.
// No session exists yet, so the plan is never deferred.
func NewBootPlan(target gfx.Mode, cfg modeconfig.Config, caps Capabilities) (*Plan, error) {
	if caps.Mux && caps.MuxDiscreet && target != gfx.ModeAsusMuxDiscreet {
		return nil, ErrMuxHardwired
	}
	plan := &Plan{
		From:          gfx.ModeNone,
		Target:        target,
		Vendor:        caps.Vendor,
		Action:        gfx.ActionNothing,
		LogoutTimeout: cfg.LogoutTimeout(),
	}
	if target != gfx.ModeAsusMuxDiscreet {
		plan.stages = body(gfx.ModeNone, target, cfg, caps)
	}
	if err := Validate(plan.stages); err != nil {
		return nil, err
	}
	return plan, nil
}

// muxPlan handles a mux that reads dGPU. Booted that way the panel is wired
// to the dGPU and software cannot override it. A switch written this boot is
// only staged: asking for the running mode again writes the mux back.
func muxPlan(plan *Plan) {
	switch {
	case plan.From == gfx.ModeAsusMuxDiscreet:
		plan.Action = gfx.ActionAsusMuxToOptimus
	case plan.Target == gfx.ModeAsusMuxDiscreet:
		plan.Action = gfx.ActionReboot
	case plan.Target == plan.From:
		plan.Action = gfx.ActionNothing
		plan.stages = []Stage{StageMuxIgpu, StageRuntimePmAuto}
	default:
		plan.Action = gfx.ActionAsusMuxToOptimus
	}
}

func isDedicatedFamily(m gfx.Mode) bool {
	return m == gfx.ModeHybrid || m == gfx.ModeDedicatedOnly || m == gfx.ModeEgpu
}

// bracket wraps a deferred body with the session stages.
func bracket(noLogind bool, stages []Stage) []Stage {
	if noLogind {
		out := append([]Stage{StageNoLogind}, stages...)
		return append(out, StageNoLogind)
	}
	out := append([]Stage{StageWaitLogout, StageStopDisplayManager}, stages...)
	return append(out, StageStartDisplayManager)
}

// body returns the device stages that take the GPU from `from` to target.
func body(from, target gfx.Mode, cfg modeconfig.Config, caps Capabilities) []Stage {
	nvidia := caps.Vendor == gfx.VendorNvidia
	var s []Stage

	unloadVfio := func() {
		if cfg.VfioEnable || from == gfx.ModeVfio {
			s = append(s, StageUnloadVfioDrivers)
		}
	}
	loadDrivers := func() {
		if nvidia {
			s = append(s, StageLoadGpuDrivers, StageEnableNvidiaPowerd)
		}
	}

	switch target {
	case gfx.ModeIntegrated:
		s = append(s, releaseDrivers(caps.Vendor)...)
		unloadVfio()
		s = append(s, StageUnbindGpu, StageRemoveGpu, StageWriteDriverConfig)
		if t, ok := toggleOff(from, cfg, caps); ok {
			s = append(s, t)
		}

	case gfx.ModeHybrid, gfx.ModeDedicatedOnly:
		switch from {
		case gfx.ModeHybrid, gfx.ModeDedicatedOnly, gfx.ModeEgpu, gfx.ModeCompute:
			s = append(s, releaseDrivers(caps.Vendor)...)
		}
		unloadVfio()
		s = append(s, StageWriteDriverConfig)
		if t, ok := toggleOn(from, cfg, caps); ok {
			s = append(s, t)
		}
		s = append(s, StageRescanPci)
		loadDrivers()

	case gfx.ModeEgpu:
		s = append(s, releaseDrivers(caps.Vendor)...)
		unloadVfio()
		s = append(s, StageWriteDriverConfig, StageEgpuEnable, StageRescanPci)
		loadDrivers()

	case gfx.ModeCompute:
		unloadVfio()
		s = append(s, StageWriteDriverConfig)
		if t, ok := toggleOn(from, cfg, caps); ok {
			s = append(s, t)
		}
		s = append(s, StageRescanPci)
		loadDrivers()

	case gfx.ModeVfio:
		s = append(s, StageWriteDriverConfig)
		if t, ok := toggleOn(from, cfg, caps); ok {
			s = append(s, t)
		}
		s = append(s, StageRescanPci)
		s = append(s, releaseDrivers(caps.Vendor)...)
		s = append(s, StageUnbindGpu, StageLoadVfioDrivers)
	}

	return append(s, StageRuntimePmAuto)
}

// releaseDrivers stops everything holding the dGPU driver.
func releaseDrivers(vendor gfx.Vendor) []Stage {
	if vendor == gfx.VendorNvidia {
		return []Stage{StageDisableNvidiaPowerd, StageKillGpuUsers, StageUnloadGpuDrivers}
	}
	return []Stage{StageKillGpuUsers}
}

// toggleOff picks the switch that powers the dGPU down for Integrated.
func toggleOff(from gfx.Mode, cfg modeconfig.Config, caps Capabilities) (Stage, bool) {
	switch {
	case from == gfx.ModeEgpu:
		return StageEgpuDisable, true
	case cfg.HotplugType == gfx.HotplugStd && caps.HasHotplugSlot:
		return StageHotplugOff, true
	case cfg.HotplugType == gfx.HotplugAsus && caps.DgpuDisableToggle:
		return StageDgpuDisable, true
	}
	return "", false
}

// toggleOn picks the switch that brings the internal dGPU back.
func toggleOn(from gfx.Mode, cfg modeconfig.Config, caps Capabilities) (Stage, bool) {
	switch {
	case from == gfx.ModeEgpu:
		return StageEgpuDisable, true
	case cfg.HotplugType == gfx.HotplugStd && caps.HasHotplugSlot:
		return StageHotplugOn, true
	case cfg.HotplugType == gfx.HotplugAsus && caps.DgpuDisableToggle:
		return StageDgpuEnable, true
	}
	return "", false
}
