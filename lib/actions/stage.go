package actions

import (
	"fmt"
	"slices"
)

// Stage is one primitive operation of a mode change.
type Stage string

const (
	// StageNone is the virtual predecessor of the first stage.
	StageNone Stage = "None"

	StageWaitLogout          Stage = "WaitLogout"
	StageStopDisplayManager  Stage = "StopDisplayManager"
	StageStartDisplayManager Stage = "StartDisplayManager"
	// StageNoLogind brackets a plan when no session manager is consulted.
	StageNoLogind Stage = "NoLogind"

	StageDisableNvidiaPowerd Stage = "DisableNvidiaPowerd"
	StageEnableNvidiaPowerd  Stage = "EnableNvidiaPowerd"

	StageKillGpuUsers      Stage = "KillGpuUsers"
	StageUnloadGpuDrivers  Stage = "UnloadGpuDrivers"
	StageLoadGpuDrivers    Stage = "LoadGpuDrivers"
	StageUnloadVfioDrivers Stage = "UnloadVfioDrivers"
	StageLoadVfioDrivers   Stage = "LoadVfioDrivers"

	StageUnbindGpu         Stage = "UnbindGpu"
	StageRemoveGpu         Stage = "RemoveGpu"
	StageWriteDriverConfig Stage = "WriteDriverConfig"
	StageRescanPci         Stage = "RescanPci"
	StageRuntimePmAuto     Stage = "RuntimePmAuto"

	StageHotplugOn   Stage = "HotplugOn"
	StageHotplugOff  Stage = "HotplugOff"
	StageDgpuEnable  Stage = "DgpuEnable"
	StageDgpuDisable Stage = "DgpuDisable"
	StageEgpuEnable  Stage = "EgpuEnable"
	StageEgpuDisable Stage = "EgpuDisable"
	StageMuxDgpu     Stage = "MuxDgpu"
	StageMuxIgpu     Stage = "MuxIgpu"
)

func (s Stage) String() string {
	return string(s)
}

// IsToggle reports whether the stage flips a power or firmware switch.
func (s Stage) IsToggle() bool {
	switch s {
	case StageHotplugOn, StageHotplugOff, StageDgpuEnable, StageDgpuDisable,
		StageEgpuEnable, StageEgpuDisable, StageMuxDgpu, StageMuxIgpu:
		return true
	default:
		return false
	}
}

// isSession reports whether the stage belongs to the session bracket rather
// than touching the device.
func (s Stage) isSession() bool {
	switch s {
	case StageWaitLogout, StageStopDisplayManager, StageStartDisplayManager, StageNoLogind:
		return true
	default:
		return false
	}
}

// LegalPredecessors lists, for every stage, the stages allowed to run
// immediately before it. StageNone stands for the start of the plan.
var LegalPredecessors = map[Stage][]Stage{
	StageWaitLogout:          {StageNone},
	StageStopDisplayManager:  {StageWaitLogout},
	StageNoLogind:            {StageNone, StageRuntimePmAuto},
	StageStartDisplayManager: {StageRuntimePmAuto},

	StageDisableNvidiaPowerd: {StageNone, StageStopDisplayManager, StageNoLogind, StageRescanPci},
	StageKillGpuUsers:        {StageNone, StageStopDisplayManager, StageNoLogind, StageDisableNvidiaPowerd, StageRescanPci},
	StageUnloadGpuDrivers:    {StageKillGpuUsers},
	StageUnloadVfioDrivers:   {StageNone, StageStopDisplayManager, StageNoLogind, StageKillGpuUsers, StageUnloadGpuDrivers},

	// Unbinding with a driver module still loaded races the driver; vendors
	// without a module unload stage go straight from KillGpuUsers.
	StageUnbindGpu: {StageUnloadGpuDrivers, StageUnloadVfioDrivers, StageKillGpuUsers},
	StageRemoveGpu: {StageUnbindGpu},

	StageWriteDriverConfig: {
		StageNone, StageStopDisplayManager, StageNoLogind, StageKillGpuUsers,
		StageUnloadGpuDrivers, StageUnloadVfioDrivers, StageRemoveGpu,
	},

	StageHotplugOn:   {StageWriteDriverConfig},
	StageHotplugOff:  {StageWriteDriverConfig},
	StageDgpuEnable:  {StageWriteDriverConfig},
	StageDgpuDisable: {StageWriteDriverConfig},
	StageEgpuEnable:  {StageWriteDriverConfig},
	StageEgpuDisable: {StageWriteDriverConfig},
	StageMuxDgpu:     {StageNone},
	StageMuxIgpu:     {StageNone},

	StageRescanPci:          {StageWriteDriverConfig, StageHotplugOn, StageDgpuEnable, StageEgpuEnable, StageEgpuDisable},
	StageLoadGpuDrivers:     {StageRescanPci},
	StageEnableNvidiaPowerd: {StageLoadGpuDrivers},
	StageLoadVfioDrivers:    {StageUnbindGpu},

	StageRuntimePmAuto: {
		StageWriteDriverConfig, StageHotplugOff, StageDgpuDisable, StageEgpuDisable,
		StageRescanPci, StageEnableNvidiaPowerd, StageLoadVfioDrivers, StageMuxDgpu, StageMuxIgpu,
	},
}

// LegalSuccessors is LegalPredecessors inverted.
func LegalSuccessors(s Stage) []Stage {
	var out []Stage
	for next, preds := range LegalPredecessors {
		if slices.Contains(preds, s) {
			out = append(out, next)
		}
	}
	slices.Sort(out)
	return out
}

// CanFollow checks whether next may run immediately after prev.
func CanFollow(prev, next Stage) error {
	preds, ok := LegalPredecessors[next]
	if !ok {
		return &OrderError{Prev: prev, Next: next, Reason: "unknown stage"}
	}
	if !slices.Contains(preds, prev) {
		return &OrderError{Prev: prev, Next: next, Reason: "illegal predecessor"}
	}
	return nil
}

// Validate checks every adjacent pair of stages plus the rules that span the
// whole sequence.
func Validate(stages []Stage) error {
	if len(stages) == 0 {
		return nil
	}
	prev := StageNone
	for _, s := range stages {
		if err := CanFollow(prev, s); err != nil {
			return err
		}
		prev = s
	}

	first, last := stages[0], stages[len(stages)-1]
	if slices.Contains(stages, StageStopDisplayManager) && last != StageStartDisplayManager {
		return &OrderError{Prev: last, Next: StageNone, Reason: "display manager stopped but not restarted"}
	}
	if first == StageNoLogind && (len(stages) < 2 || last != StageNoLogind) {
		return &OrderError{Prev: last, Next: StageNone, Reason: "unterminated no-logind bracket"}
	}

	var lastDevice Stage
	for _, s := range stages {
		if !s.isSession() {
			lastDevice = s
		}
	}
	if lastDevice != "" && lastDevice != StageRuntimePmAuto {
		return &OrderError{Prev: lastDevice, Next: StageNone, Reason: "plan must end by restoring runtime power management"}
	}
	return nil
}

// OrderError describes an illegal adjacency in a plan. Next is StageNone for
// errors about the plan as a whole.
type OrderError struct {
	Prev   Stage
	Next   Stage
	Reason string
}

func (e *OrderError) Error() string {
	if e.Next == StageNone {
		return fmt.Sprintf("%s: %s (last stage %s)", ErrActionOrder, e.Reason, e.Prev)
	}
	return fmt.Sprintf("%s: %s -> %s: %s", ErrActionOrder, e.Prev, e.Next, e.Reason)
}

func (e *OrderError) Is(target error) bool {
	return target == ErrActionOrder
}
