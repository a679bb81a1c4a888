// Package gfx holds the vocabulary shared by the mode daemon and its clients.
package gfx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mode is a graphics operating mode.
type Mode string

const (
	ModeHybrid          Mode = "Hybrid"
	ModeIntegrated      Mode = "Integrated"
	ModeDedicatedOnly   Mode = "DedicatedOnly"
	ModeCompute         Mode = "Compute"
	ModeVfio            Mode = "Vfio"
	ModeEgpu            Mode = "Egpu"
	ModeAsusMuxDiscreet Mode = "AsusMuxDiscreet"
	ModeNone            Mode = "None"
)

// AllModes lists every switchable mode in display order.
var AllModes = []Mode{
	ModeHybrid,
	ModeIntegrated,
	ModeDedicatedOnly,
	ModeCompute,
	ModeVfio,
	ModeEgpu,
	ModeAsusMuxDiscreet,
}

var modeAliases = map[string]Mode{
	"hybrid":          ModeHybrid,
	"integrated":      ModeIntegrated,
	"dedicated":       ModeDedicatedOnly,
	"dedicatedonly":   ModeDedicatedOnly,
	"nvidianomodeset": ModeDedicatedOnly,
	"compute":         ModeCompute,
	"vfio":            ModeVfio,
	"egpu":            ModeEgpu,
	"asusmuxdgpu":     ModeAsusMuxDiscreet,
	"asusmuxdiscreet": ModeAsusMuxDiscreet,
	"none":            ModeNone,
}

// ParseMode accepts a mode name in any case, plus a few short aliases.
func ParseMode(s string) (Mode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "_", "")
	key = strings.ReplaceAll(key, "-", "")
	if m, ok := modeAliases[key]; ok {
		return m, nil
	}
	return "", fmt.Errorf("unknown graphics mode %q", s)
}

func (m Mode) String() string {
	return string(m)
}

// IsLiveSwitchable reports whether the mode belongs to the set that can be
// entered and left without ending the graphical session.
func (m Mode) IsLiveSwitchable() bool {
	switch m {
	case ModeIntegrated, ModeVfio, ModeCompute:
		return true
	default:
		return false
	}
}

// UsesDgpuForDisplay reports whether the dGPU driver stack stays resident in
// this mode in a way that pins the graphical session to it.
func (m Mode) UsesDgpuForDisplay() bool {
	switch m {
	case ModeHybrid, ModeDedicatedOnly, ModeEgpu, ModeAsusMuxDiscreet:
		return true
	default:
		return false
	}
}

// NeedsDgpu reports whether the mode requires the dGPU to be enumerated.
func (m Mode) NeedsDgpu() bool {
	return m != ModeIntegrated && m != ModeNone
}

// UnmarshalJSON rejects mode names it does not know.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if Mode(s) == ModeNone {
		*m = ModeNone
		return nil
	}
	for _, known := range AllModes {
		if s == string(known) {
			*m = known
			return nil
		}
	}
	return fmt.Errorf("unknown graphics mode %q", s)
}

// RequiredUserAction is what a caller must do for a requested mode to take effect.
type RequiredUserAction string

const (
	// ActionNothing doubles as the idle sentinel for PendingUserAction.
	ActionNothing            RequiredUserAction = "Nothing"
	ActionLogout             RequiredUserAction = "Logout"
	ActionReboot             RequiredUserAction = "Reboot"
	ActionSwitchToIntegrated RequiredUserAction = "SwitchToIntegrated"
	ActionAsusMuxToOptimus   RequiredUserAction = "AsusMuxToOptimus"
)

// Describe returns a sentence meant for people.
func (a RequiredUserAction) Describe() string {
	switch a {
	case ActionNothing:
		return "No action required"
	case ActionLogout:
		return "Logout required to complete mode change"
	case ActionReboot:
		return "Reboot required to complete mode change"
	case ActionSwitchToIntegrated:
		return "You must switch to Integrated mode before switching to this mode"
	case ActionAsusMuxToOptimus:
		return "The GPU MUX is set to the discrete GPU; set it to Optimus first"
	default:
		return string(a)
	}
}

// GpuPowerState is the runtime power status of the dGPU.
type GpuPowerState string

const (
	PowerActive         GpuPowerState = "Active"
	PowerSuspended      GpuPowerState = "Suspended"
	PowerOff            GpuPowerState = "Off"
	PowerVendorDisabled GpuPowerState = "VendorDisabled"
	PowerUnknown        GpuPowerState = "Unknown"
)

// ParseRuntimeStatus maps the contents of power/runtime_status.
func ParseRuntimeStatus(s string) GpuPowerState {
	switch strings.TrimSpace(s) {
	case "active":
		return PowerActive
	case "suspended":
		return PowerSuspended
	case "unsupported", "error":
		return PowerUnknown
	default:
		return PowerOff
	}
}

// Vendor identifies the dGPU manufacturer.
type Vendor string

const (
	VendorNvidia  Vendor = "Nvidia"
	VendorAMD     Vendor = "AMD"
	VendorIntel   Vendor = "Intel"
	VendorUnknown Vendor = "Unknown"
)

// VendorFromID maps a normalized PCI vendor id ("10de") to a Vendor.
func VendorFromID(id string) Vendor {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x") {
	case "10de":
		return VendorNvidia
	case "1002":
		return VendorAMD
	case "8086":
		return VendorIntel
	default:
		return VendorUnknown
	}
}

// HotplugType selects which power toggle is used to cut the dGPU in Integrated mode.
type HotplugType string

const (
	HotplugNone HotplugType = "None"
	// HotplugStd uses the PCIe slot power file.
	HotplugStd HotplugType = "Std"
	// HotplugAsus uses the ASUS dgpu_disable firmware toggle.
	HotplugAsus HotplugType = "Asus"
)

// UnmarshalJSON rejects hotplug types it does not know.
func (h *HotplugType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch HotplugType(s) {
	case HotplugNone, HotplugStd, HotplugAsus:
		*h = HotplugType(s)
		return nil
	}
	return fmt.Errorf("unknown hotplug type %q", s)
}

// ParseHotplugType accepts hotplug type names in any case.
func ParseHotplugType(s string) (HotplugType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return HotplugNone, nil
	case "std":
		return HotplugStd, nil
	case "asus":
		return HotplugAsus, nil
	}
	return "", fmt.Errorf("unknown hotplug type %q", s)
}
