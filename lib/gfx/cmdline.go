package gfx

import "strings"

// CmdlineModeKey is the kernel command line parameter that forces a boot mode.
const CmdlineModeKey = "gpumoded.mode"

// ParseCmdlineMode extracts a forced mode from /proc/cmdline contents. The
// last occurrence wins, matching how the kernel treats repeated parameters.
func ParseCmdlineMode(cmdline string) (Mode, bool) {
	var (
		mode  Mode
		found bool
	)
	for _, field := range strings.Fields(cmdline) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key != CmdlineModeKey {
			continue
		}
		m, err := ParseMode(value)
		if err != nil || m == ModeNone {
			continue
		}
		mode, found = m, true
	}
	return mode, found
}

// NvidiaModesetPinned reports whether the command line forces nvidia-drm
// modeset on, which keeps nvidia_drm resident for the life of the boot.
func NvidiaModesetPinned(cmdline string) bool {
	pinned := false
	for _, field := range strings.Fields(cmdline) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		if key == "nvidia-drm.modeset" || key == "nvidia_drm.modeset" {
			pinned = value == "1" || value == "Y" || value == "y"
		}
	}
	return pinned
}
