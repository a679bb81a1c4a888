package gfx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"hybrid", ModeHybrid},
		{"Integrated", ModeIntegrated},
		{"VFIO", ModeVfio},
		{"compute", ModeCompute},
		{"dedicated", ModeDedicatedOnly},
		{"asus-mux-dgpu", ModeAsusMuxDiscreet},
		{" egpu ", ModeEgpu},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseMode("turbo")
	assert.Error(t, err)
}

func TestModeJSONRejectsUnknownNames(t *testing.T) {
	var m Mode
	require.NoError(t, json.Unmarshal([]byte(`"Vfio"`), &m))
	assert.Equal(t, ModeVfio, m)

	assert.Error(t, json.Unmarshal([]byte(`"Nvidia"`), &m))
}

func TestLiveSwitchableSet(t *testing.T) {
	for _, m := range AllModes {
		want := m == ModeIntegrated || m == ModeVfio || m == ModeCompute
		assert.Equal(t, want, m.IsLiveSwitchable(), m)
	}
}

func TestVendorFromID(t *testing.T) {
	assert.Equal(t, VendorNvidia, VendorFromID("0x10de"))
	assert.Equal(t, VendorAMD, VendorFromID("1002"))
	assert.Equal(t, VendorIntel, VendorFromID("8086\n"))
	assert.Equal(t, VendorUnknown, VendorFromID("1af4"))
}

func TestParseRuntimeStatus(t *testing.T) {
	assert.Equal(t, PowerActive, ParseRuntimeStatus("active\n"))
	assert.Equal(t, PowerSuspended, ParseRuntimeStatus("suspended"))
	assert.Equal(t, PowerOff, ParseRuntimeStatus("suspending"))
	assert.Equal(t, PowerUnknown, ParseRuntimeStatus("unsupported"))
}

func TestParseCmdlineMode(t *testing.T) {
	mode, ok := ParseCmdlineMode("BOOT_IMAGE=/vmlinuz root=/dev/sda1 gpumoded.mode=integrated quiet")
	require.True(t, ok)
	assert.Equal(t, ModeIntegrated, mode)

	mode, ok = ParseCmdlineMode("gpumoded.mode=hybrid gpumoded.mode=Vfio")
	require.True(t, ok)
	assert.Equal(t, ModeVfio, mode)

	_, ok = ParseCmdlineMode("root=/dev/sda1 gpumoded.mode=bogus")
	assert.False(t, ok)
}

func TestNvidiaModesetPinned(t *testing.T) {
	assert.True(t, NvidiaModesetPinned("quiet nvidia-drm.modeset=1"))
	assert.False(t, NvidiaModesetPinned("quiet nvidia-drm.modeset=0"))
	assert.False(t, NvidiaModesetPinned("quiet splash"))
}
