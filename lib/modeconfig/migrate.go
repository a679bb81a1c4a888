package modeconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/onkernel/gpumode/lib/gfx"
)

const (
	versionCurrent = "current"
	versionV500    = "5.0.0"
	versionV405    = "4.0.5"
	versionV402    = "4.0.2"
	versionV300    = "3.0.0"
)

// legacyModes maps mode names written by older releases.
var legacyModes = map[string]gfx.Mode{
	"hybrid":          gfx.ModeHybrid,
	"nvidia":          gfx.ModeHybrid,
	"dedicated":       gfx.ModeHybrid,
	"compute":         gfx.ModeHybrid,
	"nvidianomodeset": gfx.ModeDedicatedOnly,
	"integrated":      gfx.ModeIntegrated,
	"vfio":            gfx.ModeVfio,
	"egpu":            gfx.ModeEgpu,
	"asusmuxdgpu":     gfx.ModeAsusMuxDiscreet,
	"asusmuxdiscreet": gfx.ModeAsusMuxDiscreet,
	"none":            gfx.ModeHybrid,
}

type legacyMode string

func (m legacyMode) mode() (gfx.Mode, error) {
	key := strings.ToLower(strings.ReplaceAll(string(m), "_", ""))
	if mode, ok := legacyModes[key]; ok {
		return mode, nil
	}
	return "", fmt.Errorf("unknown legacy mode %q", string(m))
}

type configV300 struct {
	GfxMode       legacyMode `json:"gfx_mode"`
	GfxManaged    bool       `json:"gfx_managed"`
	GfxVfioEnable bool       `json:"gfx_vfio_enable"`
}

type configV402 struct {
	Mode         legacyMode `json:"mode"`
	VfioEnable   bool       `json:"vfio_enable"`
	VfioSave     bool       `json:"vfio_save"`
	ComputeSave  bool       `json:"compute_save"`
	AlwaysReboot bool       `json:"always_reboot"`
}

type configV405 struct {
	configV402
	NoLogind       bool   `json:"no_logind"`
	LogoutTimeoutS uint64 `json:"logout_timeout_s"`
}

type configV500 struct {
	configV405
	HotplugType string `json:"hotplug_type"`
}

// decode tries the current format first, then each older one in turn.
func decode(data []byte) (*Config, string, error) {
	cfg := Default()
	errCurrent := strictUnmarshal(data, cfg)
	if errCurrent == nil {
		return cfg, versionCurrent, nil
	}

	// Fields older files never carried keep their defaults.
	var v500 configV500
	v500.LogoutTimeoutS = DefaultLogoutTimeoutSeconds
	if err := strictUnmarshal(data, &v500); err == nil {
		cfg, err := v500.upgrade()
		return cfg, versionV500, err
	}
	var v405 configV405
	v405.LogoutTimeoutS = DefaultLogoutTimeoutSeconds
	if err := strictUnmarshal(data, &v405); err == nil {
		cfg, err := v405.upgrade()
		return cfg, versionV405, err
	}
	var v402 configV402
	if err := strictUnmarshal(data, &v402); err == nil {
		cfg, err := v402.upgrade()
		return cfg, versionV402, err
	}
	var v300 configV300
	if err := strictUnmarshal(data, &v300); err == nil {
		cfg, err := v300.upgrade()
		return cfg, versionV300, err
	}
	return nil, "", fmt.Errorf("no known config format matched: %w", errCurrent)
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after config object")
	}
	return nil
}

func (c configV300) upgrade() (*Config, error) {
	mode, err := c.GfxMode.mode()
	if err != nil {
		return nil, err
	}
	cfg := Default()
	cfg.Mode = mode
	cfg.VfioEnable = c.GfxVfioEnable
	return cfg, nil
}

func (c configV402) upgrade() (*Config, error) {
	mode, err := c.Mode.mode()
	if err != nil {
		return nil, err
	}
	cfg := Default()
	cfg.Mode = mode
	cfg.VfioEnable = c.VfioEnable
	cfg.VfioSave = c.VfioSave
	cfg.ComputeSave = c.ComputeSave
	cfg.AlwaysReboot = c.AlwaysReboot
	return cfg, nil
}

func (c configV405) upgrade() (*Config, error) {
	cfg, err := c.configV402.upgrade()
	if err != nil {
		return nil, err
	}
	cfg.NoLogind = c.NoLogind
	cfg.LogoutTimeoutS = c.LogoutTimeoutS
	return cfg, nil
}

func (c configV500) upgrade() (*Config, error) {
	cfg, err := c.configV405.upgrade()
	if err != nil {
		return nil, err
	}
	if c.HotplugType != "" {
		ht, err := gfx.ParseHotplugType(c.HotplugType)
		if err != nil {
			return nil, err
		}
		cfg.HotplugType = ht
	}
	return cfg, nil
}
