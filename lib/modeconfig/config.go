// Package modeconfig loads, migrates and persists the daemon's mode config.
package modeconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/onkernel/gpumode/lib/fsutil"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/logger"
)

// DefaultLogoutTimeoutSeconds bounds how long a deferred switch waits for
// graphical sessions to end.
const DefaultLogoutTimeoutSeconds = 180

const filePerm = 0o644

// Config is the persisted daemon configuration plus a few transient fields
// that only live in memory.
type Config struct {
	Mode         gfx.Mode `json:"mode"`
	VfioEnable   bool     `json:"vfio_enable"`
	VfioSave     bool     `json:"vfio_save"`
	ComputeSave  bool     `json:"compute_save"`
	AlwaysReboot bool     `json:"always_reboot"`
	NoLogind     bool     `json:"no_logind"`

	// LogoutTimeoutS of 0 waits forever.
	LogoutTimeoutS uint64          `json:"logout_timeout_s"`
	HotplugType    gfx.HotplugType `json:"hotplug_type"`

	// ReassertOnResume re-applies the ASUS dgpu_disable toggle after resume,
	// since some firmware forgets it across suspend.
	ReassertOnResume bool `json:"reassert_vendor_disable_on_resume"`

	// TmpMode is the active mode when it must not survive a restart.
	TmpMode       gfx.Mode               `json:"-"`
	PendingMode   gfx.Mode               `json:"-"`
	PendingAction gfx.RequiredUserAction `json:"-"`
}

// Default returns the config written when none exists.
func Default() *Config {
	return &Config{
		Mode:             gfx.ModeHybrid,
		LogoutTimeoutS:   DefaultLogoutTimeoutSeconds,
		HotplugType:      gfx.HotplugNone,
		ReassertOnResume: true,
		PendingMode:      gfx.ModeNone,
		PendingAction:    gfx.ActionNothing,
	}
}

// LogoutTimeout returns the logout wait as a duration; 0 means no limit.
func (c *Config) LogoutTimeout() time.Duration {
	return time.Duration(c.LogoutTimeoutS) * time.Second
}

// EffectiveMode is the mode the hardware is in, preferring TmpMode.
func (c *Config) EffectiveMode() gfx.Mode {
	if c.TmpMode != "" && c.TmpMode != gfx.ModeNone {
		return c.TmpMode
	}
	return c.Mode
}

// Persistable reports whether m may be written as the boot mode.
func (c *Config) Persistable(m gfx.Mode) bool {
	switch m {
	case gfx.ModeVfio:
		return c.VfioSave
	case gfx.ModeCompute:
		return c.ComputeSave
	default:
		return true
	}
}

// RecordMode stores m as the current mode, in Mode when it may be persisted
// and in TmpMode otherwise.
func (c *Config) RecordMode(m gfx.Mode) {
	if c.Persistable(m) {
		c.Mode = m
		c.TmpMode = ""
		return
	}
	c.TmpMode = m
}

// ClearPending resets the pending mode and action to their idle values.
func (c *Config) ClearPending() {
	c.PendingMode = gfx.ModeNone
	c.PendingAction = gfx.ActionNothing
}

// ApplyPersisted copies the persisted fields of other onto c, leaving the
// transient fields untouched.
func (c *Config) ApplyPersisted(other Config) {
	tmp, pm, pa := c.TmpMode, c.PendingMode, c.PendingAction
	*c = other
	c.TmpMode, c.PendingMode, c.PendingAction = tmp, pm, pa
}

// Load reads the config at path, migrating older formats. A missing or
// unreadable file is replaced with the defaults; a missing directory is fatal.
func Load(ctx context.Context, path string) (*Config, error) {
	log := logger.FromContext(ctx)

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigDirMissing, dir)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", ErrConfigIO, dir, err)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.InfoContext(ctx, "config file missing, writing defaults", "path", path)
		return writeDefault(path)
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigIO, path, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		log.InfoContext(ctx, "config file empty, writing defaults", "path", path)
		return writeDefault(path)
	}

	cfg, version, err := decode(data)
	if err != nil {
		log.WarnContext(ctx, "config file unreadable, resetting to defaults", "path", path, "error", err)
		return writeDefault(path)
	}
	if version != versionCurrent {
		log.InfoContext(ctx, "migrated config file", "path", path, "from", version)
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func writeDefault(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.Save(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the persisted fields of c to path atomically.
func (c *Config) Save(path string) error {
	if err := fsutil.AtomicWriteJSON(path, c, filePerm); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigIO, err)
	}
	return nil
}
