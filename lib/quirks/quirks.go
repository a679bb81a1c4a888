// Package quirks exposes vendor firmware toggles that change which GPU the
// platform powers or routes the panel to. Every toggle is optional.
package quirks

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/onkernel/gpumode/lib/devices"
	"github.com/onkernel/gpumode/lib/logger"
	"github.com/onkernel/gpumode/lib/paths"
)

const (
	attrDgpuDisable = "dgpu_disable"
	attrEgpuEnable  = "egpu_enable"
	attrGpuMux      = "gpu_mux_mode"
)

// DefaultSettleDelay is how long firmware gets after a toggle before the bus is touched again.
const DefaultSettleDelay = 250 * time.Millisecond

// ErrUnavailable is returned when a stage needs a toggle this machine lacks.
var ErrUnavailable = errors.New("vendor quirk not available on this machine")

// Toggle is a boolean firmware attribute.
type Toggle struct {
	name   string
	path   string
	settle time.Duration
}

// Name returns the attribute name.
func (t *Toggle) Name() string {
	return t.name
}

// Enabled reads the attribute.
func (t *Toggle) Enabled() (bool, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return false, devices.NewIOError("read", t.path, err)
	}
	return strings.Contains(string(data), "1"), nil
}

// Set writes the attribute and waits out the settle delay. The delay is not
// cut short by ctx: firmware must finish before the next stage runs.
func (t *Toggle) Set(ctx context.Context, on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	if err := devices.WriteAttr(t.path, value); err != nil {
		return err
	}
	logger.FromContext(ctx).InfoContext(ctx, "set vendor toggle", "toggle", t.name, "value", value)
	time.Sleep(t.settle)
	return nil
}

// MuxMode is the position of the hardware display mux.
type MuxMode string

const (
	// MuxOptimus routes the panel through the iGPU.
	MuxOptimus MuxMode = "Optimus"
	// MuxDiscreet hardwires the panel to the dGPU.
	MuxDiscreet MuxMode = "Discreet"
)

// Mux is the gpu_mux_mode attribute. Changes take effect on the next boot.
type Mux struct {
	path   string
	settle time.Duration
}

// Mode reads the mux position.
func (m *Mux) Mode() (MuxMode, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return "", devices.NewIOError("read", m.path, err)
	}
	value := strings.TrimSpace(string(data))
	if strings.HasSuffix(value, "0") {
		return MuxDiscreet, nil
	}
	return MuxOptimus, nil
}

// Set writes the mux position.
func (m *Mux) Set(ctx context.Context, mode MuxMode) error {
	value := "1"
	if mode == MuxDiscreet {
		value = "0"
	}
	if err := devices.WriteAttr(m.path, value); err != nil {
		return err
	}
	logger.FromContext(ctx).InfoContext(ctx, "set gpu mux", "mode", mode)
	time.Sleep(m.settle)
	return nil
}

// Quirks is the set of toggles present on this machine. Nil fields are absent.
type Quirks struct {
	DgpuDisable *Toggle
	EgpuEnable  *Toggle
	GpuMux      *Mux
}

// Detect checks which vendor attributes exist.
func Detect(p *paths.Paths, settle time.Duration) *Quirks {
	q := &Quirks{}
	if path := p.AsusPlatformAttr(attrDgpuDisable); exists(path) {
		q.DgpuDisable = &Toggle{name: attrDgpuDisable, path: path, settle: settle}
	}
	if path := p.AsusPlatformAttr(attrEgpuEnable); exists(path) {
		q.EgpuEnable = &Toggle{name: attrEgpuEnable, path: path, settle: settle}
	}
	if path := p.AsusPlatformAttr(attrGpuMux); exists(path) {
		q.GpuMux = &Mux{path: path, settle: settle}
	}
	return q
}

// DgpuDisabled reports whether firmware has the dGPU switched off.
func (q *Quirks) DgpuDisabled() bool {
	if q == nil || q.DgpuDisable == nil {
		return false
	}
	on, err := q.DgpuDisable.Enabled()
	return err == nil && on
}

// EgpuEnabled reports whether the external GPU is switched in.
func (q *Quirks) EgpuEnabled() bool {
	if q == nil || q.EgpuEnable == nil {
		return false
	}
	on, err := q.EgpuEnable.Enabled()
	return err == nil && on
}

// MuxDiscreet reports whether the mux hardwires the panel to the dGPU.
func (q *Quirks) MuxDiscreet() bool {
	if q == nil || q.GpuMux == nil {
		return false
	}
	mode, err := q.GpuMux.Mode()
	return err == nil && mode == MuxDiscreet
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
