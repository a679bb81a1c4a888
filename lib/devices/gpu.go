package devices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/logger"
	"github.com/onkernel/gpumode/lib/paths"
	"github.com/samber/lo"
)

// RuntimePM is a value for a function's power/control attribute.
type RuntimePM string

const (
	RuntimePMAuto RuntimePM = "auto"
	RuntimePMOn   RuntimePM = "on"
)

// Function is one PCI function of the discrete GPU (display, audio, USB-C, ...).
type Function struct {
	Address   string // e.g. 0000:01:00.0
	VendorID  string // e.g. 10de
	DeviceID  string
	ClassCode string // e.g. 0300
	Driver    string // driver bound at enumeration time, empty if none
	path      string
}

// Slot returns the bus/device part of the address shared by sibling functions.
func (f Function) Slot() string {
	slot, _, _ := strings.Cut(f.Address, ".")
	return slot
}

// IsDisplay reports whether the function is a display controller (class 0x03).
func (f Function) IsDisplay() bool {
	return strings.HasPrefix(f.ClassCode, "03")
}

// DiscreteGpu is the dGPU together with its sibling functions. It is rebuilt
// in place after every bus rescan. Callers serialize access through a Guard.
type DiscreteGpu struct {
	paths        *paths.Paths
	vendor       gfx.Vendor
	functions    []Function
	hotplugPower string
}

// NewEmptyGpu returns a DiscreteGpu with nothing enumerated. The daemon uses it
// when no dGPU is present so that only Integrated mode is offered.
func NewEmptyGpu(p *paths.Paths) *DiscreteGpu {
	return &DiscreteGpu{paths: p, vendor: gfx.VendorUnknown}
}

// Discover enumerates the PCI bus and returns the discrete GPU.
func Discover(ctx context.Context, p *paths.Paths) (*DiscreteGpu, error) {
	g := NewEmptyGpu(p)
	if err := g.enumerate(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Refresh re-enumerates the dGPU after a rescan. When nothing is found the
// previous enumeration is kept, since the device may be powered down.
func (g *DiscreteGpu) Refresh(ctx context.Context) error {
	next := NewEmptyGpu(g.paths)
	if err := next.enumerate(ctx); err != nil {
		return err
	}
	g.vendor = next.vendor
	g.functions = next.functions
	g.hotplugPower = next.hotplugPower
	return nil
}

func (g *DiscreteGpu) enumerate(ctx context.Context) error {
	base := g.paths.PciDevicesDir()
	entries, err := os.ReadDir(base)
	if err != nil {
		return NewIOError("read", base, err)
	}

	var all []Function
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if fn, ok := readFunction(g.paths, entry.Name()); ok {
			all = append(all, fn)
		}
	}

	var dgpu *Function
	for i := range all {
		fn := &all[i]
		if !fn.IsDisplay() || gfx.VendorFromID(fn.VendorID) == gfx.VendorUnknown {
			continue
		}
		// The firmware boot display is the iGPU; anything else is the dGPU.
		bootVGA, err := readTrim(filepath.Join(fn.path, "boot_vga"))
		if err == nil && bootVGA == "1" {
			continue
		}
		dgpu = fn
		break
	}
	if dgpu == nil {
		return ErrDgpuNotFound
	}

	slot := dgpu.Slot()
	g.functions = lo.Filter(all, func(fn Function, _ int) bool { return fn.Slot() == slot })
	sort.Slice(g.functions, func(i, j int) bool { return g.functions[i].Address < g.functions[j].Address })
	g.vendor = gfx.VendorFromID(dgpu.VendorID)
	g.hotplugPower = findHotplugPower(g.paths, slot)

	logger.FromContext(ctx).DebugContext(ctx, "enumerated discrete GPU",
		"vendor", g.vendor, "functions", len(g.functions), "hotplug", g.hotplugPower != "")
	return nil
}

func readFunction(p *paths.Paths, addr string) (Function, bool) {
	devicePath, err := resolveUnder(p.SysRoot(), filepath.Join("bus", "pci", "devices", addr))
	if err != nil {
		return Function{}, false
	}
	classRaw, err := readTrim(filepath.Join(devicePath, "class"))
	if err != nil {
		return Function{}, false
	}
	vendorRaw, err := readTrim(filepath.Join(devicePath, "vendor"))
	if err != nil {
		return Function{}, false
	}
	deviceRaw, err := readTrim(filepath.Join(devicePath, "device"))
	if err != nil {
		return Function{}, false
	}
	return Function{
		Address:   addr,
		VendorID:  normalizeHexID(vendorRaw),
		DeviceID:  normalizeHexID(deviceRaw),
		ClassCode: normalizeClassCode(classRaw),
		Driver:    readDriverName(devicePath),
		path:      devicePath,
	}, true
}

// findHotplugPower returns the power attribute of the hotplug slot whose
// address matches slot, or "" when the dGPU sits in a fixed slot.
func findHotplugPower(p *paths.Paths, slot string) string {
	entries, err := os.ReadDir(p.PciSlotsDir())
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		dir := filepath.Join(p.PciSlotsDir(), entry.Name())
		addr, err := readTrim(filepath.Join(dir, "address"))
		if err != nil || addr != slot {
			continue
		}
		power := filepath.Join(dir, "power")
		if _, err := os.Stat(power); err == nil {
			return power
		}
	}
	return ""
}

// Vendor returns the dGPU vendor, VendorUnknown when nothing was found.
func (g *DiscreteGpu) Vendor() gfx.Vendor {
	return g.vendor
}

// Found reports whether a dGPU has ever been enumerated.
func (g *DiscreteGpu) Found() bool {
	return len(g.functions) > 0
}

// Functions returns a copy of the enumerated functions.
func (g *DiscreteGpu) Functions() []Function {
	return append([]Function(nil), g.functions...)
}

// HasHotplugSlot reports whether slot power control is available.
func (g *DiscreteGpu) HasHotplugSlot() bool {
	return g.hotplugPower != ""
}

// PowerStatus reads power/runtime_status of the display function. The value
// is read on every call; a read failure means the device is gone, so Off.
func (g *DiscreteGpu) PowerStatus() gfx.GpuPowerState {
	for _, fn := range g.functions {
		if !fn.IsDisplay() {
			continue
		}
		status, err := readTrim(filepath.Join(fn.path, "power", "runtime_status"))
		if err != nil {
			return gfx.PowerOff
		}
		return gfx.ParseRuntimeStatus(status)
	}
	return gfx.PowerOff
}

// SetRuntimePM writes power/control on every function still present.
func (g *DiscreteGpu) SetRuntimePM(ctx context.Context, pm RuntimePM) error {
	for _, fn := range g.functions {
		control := filepath.Join(fn.path, "power", "control")
		if _, err := os.Stat(control); isNotExist(err) {
			logger.FromContext(ctx).DebugContext(ctx, "function gone, skipping runtime PM", "address", fn.Address)
			continue
		}
		if err := WriteAttr(control, string(pm)); err != nil {
			return fmt.Errorf("set runtime pm on %s: %w", fn.Address, err)
		}
	}
	return nil
}

// Unbind detaches every function from its driver. A function that has no
// driver, or has disappeared, is already in the desired state.
func (g *DiscreteGpu) Unbind(ctx context.Context) error {
	log := logger.FromContext(ctx)
	for _, fn := range g.functions {
		driver := readDriverName(fn.path)
		if driver == "" {
			log.DebugContext(ctx, "function has no driver", "address", fn.Address)
			continue
		}
		if err := unbindFromDriver(g.paths, fn.Address, driver); err != nil {
			return fmt.Errorf("unbind %s from %s: %w", fn.Address, driver, err)
		}
		log.InfoContext(ctx, "unbound function", "address", fn.Address, "driver", driver)
	}
	return nil
}

// Remove deletes every function from the PCI tree until the next rescan.
func (g *DiscreteGpu) Remove(ctx context.Context) error {
	log := logger.FromContext(ctx)
	for _, fn := range g.functions {
		remove := filepath.Join(fn.path, "remove")
		if _, err := os.Stat(remove); isNotExist(err) {
			log.DebugContext(ctx, "function already removed", "address", fn.Address)
			continue
		}
		if err := WriteAttr(remove, "1"); err != nil {
			return fmt.Errorf("remove %s: %w", fn.Address, err)
		}
		log.InfoContext(ctx, "removed function", "address", fn.Address)
	}
	return nil
}

// SetHotplugPower switches the slot power of the dGPU.
func (g *DiscreteGpu) SetHotplugPower(ctx context.Context, on bool) error {
	if g.hotplugPower == "" {
		return ErrNoHotplugSlot
	}
	value := "0"
	if on {
		value = "1"
	}
	if err := WriteAttr(g.hotplugPower, value); err != nil {
		return fmt.Errorf("set hotplug power: %w", err)
	}
	logger.FromContext(ctx).InfoContext(ctx, "set hotplug slot power", "on", on)
	return nil
}

// VfioIDs returns the unique vendor:device pairs used by the vfio-pci ids option.
func (g *DiscreteGpu) VfioIDs() []string {
	return lo.Uniq(lo.Map(g.functions, func(fn Function, _ int) string {
		return fn.VendorID + ":" + fn.DeviceID
	}))
}

// DeviceNodes returns the /dev path prefixes through which processes hold
// the dGPU open.
func (g *DiscreteGpu) DeviceNodes() []string {
	if g.vendor == gfx.VendorNvidia {
		return []string{"/dev/nvidia"}
	}
	var nodes []string
	for _, fn := range g.functions {
		entries, err := os.ReadDir(filepath.Join(fn.path, "drm"))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "card") || strings.HasPrefix(e.Name(), "renderD") {
				nodes = append(nodes, "/dev/dri/"+e.Name())
			}
		}
	}
	return nodes
}

// RescanBus asks the kernel to re-enumerate the PCI bus.
func RescanBus(ctx context.Context, p *paths.Paths) error {
	if err := WriteAttr(p.PciRescan(), "1"); err != nil {
		return fmt.Errorf("rescan pci bus: %w", err)
	}
	logger.FromContext(ctx).InfoContext(ctx, "rescanned pci bus")
	return nil
}

func unbindFromDriver(p *paths.Paths, pciAddress, driver string) error {
	return WriteAttr(filepath.Join(p.PciDriver(driver), "unbind"), pciAddress)
}
