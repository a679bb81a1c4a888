package devices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/onkernel/gpumode/lib/logger"
)

const vfioDriver = "vfio-pci"

// IsVFIOAvailable checks if the vfio-pci driver is registered with the PCI bus
func (g *DiscreteGpu) IsVFIOAvailable() bool {
	_, err := os.Stat(g.paths.PciDriver(vfioDriver))
	return err == nil
}

// BindVFIO binds every function to vfio-pci. Functions must already be
// unbound from their previous driver; loading vfio-pci with an ids option
// usually claims them on its own, so functions already bound are skipped.
func (g *DiscreteGpu) BindVFIO(ctx context.Context) error {
	if !g.IsVFIOAvailable() {
		return ErrVFIONotAvailable
	}
	log := logger.FromContext(ctx)
	for _, fn := range g.functions {
		if _, err := os.Stat(fn.path); isNotExist(err) {
			continue
		}
		if readDriverName(fn.path) == vfioDriver {
			log.DebugContext(ctx, "function already bound to vfio-pci", "address", fn.Address)
			continue
		}

		// Override driver to vfio-pci so a later driver bind cannot hand it back
		if err := g.setDriverOverride(fn, vfioDriver); err != nil {
			return fmt.Errorf("set driver override on %s: %w", fn.Address, err)
		}

		// Bind using the bind method (more reliable than new_id)
		if err := WriteAttr(filepath.Join(g.paths.PciDriver(vfioDriver), "bind"), fn.Address); err != nil {
			return fmt.Errorf("bind %s to vfio-pci: %w", fn.Address, err)
		}
		log.InfoContext(ctx, "bound function to vfio-pci", "address", fn.Address)
	}
	return nil
}

// ClearDriverOverride removes a vfio-pci override left on any function so the
// vendor driver can claim it after the next driver bind.
func (g *DiscreteGpu) ClearDriverOverride(ctx context.Context) error {
	for _, fn := range g.functions {
		override := filepath.Join(fn.path, "driver_override")
		current, err := readTrim(override)
		if err != nil || current == "" || current == "(null)" {
			continue
		}
		if err := g.setDriverOverride(fn, ""); err != nil {
			return fmt.Errorf("clear driver override on %s: %w", fn.Address, err)
		}
		logger.FromContext(ctx).DebugContext(ctx, "cleared driver override", "address", fn.Address, "was", current)
	}
	return nil
}

// setDriverOverride sets the driver_override for a function
func (g *DiscreteGpu) setDriverOverride(fn Function, driver string) error {
	content := driver
	if driver == "" {
		content = "\n" // Writing newline clears the override
	}
	return WriteAttr(filepath.Join(fn.path, "driver_override"), content)
}

// TriggerDriverBind asks the kernel to bind drivers for every function
func (g *DiscreteGpu) TriggerDriverBind(ctx context.Context) error {
	for _, fn := range g.functions {
		if _, err := os.Stat(fn.path); isNotExist(err) {
			continue
		}
		if err := WriteAttr(g.paths.PciDriversBind(), fn.Address); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "failed to trigger driver bind", "address", fn.Address, "error", err)
		}
	}
	return nil
}
