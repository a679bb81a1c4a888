package devices

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"

	"github.com/onkernel/gpumode/lib/logger"
	"golang.org/x/sys/unix"
)

// Modules loads and unloads kernel modules.
type Modules interface {
	Load(ctx context.Context, name string) error
	Unload(ctx context.Context, name string) error
}

var (
	// NvidiaModules is the full Nvidia stack in load order.
	NvidiaModules = []string{"nvidia", "nvidia_modeset", "nvidia_uvm", "nvidia_drm"}

	// NvidiaComputeModules leaves out the display side so no compositor picks the dGPU up.
	NvidiaComputeModules = []string{"nvidia", "nvidia_uvm"}

	// VfioModules is the VFIO stack in unload order.
	VfioModules = []string{"vfio_pci", "vfio_pci_core", "vfio_iommu_type1", "vfio_virqfd", "vfio_mdev", "vfio"}
)

// UnloadOrder returns mods reversed, dependents first.
func UnloadOrder(mods []string) []string {
	out := slices.Clone(mods)
	slices.Reverse(out)
	return out
}

// KernelModules loads with modprobe, so dependencies and the options in
// modprobe.d apply, and unloads with delete_module(2).
type KernelModules struct {
	modprobe string
}

// NewKernelModules creates a KernelModules using modprobe from PATH.
func NewKernelModules() *KernelModules {
	return &KernelModules{modprobe: "modprobe"}
}

// Load loads a module and its dependencies.
func (k *KernelModules) Load(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, k.modprobe, name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("modprobe %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	logger.FromContext(ctx).InfoContext(ctx, "loaded kernel module", "module", name)
	return nil
}

// Unload removes a module. A module that is not loaded is not an error.
func (k *KernelModules) Unload(ctx context.Context, name string) error {
	name = strings.ReplaceAll(name, "-", "_")
	err := unix.DeleteModule(name, unix.O_NONBLOCK)
	switch {
	case err == nil:
		logger.FromContext(ctx).InfoContext(ctx, "unloaded kernel module", "module", name)
		return nil
	case errors.Is(err, unix.ENOENT):
		logger.FromContext(ctx).DebugContext(ctx, "kernel module not loaded", "module", name)
		return nil
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EAGAIN):
		return fmt.Errorf("unload %s: %w", name, ErrModuleInUse)
	default:
		return fmt.Errorf("unload %s: %w", name, err)
	}
}
