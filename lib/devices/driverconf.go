package devices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/onkernel/gpumode/lib/fsutil"
	"github.com/onkernel/gpumode/lib/gfx"
	"github.com/onkernel/gpumode/lib/logger"
)

const driverConfHeader = "# Automatically generated by gpumoded. Changes are overwritten on mode switch.\n"

const nvidiaBase = `blacklist nouveau
alias nouveau off
options nvidia NVreg_DynamicPowerManagement=0x02
`

const nvidiaModeset = "options nvidia-drm modeset=1\n"

const integratedBlacklist = `blacklist i2c_nvidia_gpu
blacklist nvidia
blacklist nvidia-drm
blacklist nvidia-modeset
blacklist nouveau
alias nouveau off
`

// RenderDriverConfig returns the modprobe.d contents for a mode, or nil when
// the mode needs no file and any previous one should be removed.
func RenderDriverConfig(mode gfx.Mode, vendor gfx.Vendor, vfioIDs []string) []byte {
	var b strings.Builder

	switch vendor {
	case gfx.VendorNvidia:
		switch mode {
		case gfx.ModeHybrid, gfx.ModeEgpu, gfx.ModeAsusMuxDiscreet:
			b.WriteString(nvidiaBase)
			b.WriteString(nvidiaModeset)
		case gfx.ModeDedicatedOnly, gfx.ModeCompute:
			b.WriteString(nvidiaBase)
		case gfx.ModeIntegrated:
			b.WriteString(integratedBlacklist)
		case gfx.ModeVfio:
			b.WriteString(integratedBlacklist)
			writeVfioIDs(&b, vfioIDs)
		}
	default:
		if mode == gfx.ModeVfio {
			writeVfioIDs(&b, vfioIDs)
		}
	}

	if b.Len() == 0 {
		return nil
	}
	return []byte(driverConfHeader + b.String())
}

func writeVfioIDs(b *strings.Builder, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(b, "options vfio-pci ids=%s\n", strings.Join(ids, ","))
}

// WriteDriverConfig atomically replaces the driver config file, or removes it
// when content is nil.
func WriteDriverConfig(ctx context.Context, path string, content []byte) error {
	log := logger.FromContext(ctx)
	if content == nil {
		if err := os.Remove(path); err != nil && !isNotExist(err) {
			return NewIOError("remove", path, err)
		}
		log.InfoContext(ctx, "removed driver config", "path", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return NewIOError("mkdir", filepath.Dir(path), err)
	}
	if err := fsutil.AtomicWriteFile(path, content, 0o644); err != nil {
		return NewIOError("write", path, err)
	}
	log.InfoContext(ctx, "wrote driver config", "path", path)
	return nil
}
