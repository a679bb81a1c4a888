// Package paths provides centralized path construction for the host files gpumoded touches.
package paths

import "path/filepath"

const (
	configName = "gpumoded.conf"
	asusWMI    = "asus-nb-wmi"
)

// Paths provides typed path construction relative to a host root.
// Production uses "/", tests point it at a temporary tree.
type Paths struct {
	root string
}

// New creates a new Paths instance for the given host root.
func New(root string) *Paths {
	if root == "" {
		root = "/"
	}
	return &Paths{root: root}
}

// Root returns the host root.
func (p *Paths) Root() string {
	return p.root
}

// SysRoot returns the sysfs mount point.
func (p *Paths) SysRoot() string {
	return filepath.Join(p.root, "sys")
}

// ProcRoot returns the procfs mount point.
func (p *Paths) ProcRoot() string {
	return filepath.Join(p.root, "proc")
}

// ProcCmdline returns the kernel command line file.
func (p *Paths) ProcCmdline() string {
	return filepath.Join(p.ProcRoot(), "cmdline")
}

// PCI bus paths

// PciDevicesDir returns the directory listing every PCI function.
func (p *Paths) PciDevicesDir() string {
	return filepath.Join(p.SysRoot(), "bus", "pci", "devices")
}

// PciRescan returns the bus rescan trigger.
func (p *Paths) PciRescan() string {
	return filepath.Join(p.SysRoot(), "bus", "pci", "rescan")
}

// PciSlotsDir returns the directory of hotplug-capable slots.
func (p *Paths) PciSlotsDir() string {
	return filepath.Join(p.SysRoot(), "bus", "pci", "slots")
}

// PciDriversDir returns the directory of PCI drivers.
func (p *Paths) PciDriversDir() string {
	return filepath.Join(p.SysRoot(), "bus", "pci", "drivers")
}

// PciDriver returns the sysfs directory of a PCI driver.
func (p *Paths) PciDriver(name string) string {
	return filepath.Join(p.PciDriversDir(), name)
}

// PciDriversBind returns the drivers_probe trigger.
func (p *Paths) PciDriversBind() string {
	return filepath.Join(p.SysRoot(), "bus", "pci", "drivers_probe")
}

// SysModule returns the sysfs directory of a loaded kernel module.
func (p *Paths) SysModule(name string) string {
	return filepath.Join(p.SysRoot(), "module", name)
}

// Vendor firmware paths

// AsusPlatformAttr returns an attribute of the asus-nb-wmi platform device.
func (p *Paths) AsusPlatformAttr(name string) string {
	return filepath.Join(p.SysRoot(), "devices", "platform", asusWMI, name)
}

// Files owned by the daemon

// ConfigFile returns the persisted mode config.
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.root, "etc", configName)
}

// DriverConfig returns the modprobe file the daemon writes per mode.
func (p *Paths) DriverConfig() string {
	return filepath.Join(p.root, "etc", "modprobe.d", configName)
}

// RunDir returns the runtime state directory.
func (p *Paths) RunDir() string {
	return filepath.Join(p.root, "run")
}

// Socket returns the default control socket.
func (p *Paths) Socket() string {
	return filepath.Join(p.RunDir(), "gpumoded.sock")
}

// LockFile returns the single-instance lock.
func (p *Paths) LockFile() string {
	return filepath.Join(p.RunDir(), "gpumoded.lock")
}
