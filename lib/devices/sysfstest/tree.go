// Package sysfstest builds fake sysfs/procfs trees for tests.
package sysfstest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/onkernel/gpumode/lib/paths"
	"github.com/stretchr/testify/require"
)

// Tree is a temporary host root laid out like /sys, /proc, /etc and /run.
type Tree struct {
	Root string
	t    testing.TB
}

// Func describes one fake PCI function.
type Func struct {
	Address       string // 0000:01:00.0
	Vendor        string // 10de
	Device        string // 2560
	Class         string // 030000
	Driver        string // bound driver, empty for none
	BootVGA       string // "0", "1" or empty to omit the file
	RuntimeStatus string // defaults to "active"
	DRM           []string
}

// New creates an empty tree under t.TempDir().
func New(t testing.TB) *Tree {
	t.Helper()
	tr := &Tree{Root: t.TempDir(), t: t}
	tr.mkdir("sys/bus/pci/devices")
	tr.mkdir("sys/bus/pci/drivers")
	tr.mkdir("sys/bus/pci/slots")
	tr.mkdir("sys/devices/pci0000:00")
	tr.mkdir("proc")
	tr.mkdir("etc/modprobe.d")
	tr.mkdir("run")
	tr.WriteFile("sys/bus/pci/rescan", "")
	tr.WriteFile("sys/bus/pci/drivers_probe", "")
	tr.WriteFile("proc/cmdline", "BOOT_IMAGE=/vmlinuz root=/dev/sda1 quiet\n")
	return tr
}

// Paths returns a Paths rooted at the tree.
func (tr *Tree) Paths() *paths.Paths {
	return paths.New(tr.Root)
}

// Path joins rel onto the tree root.
func (tr *Tree) Path(rel string) string {
	return filepath.Join(tr.Root, rel)
}

// AddDriver registers a PCI driver with bind/unbind attributes.
func (tr *Tree) AddDriver(name string) {
	tr.WriteFile(filepath.Join("sys/bus/pci/drivers", name, "bind"), "")
	tr.WriteFile(filepath.Join("sys/bus/pci/drivers", name, "unbind"), "")
}

// AddFunction creates a PCI function and links it from bus/pci/devices the
// way the kernel does.
func (tr *Tree) AddFunction(f Func) {
	tr.t.Helper()
	dev := filepath.Join("sys/devices/pci0000:00", f.Address)
	tr.WriteFile(filepath.Join(dev, "class"), "0x"+f.Class+"\n")
	tr.WriteFile(filepath.Join(dev, "vendor"), "0x"+f.Vendor+"\n")
	tr.WriteFile(filepath.Join(dev, "device"), "0x"+f.Device+"\n")
	tr.WriteFile(filepath.Join(dev, "remove"), "")
	tr.WriteFile(filepath.Join(dev, "driver_override"), "(null)\n")
	tr.WriteFile(filepath.Join(dev, "power/control"), "on\n")
	status := f.RuntimeStatus
	if status == "" {
		status = "active"
	}
	tr.WriteFile(filepath.Join(dev, "power/runtime_status"), status+"\n")
	if f.BootVGA != "" {
		tr.WriteFile(filepath.Join(dev, "boot_vga"), f.BootVGA+"\n")
	}
	for _, node := range f.DRM {
		tr.mkdir(filepath.Join(dev, "drm", node))
	}
	require.NoError(tr.t, os.Symlink(
		filepath.Join("../../../devices/pci0000:00", f.Address),
		tr.Path(filepath.Join("sys/bus/pci/devices", f.Address)),
	))
	if f.Driver != "" {
		tr.AddDriver(f.Driver)
		tr.BindDriver(f.Address, f.Driver)
	}
}

// BindDriver points a function's driver link at a driver.
func (tr *Tree) BindDriver(address, driver string) {
	tr.t.Helper()
	link := tr.Path(filepath.Join("sys/devices/pci0000:00", address, "driver"))
	_ = os.Remove(link)
	require.NoError(tr.t, os.Symlink(filepath.Join("../../../bus/pci/drivers", driver), link))
}

// UnbindDriver removes a function's driver link.
func (tr *Tree) UnbindDriver(address string) {
	_ = os.Remove(tr.Path(filepath.Join("sys/devices/pci0000:00", address, "driver")))
}

// RemoveFunction deletes a function as if it had been removed from the bus.
func (tr *Tree) RemoveFunction(address string) {
	tr.t.Helper()
	require.NoError(tr.t, os.RemoveAll(tr.Path(filepath.Join("sys/devices/pci0000:00", address))))
	require.NoError(tr.t, os.Remove(tr.Path(filepath.Join("sys/bus/pci/devices", address))))
}

// FunctionAttr returns the path of an attribute of a function.
func (tr *Tree) FunctionAttr(address, attr string) string {
	return tr.Path(filepath.Join("sys/devices/pci0000:00", address, attr))
}

// AddHotplugSlot creates bus/pci/slots/<name> for the given slot address.
func (tr *Tree) AddHotplugSlot(name, slotAddress string) {
	tr.WriteFile(filepath.Join("sys/bus/pci/slots", name, "address"), slotAddress+"\n")
	tr.WriteFile(filepath.Join("sys/bus/pci/slots", name, "power"), "1\n")
}

// SetAsusAttr creates or overwrites an asus-nb-wmi attribute.
func (tr *Tree) SetAsusAttr(name, value string) {
	tr.WriteFile(filepath.Join("sys/devices/platform/asus-nb-wmi", name), value+"\n")
}

// SetCmdline replaces /proc/cmdline.
func (tr *Tree) SetCmdline(cmdline string) {
	tr.WriteFile("proc/cmdline", cmdline+"\n")
}

// AddProcess creates /proc/<pid>/fd with links to the given targets.
func (tr *Tree) AddProcess(pid string, targets ...string) {
	tr.t.Helper()
	fdDir := filepath.Join("proc", pid, "fd")
	tr.mkdir(fdDir)
	for i, target := range targets {
		require.NoError(tr.t, os.Symlink(target, tr.Path(filepath.Join(fdDir, string(rune('3'+i))))))
	}
}

// WriteFile writes a file relative to the root, creating parents.
func (tr *Tree) WriteFile(rel, content string) {
	tr.t.Helper()
	p := tr.Path(rel)
	require.NoError(tr.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(tr.t, os.WriteFile(p, []byte(content), 0o644))
}

// BreakAttr replaces the attribute at rel with a directory so that writes to
// it fail with EISDIR.
func (tr *Tree) BreakAttr(rel string) {
	tr.t.Helper()
	p := tr.Path(rel)
	require.NoError(tr.t, os.RemoveAll(p))
	require.NoError(tr.t, os.MkdirAll(p, 0o755))
}

// ReadFile returns the trimmed contents of a file relative to the root.
func (tr *Tree) ReadFile(rel string) string {
	tr.t.Helper()
	data, err := os.ReadFile(tr.Path(rel))
	require.NoError(tr.t, err)
	return strings.TrimSpace(string(data))
}

// Exists reports whether rel exists under the root.
func (tr *Tree) Exists(rel string) bool {
	_, err := os.Stat(tr.Path(rel))
	return err == nil
}

func (tr *Tree) mkdir(rel string) {
	tr.t.Helper()
	require.NoError(tr.t, os.MkdirAll(tr.Path(rel), 0o755))
}

// NvidiaLaptop builds the common layout: Intel iGPU at 00:02.0 and an Nvidia
// dGPU at 01:00.0 with an HDMI audio function at 01:00.1.
func NvidiaLaptop(t testing.TB) *Tree {
	tr := New(t)
	tr.AddFunction(Func{Address: "0000:00:02.0", Vendor: "8086", Device: "a7a0", Class: "030000", Driver: "i915", BootVGA: "1"})
	tr.AddFunction(Func{Address: "0000:01:00.0", Vendor: "10de", Device: "2560", Class: "030000", Driver: "nvidia", BootVGA: "0"})
	tr.AddFunction(Func{Address: "0000:01:00.1", Vendor: "10de", Device: "228e", Class: "040300", Driver: "snd_hda_intel"})
	return tr
}
