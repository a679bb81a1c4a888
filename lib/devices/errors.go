package devices

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrDgpuNotFound is returned when no discrete GPU is enumerated on the PCI bus
	ErrDgpuNotFound = errors.New("discrete GPU not found")

	// ErrDeviceIO matches every IOError via errors.Is
	ErrDeviceIO = errors.New("device I/O error")

	// ErrVFIONotAvailable is returned when the vfio-pci driver is not registered
	ErrVFIONotAvailable = errors.New("VFIO is not available (vfio-pci not loaded)")

	// ErrModuleInUse is returned when a kernel module refuses to unload
	ErrModuleInUse = errors.New("kernel module is in use")

	// ErrNoHotplugSlot is returned when slot power is requested on a GPU without a hotplug slot
	ErrNoHotplugSlot = errors.New("discrete GPU has no hotplug slot")
)

// IOError is a failed read or write of a sysfs attribute or device file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

// NewIOError builds an IOError. A *fs.PathError is unwrapped since the
// IOError already carries the path.
func NewIOError(op, path string, err error) *IOError {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is lets callers match any IOError against ErrDeviceIO.
func (e *IOError) Is(target error) bool {
	return target == ErrDeviceIO
}
