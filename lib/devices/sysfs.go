package devices

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

func normalizeHexID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(strings.ToLower(value), "0x")
	return value
}

// normalizeClassCode keeps the base class and subclass ("0300").
func normalizeClassCode(raw string) string {
	value := normalizeHexID(raw)
	if len(value) < 4 {
		return ""
	}
	return value[:4]
}

func readTrim(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readDriverName(devicePath string) string {
	link, err := os.Readlink(filepath.Join(devicePath, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

// WriteAttr writes a sysfs attribute. The file must already exist: sysfs
// never creates attributes on write, and neither do we.
func WriteAttr(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return NewIOError("open", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(value); err != nil {
		return NewIOError("write", path, err)
	}
	return nil
}

// resolveUnder joins rel onto root, following symlinks without leaving root.
func resolveUnder(root, rel string) (string, error) {
	p, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return "", &IOError{Op: "resolve", Path: filepath.Join(root, rel), Err: err}
	}
	return p, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
