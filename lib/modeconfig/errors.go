package modeconfig

import "errors"

var (
	// ErrConfigIO is returned when the config file cannot be read or written
	ErrConfigIO = errors.New("config I/O error")

	// ErrConfigDirMissing is returned when the directory holding the config file does not exist
	ErrConfigDirMissing = errors.New("config directory does not exist")
)
