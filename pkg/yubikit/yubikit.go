// Package yubikit is the public entry point for applications: logging
// control and convenience helpers on top of the session packages.
package yubikit

import (
	"avaneesh/yubikit-go/pkg/connection"
	"avaneesh/yubikit-go/pkg/internal/logger"
	"avaneesh/yubikit-go/pkg/management"
)

// LogLevel represents logging level
type LogLevel int

const (
	// LevelDebug shows all log messages, including wire traffic hex dumps
	LevelDebug LogLevel = iota
	// LevelInfo shows info, warn, and error messages (default)
	LevelInfo
	// LevelWarn shows warn and error messages
	LevelWarn
	// LevelError shows only error messages
	LevelError
)

// SetLogLevel sets the global logging level
func SetLogLevel(level LogLevel) {
	logger.GetDefault().SetLevel(logger.Level(level))
}

// DisableLogging replaces the global logger with one that discards
// everything
func DisableLogging() {
	logger.SetDefault(logger.NewNoOpLogger())
}

// ReadDeviceInfo opens a management session over the connection and
// reads the device information. The connection stays open and can be
// reused for another session.
func ReadDeviceInfo(conn connection.Connection) (*management.DeviceInfo, error) {
	session, err := management.NewSession(conn)
	if err != nil {
		return nil, err
	}
	return session.ReadDeviceInfo()
}
