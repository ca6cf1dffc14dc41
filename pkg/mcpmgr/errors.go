package mcpmgr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPoolClosed is returned by Pool.Get once Pool.Close has been called.
	ErrPoolClosed = errors.New("mcpmgr: pool closed")
	// ErrUnknownServer is returned for names absent from the configuration.
	ErrUnknownServer = errors.New("mcpmgr: unknown server")
)

// Launch stages reported by LaunchError.
const (
	StageStart      = "start"
	StageInitialize = "initialize"
	StageDiscover   = "discover"
	StageInstall    = "install"
)

// LaunchError reports a backend that could not be brought up.
type LaunchError struct {
	Server string
	Stage  string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("mcpmgr: launch %q failed at %s: %v", e.Server, e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ConfigError reports an invalid gateway configuration document. Path is the
// dotted location of the offending value, empty for document-level failures.
type ConfigError struct {
	Path    string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

func (e *ConfigError) Unwrap() error { return e.Err }

func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	method = strings.ToLower(method)
	if strings.Contains(lower, method) {
		return true
	}
	for _, part := range strings.FieldsFunc(method, func(r rune) bool {
		return r == '/' || r == ':' || r == '.' || r == '_' || r == '-'
	}) {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return true
}
