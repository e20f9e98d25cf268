package models

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNameRequired is returned for a descriptor without a name
	ErrNameRequired = errors.New("permission name is required")
	// ErrInvalidName is returned for a name that cannot be stored as a key
	ErrInvalidName = errors.New("invalid permission name")
	// ErrInvalidState is returned for a state outside granted, denied and prompt
	ErrInvalidState = errors.New("invalid permission state")
)

// PermissionState represents the state reported by the host platform for a permission
type PermissionState string

const (
	StateGranted PermissionState = "granted"
	StateDenied  PermissionState = "denied"
	StatePrompt  PermissionState = "prompt"
)

// IsValid checks if the permission state is one of the known states
func (s PermissionState) IsValid() bool {
	switch s {
	case StateGranted, StateDenied, StatePrompt:
		return true
	default:
		return false
	}
}

// Descriptor names the permission to observe. The optional flags mirror the
// extra members some platforms accept for push, midi and camera queries.
type Descriptor struct {
	Name            string `json:"name"`
	UserVisibleOnly bool   `json:"userVisibleOnly,omitempty"`
	Sysex           bool   `json:"sysex,omitempty"`
	PanTiltZoom     bool   `json:"panTiltZoom,omitempty"`
}

// Named builds a descriptor from a bare permission name
func Named(name string) Descriptor {
	return Descriptor{Name: name}
}

// Key returns the canonical identity used to deduplicate observers.
// Descriptors are keyed by name only, so flags do not split entries.
func (d Descriptor) Key() string {
	return strings.TrimSpace(d.Name)
}

// validName matches dot separated tokens of letters, digits, '-' and '_'
var validName = regexp.MustCompile(`^[-_A-Za-z0-9]+(\.[-_A-Za-z0-9]+)*$`)

// Validate validates the descriptor
func (d Descriptor) Validate() error {
	key := d.Key()
	if key == "" {
		return ErrNameRequired
	}
	if !validName.MatchString(key) {
		return ErrInvalidName
	}
	return nil
}

// Snapshot is the last state observed for a permission
type Snapshot struct {
	Name       string          `json:"name"`
	State      PermissionState `json:"state"`
	ObservedAt time.Time       `json:"observed_at"`
	TTL        time.Duration   `json:"ttl,omitempty"`
}

// IsExpired checks if the snapshot has outlived its TTL
func (s *Snapshot) IsExpired() bool {
	if s.TTL == 0 {
		return false
	}
	return time.Since(s.ObservedAt) > s.TTL
}

// StateResponse represents the API response format
type StateResponse struct {
	Success bool                `json:"success"`
	Data    map[string]Snapshot `json:"data,omitempty"`
	Error   string              `json:"error,omitempty"`
}
