// Package appid holds the identity metadata shared by the CLI, config loader
// and telemetry: binary name, config name, env prefix and description.
package appid

import (
	"os"
	"strings"
)

// EnvBinaryName overrides the binary name reported in help text and logs.
const EnvBinaryName = "CHORUS_BINARY_NAME"

// Identity describes the application.
type Identity struct {
	BinaryName  string
	ConfigName  string
	EnvPrefix   string
	Description string
}

var defaultIdentity = Identity{
	BinaryName:  "chorus",
	ConfigName:  "chorus",
	EnvPrefix:   "CHORUS_",
	Description: "Multi-model chat relay with tiered quota enforcement",
}

// Get returns the application identity.
func Get() *Identity {
	identity := defaultIdentity
	if name := strings.TrimSpace(os.Getenv(EnvBinaryName)); name != "" {
		identity.BinaryName = name
	}
	return &identity
}

// TelemetryNamespace returns the metric namespace derived from the binary name.
func (i *Identity) TelemetryNamespace() string {
	if i == nil || strings.TrimSpace(i.BinaryName) == "" {
		return defaultIdentity.BinaryName
	}
	return strings.ReplaceAll(strings.ToLower(i.BinaryName), "-", "_")
}

// Prefix returns EnvPrefix with a guaranteed trailing underscore.
func (i *Identity) Prefix() string {
	prefix := defaultIdentity.EnvPrefix
	if i != nil && strings.TrimSpace(i.EnvPrefix) != "" {
		prefix = i.EnvPrefix
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}
