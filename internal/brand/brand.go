// Package brand holds the product name and default paths.
//
// The values are loaded from brand.json at compile time via go:embed so
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
	ArchiveFileName  string `json:"archiveFileName"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
	ArchiveFileName = b.ArchiveFileName
}

var (
	Name             string
	LowerName        string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	BinaryName       string
	ConfigFileName   string
	ArchiveFileName  string

	// Version is set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// GetStateDir returns the state directory, checking env vars first.
// Priority: BLACKHOLE_STATE_DIR > BLACKHOLE_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	return dir("_STATE_DIR", "state", DefaultStateDir)
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: BLACKHOLE_CONFIG_DIR > BLACKHOLE_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	return dir("_CONFIG_DIR", "config", DefaultConfigDir)
}

// DefaultConfigPath is the config file used when none is given.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// DefaultArchivePath is where retired queries are archived by default.
func DefaultArchivePath() string {
	return filepath.Join(GetStateDir(), ArchiveFileName)
}

func dir(envSuffix, sub, fallback string) string {
	if d := os.Getenv(ConfigEnvPrefix + envSuffix); d != "" {
		return d
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return fallback
}
