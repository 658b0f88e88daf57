package brand

import (
	"testing"
)

func TestGet(t *testing.T) {
	b := Get()
	if b.Name == "" {
		t.Error("Brand name should not be empty")
	}
	if Version == "" {
		t.Error("Global Version should be initialized (to dev default)")
	}
	if BinaryName != "blackhole" {
		t.Errorf("unexpected binary name %q", BinaryName)
	}
}

func TestGetDirectories(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "")
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "")

	if GetConfigDir() != DefaultConfigDir {
		t.Errorf("Expected default config dir %s, got %s", DefaultConfigDir, GetConfigDir())
	}
	if GetStateDir() != DefaultStateDir {
		t.Errorf("Expected default state dir %s, got %s", DefaultStateDir, GetStateDir())
	}
	if DefaultConfigPath() != "/etc/blackhole/blackhole.hcl" {
		t.Errorf("unexpected config path %s", DefaultConfigPath())
	}

	// Prefix
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/tmp/blackhole")
	if GetConfigDir() != "/tmp/blackhole/config" {
		t.Errorf("Expected prefix config dir, got %s", GetConfigDir())
	}
	if DefaultArchivePath() != "/tmp/blackhole/state/archive.db" {
		t.Errorf("Expected prefix archive path, got %s", DefaultArchivePath())
	}

	// Direct override wins
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "/custom/config")
	if GetConfigDir() != "/custom/config" {
		t.Errorf("Expected custom config dir, got %s", GetConfigDir())
	}
}
