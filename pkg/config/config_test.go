package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromFile_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Resources.MaxVMs != Default().Resources.MaxVMs {
		t.Errorf("expected defaults when file is missing")
	}
}

func TestLoadFromFile_ParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[runtime]
listen_address = ":9999"

[resources]
max_vms = 7

[cluster]
algorithm = "least_connections"
static_hosts = ["10.0.0.1:8080", "10.0.0.2:8080"]
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Runtime.ListenAddress != ":9999" {
		t.Errorf("ListenAddress = %q, want :9999", cfg.Runtime.ListenAddress)
	}
	if cfg.Resources.MaxVMs != 7 {
		t.Errorf("MaxVMs = %d, want 7", cfg.Resources.MaxVMs)
	}
	if cfg.Cluster.Algorithm != "least_connections" {
		t.Errorf("Algorithm = %q, want least_connections", cfg.Cluster.Algorithm)
	}
	if len(cfg.Cluster.StaticHosts) != 2 {
		t.Errorf("StaticHosts = %v, want 2 entries", cfg.Cluster.StaticHosts)
	}
	if cfg.Image.RootDir != Default().Image.RootDir {
		t.Errorf("expected untouched Image section to retain defaults")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("MICROVM_RESOURCES_MAX_VMS", "123")
	t.Setenv("MICROVM_CLUSTER_HOSTS", "a:1,b:2,c:3")

	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.Resources.MaxVMs != 123 {
		t.Errorf("MaxVMs = %d, want 123", cfg.Resources.MaxVMs)
	}
	if len(cfg.Cluster.StaticHosts) != 3 {
		t.Errorf("StaticHosts = %v, want 3 entries", cfg.Cluster.StaticHosts)
	}
}

func TestValidate_RejectsInvertedReplicaRange(t *testing.T) {
	cfg := Default()
	cfg.Cluster.MinReplicas = 5
	cfg.Cluster.MaxReplicas = 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for inverted replica range")
	}
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for invalid log level")
	}
}
