package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BindAddr != DefaultDelegatorBindAddr {
		t.Errorf("BindAddr = %q, want %q", cfg.BindAddr, DefaultDelegatorBindAddr)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", cfg.DataDir)
	}
}

func TestLoadFor_ExecutorDefaultDiffersFromDelegator(t *testing.T) {
	delegatorCfg, err := LoadFor("", DefaultDelegatorBindAddr)
	if err != nil {
		t.Fatalf("LoadFor(delegator) returned error: %v", err)
	}
	executorCfg, err := LoadFor("", DefaultExecutorBindAddr)
	if err != nil {
		t.Fatalf("LoadFor(executor) returned error: %v", err)
	}
	if delegatorCfg.BindAddr == executorCfg.BindAddr {
		t.Fatalf("expected distinct default bind addresses, both got %q", delegatorCfg.BindAddr)
	}
	if executorCfg.BindAddr != DefaultExecutorBindAddr {
		t.Errorf("executor BindAddr = %q, want %q", executorCfg.BindAddr, DefaultExecutorBindAddr)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load returned error for a missing file: %v", err)
	}
	if cfg.BindAddr != DefaultDelegatorBindAddr {
		t.Errorf("BindAddr = %q, want default %q", cfg.BindAddr, DefaultDelegatorBindAddr)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "bindAddr: \"localhost:9999\"\ndataDir: \"/tmp/awcp-test\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BindAddr != "localhost:9999" {
		t.Errorf("BindAddr = %q, want localhost:9999", cfg.BindAddr)
	}
	if cfg.DataDir != "/tmp/awcp-test" {
		t.Errorf("DataDir = %q, want /tmp/awcp-test", cfg.DataDir)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AWCP_BIND_ADDR", "localhost:1234")
	t.Setenv("AWCP_DATA_DIR", "/var/awcp")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BindAddr != "localhost:1234" {
		t.Errorf("BindAddr = %q, want env override localhost:1234", cfg.BindAddr)
	}
	if cfg.DataDir != "/var/awcp" {
		t.Errorf("DataDir = %q, want env override /var/awcp", cfg.DataDir)
	}
}
