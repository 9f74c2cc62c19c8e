package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 || cfg.Storage.Backend != "json" || cfg.Storage.DataDir != "data" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Embedding.BatchSize != 96 || cfg.Embedding.Concurrency != 4 || cfg.Embedding.TimeoutSeconds != 30 {
		t.Errorf("embedding defaults not applied: %+v", cfg.Embedding)
	}
	if cfg.Index.DefaultLeafSize != 40 {
		t.Errorf("leaf size default = %d", cfg.Index.DefaultLeafSize)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("server:\n  port: 9999\nstorage:\n  backend: sqlite\n  data_dir: /tmp/from-file\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATA_DIR", "/tmp/from-env")
	t.Setenv("TESTING_DATA", "TRUE")
	t.Setenv("COHERE_API_KEY", "k-123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9999 || cfg.Storage.Backend != "sqlite" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Storage.DataDir != "/tmp/from-env" {
		t.Errorf("DATA_DIR env should win over the file, got %q", cfg.Storage.DataDir)
	}
	if !cfg.Storage.TestingData {
		t.Error("TESTING_DATA=TRUE not honored")
	}
	if cfg.Embedding.APIKey != "k-123" {
		t.Error("COHERE_API_KEY not picked up")
	}
}

func TestAddrOverride(t *testing.T) {
	cases := []struct {
		addr     string
		wantHost string
		wantPort int
	}{
		{"0.0.0.0:9090", "0.0.0.0", 9090},
		{":7070", "localhost", 7070},
		{"example.com:81", "example.com", 81},
		{"no-port", "localhost", 8080},
		{"host:notaport", "localhost", 8080},
	}
	for _, tc := range cases {
		t.Setenv("TANSAKU_ADDR", tc.addr)
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Server.Host != tc.wantHost || cfg.Server.Port != tc.wantPort {
			t.Errorf("TANSAKU_ADDR=%q -> %s:%d, want %s:%d",
				tc.addr, cfg.Server.Host, cfg.Server.Port, tc.wantHost, tc.wantPort)
		}
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: ["), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
