package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFileAndOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9000"
storage: memory
jwt_secret: from-file
snapshot_retention: 5
rate_limit:
  rps: 7
`)
	t.Setenv("SECRETFLOW_JWT_SECRET", "from-env")
	t.Setenv("SECRETFLOW_AUTO_SNAPSHOT", "true")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.Storage != "memory" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.JWTSecret != "from-env" {
		t.Errorf("expected env override, got %q", cfg.JWTSecret)
	}
	if !cfg.AutoSnapshot || cfg.SnapshotRetention != 5 {
		t.Errorf("snapshot settings not applied: %+v", cfg)
	}
	if cfg.RateLimit.RPS != 7 || cfg.RateLimit.Burst != 200 {
		t.Errorf("expected rps from file and default burst, got %+v", cfg.RateLimit)
	}
}

func TestLoadConfigDotEnv(t *testing.T) {
	path := writeConfig(t, "storage: memory\n")
	if err := os.WriteFile(".env", []byte("SECRETFLOW_JWT_SECRET=dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SECRETFLOW_JWT_SECRET") })

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.JWTSecret != "dotenv" {
		t.Errorf("expected secret from .env, got %q", cfg.JWTSecret)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"postgres without url", "storage: postgres\njwt_secret: x\n"},
		{"unknown storage", "storage: sqlite\njwt_secret: x\n"},
		{"missing jwt secret", "storage: memory\n"},
		{"negative retention", "storage: memory\njwt_secret: x\nsnapshot_retention: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			if _, err := loadConfig(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRootKey(t *testing.T) {
	key := make([]byte, 32)
	good := config{Storage: "postgres", RootKey: base64.StdEncoding.EncodeToString(key)}
	if got, ephemeral, err := good.rootKey(); err != nil || ephemeral || len(got) != 32 {
		t.Errorf("unexpected result: %d bytes, ephemeral=%v, err=%v", len(got), ephemeral, err)
	}

	if _, ephemeral, err := (config{Storage: "memory"}).rootKey(); err != nil || !ephemeral {
		t.Errorf("memory storage should allow an ephemeral key, err=%v", err)
	}
	if _, _, err := (config{Storage: "postgres"}).rootKey(); err == nil {
		t.Error("postgres storage requires a root key")
	}
	short := config{Storage: "postgres", RootKey: base64.StdEncoding.EncodeToString(key[:16])}
	if _, _, err := short.rootKey(); err == nil {
		t.Error("expected short key to be rejected")
	}
}
