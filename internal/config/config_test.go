package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
[Server]
listen-addr = "[::]:7000"
Namespace = "test"
shutdown-seconds = 5

[Logging]
Level = "debug"
Format = "json"

[Wire]
compression-threshold = 256
Algorithm = "xz"
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unisond.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadDecodesAllBlocks(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.Server.ListenAddr != "[::]:7000" {
		t.Fatalf("ListenAddr = %q", conf.Server.ListenAddr)
	}
	if conf.Server.ShutdownSeconds != 5 {
		t.Fatalf("ShutdownSeconds = %d, want 5", conf.Server.ShutdownSeconds)
	}
	if conf.Logging.Level != "debug" || conf.Logging.Format != "json" {
		t.Fatalf("got %+v", conf.Logging)
	}
	if conf.Wire.Algorithm != "xz" || conf.Wire.CompressionThreshold != 256 {
		t.Fatalf("got %+v", conf.Wire)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error loading a nonexistent file")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	reloaded := make(chan LogConf, 1)
	w, err := Watch(path, func(conf LogConf) {
		reloaded <- conf
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	updated := sampleConfig + "\n# touch\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case conf := <-reloaded:
		if conf.Level != "debug" {
			t.Fatalf("got %+v", conf)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never observed the rewrite")
	}
}
