package main

import "testing"

func TestParseFlagsDefaults(t *testing.T) {
	cfg, exit, code := parseFlags([]string{"open"})
	if exit {
		t.Fatalf("unexpected exit, code=%d", code)
	}
	if cfg.Command != "open" {
		t.Errorf("Command = %q, want open", cfg.Command)
	}
	if cfg.DataDir != "./triedb-data" {
		t.Errorf("DataDir = %q, want default", cfg.DataDir)
	}
	if !cfg.Compress {
		t.Errorf("Compress should default true")
	}
}

func TestParseFlagsRejectsUnknownCommand(t *testing.T) {
	_, exit, code := parseFlags([]string{"bogus"})
	if !exit || code == 0 {
		t.Fatalf("want exit with non-zero code, got exit=%v code=%d", exit, code)
	}
}

func TestParseFlagsRequiresArchivePath(t *testing.T) {
	_, exit, code := parseFlags([]string{"archive"})
	if !exit || code == 0 {
		t.Fatalf("want exit requiring --archive-path, got exit=%v code=%d", exit, code)
	}
}

func TestParseFlagsRepeatableStorage(t *testing.T) {
	cfg, exit, _ := parseFlags([]string{"open", "--storage", "/dev/a:seq:1:1000", "--storage", "/dev/b:cnv"})
	if exit {
		t.Fatalf("unexpected exit")
	}
	if len(cfg.Storage) != 2 {
		t.Fatalf("want 2 storage entries, got %d", len(cfg.Storage))
	}

	sources, err := parseStorageFlags(cfg.Storage)
	if err != nil {
		t.Fatalf("parseStorageFlags: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("want 2 sources, got %d", len(sources))
	}
	if sources[0].Path != "/dev/a" || sources[0].DeviceID != 1 || sources[0].Capacity != 1000 {
		t.Errorf("sources[0] = %+v", sources[0])
	}
	if sources[1].Path != "/dev/b" {
		t.Errorf("sources[1] = %+v", sources[1])
	}
}
