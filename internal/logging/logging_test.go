package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigureFileSinkWritesLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s2s.log")

	l, err := Configure(Config{Type: "file", File: path, Level: "INFO"})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hello", "key", "value")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty log file")
	}
}

func TestReopenRotatesFileSink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s2s.log")

	l, err := Configure(Config{Type: "file", File: path, Level: "INFO"})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("before rotate")

	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Reopen(); err != nil {
		t.Fatal(err)
	}
	l.Info("after rotate")

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected reopened file to exist at original path: %v", err)
	}
}

func TestReopenIsNoopForStdoutSink(t *testing.T) {
	l, err := Configure(Config{Type: "stdout", Level: "INFO"})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Reopen(); err != nil {
		t.Fatalf("expected no-op Reopen to succeed, got %v", err)
	}
}

func TestConfigureRejectsUnknownType(t *testing.T) {
	if _, err := Configure(Config{Type: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown log type")
	}
}
