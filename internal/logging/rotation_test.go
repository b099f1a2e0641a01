package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriter(t *testing.T) {
	t.Run("appends without rotation when disabled", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pool.log")
		rw, err := NewRotatingWriter(path, RotationConfig{})
		if err != nil {
			t.Fatalf("NewRotatingWriter failed: %v", err)
		}
		for i := 0; i < 3; i++ {
			if _, err := rw.Write([]byte("line\n")); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
		}
		if rw.Size() != 15 {
			t.Errorf("Size() = %d, want 15", rw.Size())
		}
		rw.Close()

		if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
			t.Error("no backup expected when rotation is disabled")
		}
	})

	t.Run("rotates and keeps bounded backups", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pool.log")
		rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
		if err != nil {
			t.Fatalf("NewRotatingWriter failed: %v", err)
		}
		chunk := []byte(strings.Repeat("x", 700*1024))
		for i := 0; i < 4; i++ {
			if _, err := rw.Write(chunk); err != nil {
				t.Fatalf("Write %d failed: %v", i, err)
			}
		}
		if err := rw.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		for _, p := range []string{path, path + ".1", path + ".2"} {
			if _, err := os.Stat(p); err != nil {
				t.Errorf("expected %s to exist: %v", p, err)
			}
		}
		if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
			t.Error("expected at most 2 backups")
		}
	})

	t.Run("compresses rotated files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pool.log")
		rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 1, Compress: true})
		if err != nil {
			t.Fatalf("NewRotatingWriter failed: %v", err)
		}
		chunk := []byte(strings.Repeat("y", 700*1024))
		rw.Write(chunk)
		rw.Write(chunk)
		rw.Close()

		if _, err := os.Stat(path + ".1.gz"); err != nil {
			t.Errorf("expected compressed backup: %v", err)
		}
		if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
			t.Error("uncompressed backup should be removed after compression")
		}
	})

	t.Run("write after close fails", func(t *testing.T) {
		rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "pool.log"), RotationConfig{})
		if err != nil {
			t.Fatalf("NewRotatingWriter failed: %v", err)
		}
		rw.Close()
		if _, err := rw.Write([]byte("x")); err == nil {
			t.Error("expected error writing to closed writer")
		}
		if err := rw.Close(); err != nil {
			t.Errorf("second Close() = %v", err)
		}
	})
}
