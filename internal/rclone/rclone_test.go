package rclone

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// TestAvailable tests the binary preflight.
func TestAvailable(t *testing.T) {
	r := NewRunner("definitely-not-a-real-binary-name", "")
	err := r.Available()
	if err == nil || !strings.Contains(err.Error(), "not found in PATH") {
		t.Errorf("Available = %v, want missing capability error", err)
	}
}

// TestBaseArgs tests config flag injection.
func TestBaseArgs(t *testing.T) {
	t.Run("no config", func(t *testing.T) {
		r := NewRunner("rclone", "")
		got := r.baseArgs("lsf", "remote:")
		if !reflect.DeepEqual(got, []string{"lsf", "remote:"}) {
			t.Errorf("baseArgs = %v", got)
		}
	})

	t.Run("missing config file skipped", func(t *testing.T) {
		r := NewRunner("rclone", filepath.Join(t.TempDir(), "nope.conf"))
		got := r.baseArgs("lsf", "remote:")
		if len(got) != 2 {
			t.Errorf("baseArgs = %v, want config flag omitted", got)
		}
	})

	t.Run("existing config appended", func(t *testing.T) {
		conf := filepath.Join(t.TempDir(), "rclone.conf")
		if err := os.WriteFile(conf, []byte("[remote]\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		r := NewRunner("rclone", conf)
		got := r.baseArgs("lsf", "remote:")
		if len(got) != 4 || got[2] != "--config" || got[3] != conf {
			t.Errorf("baseArgs = %v", got)
		}
	})
}

// TestTruncate tests stderr truncation for log hygiene.
func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 500)
	if got := truncate(long, 200); len(got) != 200 {
		t.Errorf("truncate length = %d", len(got))
	}
	if got := truncate("short", 200); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
