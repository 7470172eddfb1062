package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/zzenonn/zmigrate/internal/diskguard"
	"github.com/zzenonn/zmigrate/internal/repository/locks"
)

type mockPreflighter struct{ err error }

func (m *mockPreflighter) Available() error { return m.err }

func orchestratorFixture(t *testing.T, repo *mockStagingRepository) *Orchestrator {
	t.Helper()
	lock := locks.NewFileLock(filepath.Join(t.TempDir(), "test.lock"))
	guard := diskguard.NewGuard(t.TempDir(), 100, 100)
	return NewOrchestrator(repo, lock, guard, &mockPreflighter{}, "p/", 2, &ShutdownFlag{})
}

// TestOrchestrator_Units tests explicit selection and index fallback.
func TestOrchestrator_Units(t *testing.T) {
	repo := newMockStagingRepository()
	repo.storage["p/_index/folder_list.txt"] = []byte("UnitA/\nUnitB\n\nUnitC/\n")
	orch := orchestratorFixture(t, repo)
	ctx := context.Background()

	t.Run("explicit wins", func(t *testing.T) {
		units, err := orch.Units(ctx, []string{"Only"})
		if err != nil {
			t.Fatal(err)
		}
		if len(units) != 1 || units[0] != "Only" {
			t.Errorf("units = %v", units)
		}
	})

	t.Run("index fallback strips trailing slash", func(t *testing.T) {
		units, err := orch.Units(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"UnitA", "UnitB", "UnitC"}
		sort.Strings(units)
		if strings.Join(units, ",") != strings.Join(want, ",") {
			t.Errorf("units = %v, want %v", units, want)
		}
	})

	t.Run("missing index errors", func(t *testing.T) {
		empty := orchestratorFixture(t, newMockStagingRepository())
		if _, err := empty.Units(ctx, nil); err == nil {
			t.Error("expected error for missing index")
		}
	})
}

// TestOrchestrator_Run tests the pool: all units processed, failures
// aggregated, successes unaffected.
func TestOrchestrator_Run(t *testing.T) {
	orch := orchestratorFixture(t, newMockStagingRepository())

	var mu sync.Mutex
	var seen []string
	err := orch.Run(context.Background(), []string{"A", "B", "C"}, func(ctx context.Context, unit string) error {
		mu.Lock()
		seen = append(seen, unit)
		mu.Unlock()
		if unit == "B" {
			return fmt.Errorf("boom")
		}
		return nil
	})

	if err == nil || !strings.Contains(err.Error(), "B") {
		t.Errorf("Run = %v, want aggregated failure naming B", err)
	}
	if len(seen) != 3 {
		t.Errorf("processed %v, want all three units", seen)
	}
}

// TestOrchestrator_RunAllHealthy tests the zero-failure exit.
func TestOrchestrator_RunAllHealthy(t *testing.T) {
	orch := orchestratorFixture(t, newMockStagingRepository())

	err := orch.Run(context.Background(), []string{"A", "B"}, func(ctx context.Context, unit string) error {
		return nil
	})
	if err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

// TestOrchestrator_ShutdownStopsNewUnits tests that a latched flag prevents
// further units from starting.
func TestOrchestrator_ShutdownStopsNewUnits(t *testing.T) {
	repo := newMockStagingRepository()
	lock := locks.NewFileLock(filepath.Join(t.TempDir(), "test.lock"))
	guard := diskguard.NewGuard(t.TempDir(), 100, 100)
	flag := &ShutdownFlag{}
	// One worker makes unit starts strictly ordered.
	orch := NewOrchestrator(repo, lock, guard, &mockPreflighter{}, "p/", 1, flag)

	var mu sync.Mutex
	var seen []string
	err := orch.Run(context.Background(), []string{"A", "B", "C"}, func(ctx context.Context, unit string) error {
		mu.Lock()
		seen = append(seen, unit)
		mu.Unlock()
		flag.Request()
		return nil
	})
	if err != nil {
		t.Fatalf("Run = %v", err)
	}
	if len(seen) > 2 {
		t.Errorf("units after shutdown request: %v", seen)
	}
}

// TestOrchestrator_PreflightFailure tests that a missing capability is fatal
// before any unit runs.
func TestOrchestrator_PreflightFailure(t *testing.T) {
	repo := newMockStagingRepository()
	lock := locks.NewFileLock(filepath.Join(t.TempDir(), "test.lock"))
	guard := diskguard.NewGuard(t.TempDir(), 100, 100)
	orch := NewOrchestrator(repo, lock, guard, &mockPreflighter{err: fmt.Errorf("rclone not found")}, "p/", 1, &ShutdownFlag{})

	ran := false
	err := orch.Run(context.Background(), []string{"A"}, func(ctx context.Context, unit string) error {
		ran = true
		return nil
	})
	if err == nil || ran {
		t.Errorf("Run = %v ran=%v, want preflight failure before work", err, ran)
	}
}
