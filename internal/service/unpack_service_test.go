package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/zzenonn/zmigrate/internal/archive"
	"github.com/zzenonn/zmigrate/internal/diskguard"
	"github.com/zzenonn/zmigrate/internal/progress"
)

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	src := t.TempDir()
	var names []string
	for rel, content := range files {
		plantFile(t, src, rel, content)
		names = append(names, rel)
	}
	dest := filepath.Join(t.TempDir(), "fixture.zip")
	if err := archive.Create(src, dest, names); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func unpackFixture(t *testing.T, repo *mockStagingRepository, copier *mockCopier) *UnpackService {
	t.Helper()
	store := progress.NewStore(repo, "p/", 0)
	guard := diskguard.NewGuard(t.TempDir(), 100, 100)
	opts := UnpackOptions{
		Prefix:       "p/",
		DestRemote:   "dst:bucket",
		Transfers:    2,
		PollInterval: 10 * time.Millisecond,
		Quiet:        true,
	}
	return NewUnpackService(repo, copier, store, guard, opts, &ShutdownFlag{})
}

// TestUnpackService_UnpackUnit tests the sequential drain in natural key
// order with additive republish per archive.
func TestUnpackService_UnpackUnit(t *testing.T) {
	repo := newMockStagingRepository()
	repo.storage["p/UnitA_Part1.zip"] = makeZip(t, map[string]string{"f1.txt": "one"})
	repo.storage["p/UnitA_Part2.zip"] = makeZip(t, map[string]string{"f2.txt": "two"})
	repo.storage["p/UnitA_Part10.zip"] = makeZip(t, map[string]string{"f10.txt": "ten"})
	repo.storage["p/UnitA_List.txt"] = []byte("not an archive\n")

	var order []string
	copier := &mockCopier{
		treeFunc: func(localDir, dst string) error {
			entries, err := os.ReadDir(localDir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				order = append(order, e.Name())
			}
			return nil
		},
	}
	svc := unpackFixture(t, repo, copier)

	if err := svc.UnpackUnit(context.Background(), "UnitA"); err != nil {
		t.Fatalf("UnpackUnit: %v", err)
	}

	// Lexicographic listing would republish Part10 before Part2.
	want := []string{"f1.txt", "f2.txt", "f10.txt"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("republish order = %v, want %v", order, want)
	}
	if len(copier.treeCalls) != 3 || copier.treeCalls[0] != "dst:bucket/UnitA" {
		t.Errorf("republish destinations = %v", copier.treeCalls)
	}

	var record progress.Record
	if err := json.Unmarshal(repo.storage["p/_progress/UnitA_unzip_progress.json"], &record); err != nil {
		t.Fatal(err)
	}
	if !record.UnitComplete {
		t.Error("unit not marked complete")
	}
	if len(record.CompletedKeys) != 3 {
		t.Errorf("checkpoint keys = %v", record.CompletedKeys)
	}
}

// TestUnpackService_SkipsCompletedArchive tests resume behavior.
func TestUnpackService_SkipsCompletedArchive(t *testing.T) {
	repo := newMockStagingRepository()
	repo.storage["p/UnitA_Part1.zip"] = makeZip(t, map[string]string{"f1.txt": "one"})
	repo.storage["p/UnitA_Part2.zip"] = makeZip(t, map[string]string{"f2.txt": "two"})

	record, _ := json.Marshal(progress.Record{CompletedKeys: []string{"p/UnitA_Part1.zip"}})
	repo.storage["p/_progress/UnitA_unzip_progress.json"] = record

	copier := &mockCopier{}
	svc := unpackFixture(t, repo, copier)

	if err := svc.UnpackUnit(context.Background(), "UnitA"); err != nil {
		t.Fatalf("UnpackUnit: %v", err)
	}
	if len(copier.treeCalls) != 1 {
		t.Errorf("got %d republishes, want 1", len(copier.treeCalls))
	}
}

// TestUnpackService_CorruptArchiveContinues tests that one bad archive does
// not stop the drain and blocks unit completion.
func TestUnpackService_CorruptArchiveContinues(t *testing.T) {
	repo := newMockStagingRepository()
	repo.storage["p/UnitA_Part1.zip"] = []byte("this is not a zip file")
	repo.storage["p/UnitA_Part2.zip"] = makeZip(t, map[string]string{"f2.txt": "two"})

	copier := &mockCopier{}
	svc := unpackFixture(t, repo, copier)

	if err := svc.UnpackUnit(context.Background(), "UnitA"); err == nil {
		t.Fatal("expected error for corrupt archive")
	}
	if len(copier.treeCalls) != 1 {
		t.Errorf("healthy sibling not republished, got %d calls", len(copier.treeCalls))
	}

	var record progress.Record
	if err := json.Unmarshal(repo.storage["p/_progress/UnitA_unzip_progress.json"], &record); err != nil {
		t.Fatal(err)
	}
	if record.UnitComplete {
		t.Error("unit marked complete despite corrupt archive")
	}
	if !record.HasKey("p/UnitA_Part2.zip") {
		t.Error("healthy archive not checkpointed")
	}
}

// TestUnpackService_AlreadyComplete tests the fast path.
func TestUnpackService_AlreadyComplete(t *testing.T) {
	repo := newMockStagingRepository()
	record, _ := json.Marshal(progress.Record{UnitComplete: true})
	repo.storage["p/_progress/UnitA_unzip_progress.json"] = record

	copier := &mockCopier{}
	svc := unpackFixture(t, repo, copier)

	if err := svc.UnpackUnit(context.Background(), "UnitA"); err != nil {
		t.Fatalf("UnpackUnit: %v", err)
	}
	if len(copier.treeCalls) != 0 {
		t.Error("completed unit triggered republish")
	}
}
