package branch_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/snehjoshi/slotify/internal/branch"
)

func TestEnsure_RegistersOnce(t *testing.T) {
	r, err := branch.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	created, err := r.Ensure("north", "")
	if err != nil || !created {
		t.Fatalf("first Ensure: created=%v err=%v", created, err)
	}
	first, _ := r.Get("north")

	created, err = r.Ensure("north", "")
	if err != nil || created {
		t.Fatalf("second Ensure: created=%v err=%v", created, err)
	}
	again, _ := r.Get("north")
	if !again.FirstSeen.Equal(first.FirstSeen) {
		t.Error("first-seen time must not change")
	}
}

func TestEnsure_InvalidName(t *testing.T) {
	r, _ := branch.New("")
	for _, n := range []string{"", "North", "has space", "-lead", "a/b", "no\x00rth"} {
		if _, err := r.Ensure(n, ""); !errors.Is(err, branch.ErrInvalidName) {
			t.Errorf("Ensure(%q): want ErrInvalidName, got %v", n, err)
		}
		if branch.ValidName(n) {
			t.Errorf("ValidName(%q) = true", n)
		}
	}
}

func TestEnsure_TracksDepartments(t *testing.T) {
	r, _ := branch.New("")
	_, _ = r.Ensure("north", "radiology")
	_, _ = r.Ensure("north", "cardiology")
	_, _ = r.Ensure("north", "radiology")

	b, err := r.Get("north")
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Departments) != 2 || b.Departments[0] != "cardiology" || b.Departments[1] != "radiology" {
		t.Errorf("departments %v", b.Departments)
	}

	// Returned records are copies.
	b.Departments[0] = "x"
	if again, _ := r.Get("north"); again.Departments[0] != "cardiology" {
		t.Error("registry state changed through a returned copy")
	}
}

func TestList_SortedByName(t *testing.T) {
	r, _ := branch.New("")
	for _, n := range []string{"south", "east", "north"} {
		_, _ = r.Ensure(n, "")
	}
	names := r.Names()
	if len(names) != 3 || names[0] != "east" || names[1] != "north" || names[2] != "south" {
		t.Errorf("names %v", names)
	}
}

func TestGet_NotFound(t *testing.T) {
	r, _ := branch.New("")
	if _, err := r.Get("nope"); !errors.Is(err, branch.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
	if r.Exists("nope") {
		t.Error("Exists on unknown branch")
	}
}

func TestPersistence_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	r1, _ := branch.New(dir)
	_, _ = r1.Ensure("north", "er")
	_, _ = r1.Ensure("south", "")

	r2, err := branch.New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !r2.Exists("north") || !r2.Exists("south") {
		t.Fatalf("branches lost across reopen: %v", r2.Names())
	}
	b, _ := r2.Get("north")
	if len(b.Departments) != 1 || b.Departments[0] != "er" {
		t.Errorf("departments lost: %v", b.Departments)
	}
}

func TestNew_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "branches.json"), []byte("{not json"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := branch.New(dir); err == nil {
		t.Fatal("expected parse error")
	}
}
