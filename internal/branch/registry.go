// Package branch keeps the registry of scheduling branches.
//
// A branch is registered implicitly the first time a token is admitted to
// it. The registry records when each branch was first seen and which
// departments have issued tokens there, and persists that to
// branches.json in the data directory so it survives restarts.
//
// All methods are safe for concurrent use.
package branch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// nameRe: 1-64 chars, lowercase letters, digits and hyphens, starting with a
// letter or digit.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

var (
	ErrNotFound    = errors.New("branch: not found")
	ErrInvalidName = errors.New("branch: invalid name")
)

// Branch is the metadata kept per registered branch.
type Branch struct {
	Name        string    `json:"name"`
	FirstSeen   time.Time `json:"first_seen"`
	Departments []string  `json:"departments,omitempty"`
}

func (b *Branch) clone() *Branch {
	cp := *b
	cp.Departments = append([]string(nil), b.Departments...)
	return &cp
}

func (b *Branch) hasDepartment(d string) bool {
	i := sort.SearchStrings(b.Departments, d)
	return i < len(b.Departments) && b.Departments[i] == d
}

// Registry is the in-memory view of branches.json. A Registry with an empty
// data dir keeps everything in memory.
type Registry struct {
	mu       sync.RWMutex
	branches map[string]*Branch
	filePath string
	now      func() time.Time
}

// New loads dataDir/branches.json, starting empty if it does not exist.
// An empty dataDir gives a memory-only registry.
func New(dataDir string) (*Registry, error) {
	r := &Registry{branches: make(map[string]*Branch), now: time.Now}
	if dataDir == "" {
		return r, nil
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("branch: create data dir: %w", err)
	}
	r.filePath = filepath.Join(dataDir, "branches.json")
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// ValidName reports whether name is acceptable as a branch name.
func ValidName(name string) bool { return nameRe.MatchString(name) }

// Ensure registers name if it is new and records department against it.
// It reports whether the branch was created by this call.
func (r *Registry) Ensure(name, department string) (bool, error) {
	if !nameRe.MatchString(name) {
		return false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.branches[name]
	if ok && (department == "" || b.hasDepartment(department)) {
		return false, nil
	}
	if !ok {
		b = &Branch{Name: name, FirstSeen: r.now().UTC()}
		r.branches[name] = b
	}
	if department != "" && !b.hasDepartment(department) {
		b.Departments = append(b.Departments, department)
		sort.Strings(b.Departments)
	}
	return !ok, r.save()
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.branches[name]
	return ok
}

// Get returns a copy of the branch record.
func (r *Registry) Get(name string) (*Branch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.branches[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return b.clone(), nil
}

// List returns every branch sorted by name.
func (r *Registry) List() []*Branch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Branch, 0, len(r.branches))
	for _, b := range r.branches {
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered branch names in order.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, b := range list {
		names[i] = b.Name
	}
	return names
}

// ─── Persistence ──────────────────────────────────────────────────────────────

type fileModel struct {
	Branches []*Branch `json:"branches"`
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("branch: read %s: %w", r.filePath, err)
	}
	var m fileModel
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("branch: parse %s: %w", r.filePath, err)
	}
	for _, b := range m.Branches {
		sort.Strings(b.Departments)
		r.branches[b.Name] = b
	}
	return nil
}

// save rewrites the file through a temp file and rename. Caller holds mu.
func (r *Registry) save() error {
	if r.filePath == "" {
		return nil
	}
	list := make([]*Branch, 0, len(r.branches))
	for _, b := range r.branches {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(fileModel{Branches: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("branch: marshal: %w", err)
	}
	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("branch: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.filePath); err != nil {
		return fmt.Errorf("branch: rename to %s: %w", r.filePath, err)
	}
	return nil
}
