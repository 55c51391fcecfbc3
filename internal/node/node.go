// Package node manages identifiers for a Slotify server instance.
//
// Every process has a persistent instance ULID, generated on first start and
// stored in the data directory, which is reported by /health so operators can
// tell replicas apart. The same monotone ULID source also mints token IDs:
// ULIDs generated within one millisecond still sort in creation order, which
// the queue relies on as its final tie-break.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const instanceFile = "instance_id"

// Node holds the persistent identity of this server instance.
type Node struct {
	id      string
	dataDir string
}

// New returns a Node whose ID is loaded from dataDir/instance_id, generating
// and persisting a fresh one when the file is absent. A non-empty override
// other than "auto" is used verbatim after validation.
func New(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if !Valid(override) {
			return nil, fmt.Errorf("node: invalid id override %q", override)
		}
		return &Node{id: override, dataDir: dataDir}, nil
	}

	path := filepath.Join(dataDir, instanceFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if !Valid(id) {
			return nil, fmt.Errorf("node: persisted id %q is invalid", id)
		}
		return &Node{id: id, dataDir: dataDir}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("node: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return nil, fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return nil, fmt.Errorf("node: persist id: %w", err)
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the instance ULID.
func (n *Node) ID() string { return n.id }

// DataDir returns the root data directory for this node.
func (n *Node) DataDir() string { return n.dataDir }

var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewIDAt mints a ULID stamped with t. Calls are serialised so that IDs
// sharing a millisecond remain strictly increasing.
func NewIDAt(t time.Time) (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewID mints a ULID stamped with the current time.
func NewID() (string, error) { return NewIDAt(time.Now()) }

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}

// Valid reports whether s is a well-formed ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
