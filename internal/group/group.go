// Package group persists chat group descriptors and their message history,
// one JSON file per group. The session core consults it when building sync
// replies and when recording relayed messages; delivery itself never depends
// on it.
package group

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// EverybodyGroup is the distinguished group every user belongs to. Messages
// addressed to it are broadcast to all online sessions.
const EverybodyGroup = "Everybody"

// Message is one stored chat message.
type Message struct {
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// Descriptor describes a group as sent to clients in sync replies.
type Descriptor struct {
	Name     string    `json:"name"`
	Hash     string    `json:"hash"`
	Users    []string  `json:"users"`
	Messages []Message `json:"messages"`
}

// Directory is the group collaborator consumed by the request router.
type Directory interface {
	// Groups returns the descriptors of every group the user belongs to,
	// including the Everybody group.
	Groups(username string) ([]Descriptor, error)

	// AddMessage records a message against the group identified by hash,
	// creating the group from the given name and member list when it is not
	// known yet. It returns the hash the group is stored under.
	AddMessage(hash, name string, users []string, msg Message) (string, error)
}

// FileDirectory stores one JSON file per group under a base directory, named
// by the group hash. Safe for concurrent use.
type FileDirectory struct {
	mu  sync.Mutex
	dir string
}

// OpenDirectory prepares a FileDirectory rooted at dir, creating it if absent.
func OpenDirectory(dir string) (*FileDirectory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create group directory %s: %w", dir, err)
	}
	return &FileDirectory{dir: dir}, nil
}

func (d *FileDirectory) groupPath(hash string) string {
	return filepath.Join(d.dir, hash+".json")
}

func (d *FileDirectory) load(hash string) (*Descriptor, error) {
	data, err := os.ReadFile(d.groupPath(hash))
	if err != nil {
		return nil, err
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("group %s: %w", hash, err)
	}
	return &desc, nil
}

func (d *FileDirectory) save(desc *Descriptor) error {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(d.groupPath(desc.Hash), data, 0o600)
}

// Groups implements Directory. Results are ordered by group hash so repeated
// calls return the same sequence.
func (d *FileDirectory) Groups(username string) ([]Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	sort.Strings(names)

	groups := make([]Descriptor, 0, len(names))
	for _, hash := range names {
		desc, err := d.load(hash)
		if err != nil {
			return nil, err
		}
		if desc.Name == EverybodyGroup || containsUser(desc.Users, username) {
			groups = append(groups, *desc)
		}
	}
	return groups, nil
}

// AddMessage implements Directory. Unknown groups are created on first
// message; a group arriving without a hash is assigned a fresh one.
func (d *FileDirectory) AddMessage(hash, name string, users []string, msg Message) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if hash == "" {
		hash = uuid.NewString()
	}
	// The hash becomes a file name; it must not escape the directory.
	if strings.ContainsAny(hash, `/\`) || hash == ".." {
		return "", fmt.Errorf("invalid group hash %q", hash)
	}

	desc, err := d.load(hash)
	switch {
	case errors.Is(err, os.ErrNotExist):
		desc = &Descriptor{Name: name, Hash: hash, Users: append([]string(nil), users...)}
	case err != nil:
		return "", err
	}

	desc.Messages = append(desc.Messages, msg)
	if err := d.save(desc); err != nil {
		return "", fmt.Errorf("persist group %s: %w", hash, err)
	}
	return hash, nil
}

func containsUser(users []string, username string) bool {
	for _, u := range users {
		if strings.EqualFold(u, username) {
			return true
		}
	}
	return false
}
