// Package store implements the durable credential store backing
// authentication: a username to password-hash mapping persisted as an
// append-only text file and held fully in memory while the server runs.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// ErrExists is returned by Create when an account with the same username
// (compared case-insensitively) has already been created.
var ErrExists = errors.New("user already exists")

// ErrInvalidName is returned by Create when the username is empty or contains
// whitespace or control characters. Records are stored one per line with
// whitespace-separated fields, so such names can never round-trip through the
// store file.
var ErrInvalidName = errors.New("invalid username")

// User is one stored credential record.
type User struct {
	Username     string
	PasswordHash string
}

// CredentialStore maps usernames to bcrypt password hashes. All lookups are
// case-insensitive; the store remembers the casing used at creation time.
// Safe for concurrent use.
type CredentialStore struct {
	mu    sync.Mutex
	path  string
	users []User
	index map[string]int // lowercased username -> position in users
}

// Open loads the credential file at path, creating it (and any missing parent
// directories) when it does not exist yet. Each line holds a username and a
// password hash separated by whitespace; blank lines are skipped.
func Open(path string) (*CredentialStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open credential store %s: %w", path, err)
	}
	defer f.Close()

	s := &CredentialStore{
		path:  path,
		index: make(map[string]int),
	}

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("credential store %s: malformed record at line %d", path, line)
		}
		s.index[strings.ToLower(fields[0])] = len(s.users)
		s.users = append(s.users, User{Username: fields[0], PasswordHash: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read credential store %s: %w", path, err)
	}

	return s, nil
}

// Exists reports whether an account with the given username has been created,
// comparing usernames case-insensitively.
func (s *CredentialStore) Exists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[strings.ToLower(username)]
	return ok
}

// Create adds a new account and appends it to the store file. It returns
// ErrExists when the username is already taken. The in-memory record and the
// durable append succeed or fail together: a failed append rolls the record
// back and the account is not created.
func (s *CredentialStore) Create(username, password string) error {
	if !validUsername(username) {
		return fmt.Errorf("%w: %q", ErrInvalidName, username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(username)
	if _, ok := s.index[key]; ok {
		return ErrExists
	}

	s.index[key] = len(s.users)
	s.users = append(s.users, User{Username: username, PasswordHash: string(hash)})

	if err := s.appendRecord(username, string(hash)); err != nil {
		delete(s.index, key)
		s.users = s.users[:len(s.users)-1]
		return fmt.Errorf("persist account %q: %w", username, err)
	}
	return nil
}

// validUsername reports whether a username can be stored safely. Whitespace
// and control characters would break the line-oriented record format.
func validUsername(username string) bool {
	if username == "" {
		return false
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func (s *CredentialStore) appendRecord(username, hash string) error {
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s\t%s\n", username, hash); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Authenticate verifies a username/password pair. The username lookup follows
// the same case-insensitive rule as Exists. On success it returns the stored
// form of the username, so callers register sessions under the canonical
// spelling regardless of how the login request cased it.
func (s *CredentialStore) Authenticate(username, password string) (string, bool) {
	s.mu.Lock()
	pos, ok := s.index[strings.ToLower(username)]
	var user User
	if ok {
		user = s.users[pos]
	}
	s.mu.Unlock()

	if !ok {
		return "", false
	}
	// bcrypt comparison happens outside the lock; it is deliberately slow.
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", false
	}
	return user.Username, true
}

// Usernames returns every known username in creation order.
func (s *CredentialStore) Usernames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.users))
	for i, u := range s.users {
		names[i] = u.Username
	}
	return names
}
