package users

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUserNotFound is returned by Get when the username is not in the store.
var ErrUserNotFound = errors.New("user not found")

// ErrNoUsers is returned when a credential file holds no usable entry.
var ErrNoUsers = errors.New("at least one user must be specified")

type User struct {
	Username string
	// Password is either the plain password or a bcrypt hash.
	Password string
}

// CheckPassword compares pass with the stored password.
// Stored values that look like bcrypt hashes are verified with bcrypt.
func (u *User) CheckPassword(pass string) bool {
	if isBcryptHash(u.Password) {
		return bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(u.Password), []byte(pass)) == 1
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}

type Users interface {
	List() (map[string]*User, error)
	// Get finds a user by username
	// if the user is not found it returns ErrUserNotFound
	Get(username string) (*User, error)
}

var _ Users = &LocalUsers{}

// LocalUsers is an in-memory credential store.
type LocalUsers struct {
	users  map[string]*User
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewLocalUsers(logger *slog.Logger) *LocalUsers {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalUsers{
		users:  make(map[string]*User),
		logger: logger,
	}
}

// List returns a copy of the users.
func (u *LocalUsers) List() (map[string]*User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	list := make(map[string]*User, len(u.users))
	for k, v := range u.users {
		list[k] = v
	}
	return list, nil
}

func (u *LocalUsers) Get(username string) (*User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	user, ok := u.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUserNotFound, username)
	}
	return user, nil
}

func (u *LocalUsers) Add(user, pass string) *User {
	u.mu.Lock()
	defer u.mu.Unlock()

	newUser := &User{
		Username: user,
		Password: pass,
	}

	u.users[newUser.Username] = newUser
	return newUser
}

func (u *LocalUsers) Remove(user string) *User {
	u.mu.Lock()
	defer u.mu.Unlock()
	oldUser := u.users[user]
	delete(u.users, user)
	return oldUser
}

func (u *LocalUsers) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.users)
}

// Read loads "user,password" lines from r. Fields are trimmed and extra
// fields are ignored. Lines with fewer than two fields are skipped.
func (u *LocalUsers) Read(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			u.logger.Warn("skipping malformed credential line", "line", lineNo)
			continue
		}
		u.Add(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading users: %w", err)
	}
	return nil
}

// LoadFile builds a store from the credential file at path.
func LoadFile(path string, logger *slog.Logger) (*LocalUsers, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening users file: %w", err)
	}
	defer file.Close()

	u := NewLocalUsers(logger)
	if err := u.Read(file); err != nil {
		return nil, err
	}
	if u.Len() == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoUsers, path)
	}
	u.logger.Debug("loaded users", "file", path, "count", u.Len())
	return u, nil
}
