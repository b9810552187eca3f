// Package config reads the ftpserverd configuration file.
//
// The file is a list of "key = value" lines. Lines starting with '#' are
// comments and lines that do not contain exactly one '=' are ignored. Keys are
// case-insensitive. Every key can be overridden from the environment with
// FTPSERVERD_<KEY>, for example FTPSERVERD_PASV_MODE=no.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Recognized keys.
const (
	LogDirectory          = "logdirectory"
	NumLogFiles           = "numlogfiles"
	UsernameFile          = "usernamefile"
	PortMode              = "port_mode"
	PasvMode              = "pasv_mode"
	PasvAddress           = "pasv_address"
	PasvMinPort           = "pasv_min_port"
	PasvMaxPort           = "pasv_max_port"
	IdleTimeout           = "idle_timeout"
	DataTimeout           = "data_timeout"
	MaxSessionsPerAddress = "max_sessions_per_address"
	WelcomeMessage        = "welcome_message"
)

// EnvPrefix is prepended to the upper-cased key to form the environment override.
const EnvPrefix = "FTPSERVERD_"

// ErrInvalidValue is returned by the typed getters when a value can't be parsed.
var ErrInvalidValue = errors.New("invalid config value")

var defaults = map[string]string{
	LogDirectory:          "/var/spool/log",
	NumLogFiles:           "5",
	UsernameFile:          "ftp.users",
	PortMode:              "no",
	PasvMode:              "yes",
	PasvAddress:           "",
	PasvMinPort:           "0",
	PasvMaxPort:           "0",
	IdleTimeout:           "10m",
	DataTimeout:           "30s",
	MaxSessionsPerAddress: "10",
	WelcomeMessage:        "Welcome to ftpserverd",
}

// Config is a read-only view over the parsed file, the environment and the defaults.
type Config struct {
	values map[string]string
	getenv func(string) string
}

// New returns a Config holding only the defaults (plus environment overrides).
func New() *Config {
	return &Config{
		values: make(map[string]string),
		getenv: os.Getenv,
	}
}

// Load opens and parses the file at path.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening config file: %w", err)
	}
	defer file.Close()

	c, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return c, nil
}

// Parse reads "key = value" lines from r.
func Parse(r io.Reader) (*Config, error) {
	c := New()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "=")
		if len(parts) != 2 {
			continue
		}
		c.values[strings.ToLower(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// Set overrides a key. It is meant for callers that build a Config in code.
func (c *Config) Set(key, value string) {
	c.values[strings.ToLower(key)] = value
}

// IsSet reports whether key was given in the file or the environment.
func (c *Config) IsSet(key string) bool {
	key = strings.ToLower(key)
	if _, ok := c.lookupEnv(key); ok {
		return true
	}
	_, ok := c.values[key]
	return ok
}

// String returns the value for key, falling back to the environment and then the default.
func (c *Config) String(key string) string {
	key = strings.ToLower(key)
	if v, ok := c.lookupEnv(key); ok {
		return v
	}
	if v, ok := c.values[key]; ok {
		return v
	}
	return defaults[key]
}

// Bool is true only when the value is "yes".
func (c *Config) Bool(key string) bool {
	return strings.EqualFold(c.String(key), "yes")
}

// Int parses the value as a base 10 integer.
func (c *Config) Int(key string) (int, error) {
	v := c.String(key)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidValue, key, v)
	}
	return n, nil
}

// Duration parses the value with time.ParseDuration. A bare integer is read as seconds.
func (c *Config) Duration(key string) (time.Duration, error) {
	v := c.String(key)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidValue, key, v)
	}
	return d, nil
}

func (c *Config) lookupEnv(key string) (string, bool) {
	if c.getenv == nil {
		return "", false
	}
	v := c.getenv(EnvPrefix + strings.ToUpper(key))
	if v == "" {
		return "", false
	}
	return v, true
}
