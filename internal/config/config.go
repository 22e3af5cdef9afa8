package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConfigNotFound is returned when an explicitly named config file does not exist.
	ErrConfigNotFound = errors.New("config file not found")
	// ErrConfigInvalid wraps every parse or validation failure.
	ErrConfigInvalid = errors.New("invalid config")
)

// MaxChunkSize bounds the archive copy buffer.
const MaxChunkSize = 16 << 20

// Config is small and file-friendly (json, yaml or toml).
// If Users is empty, treeserve runs without auth.
type Config struct {
	// Root is the directory served read-only.
	Root string `mapstructure:"root" json:"root"`

	// Addr is the listen address, e.g. ":8080".
	Addr string `mapstructure:"addr" json:"addr"`

	// RoutePrefix mounts the tree under a path, e.g. "/files".
	RoutePrefix string `mapstructure:"routePrefix" json:"routePrefix,omitempty"`

	// FollowExternalSymlinks lets symlinks inside the root point anywhere.
	// Default: false (a path whose real location leaves the root is forbidden).
	FollowExternalSymlinks bool `mapstructure:"followExternalSymlinks" json:"followExternalSymlinks,omitempty"`

	// ShowHidden renders dot-files and lets them be fetched and archived.
	ShowHidden bool `mapstructure:"showHidden" json:"showHidden,omitempty"`

	// DirsFirst groups directories before files in listings.
	DirsFirst bool `mapstructure:"dirsFirst" json:"dirsFirst"`

	// Readme renders a README.md found in a listed directory below the table.
	Readme bool `mapstructure:"readme" json:"readme"`

	Archives Archives `mapstructure:"archives" json:"archives"`

	// ChunkSize is the archive copy buffer in bytes.
	ChunkSize int `mapstructure:"chunkSize" json:"chunkSize"`

	// WebDAV exposes a read-only WebDAV view of the root.
	WebDAV bool `mapstructure:"webdav" json:"webdav,omitempty"`

	// Metrics exposes Prometheus metrics.
	Metrics bool `mapstructure:"metrics" json:"metrics"`

	// Thumbnails serves scaled JPEG previews of images.
	Thumbnails bool `mapstructure:"thumbnails" json:"thumbnails"`

	// Title is shown in page titles.
	Title string `mapstructure:"title" json:"title,omitempty"`

	TLS TLS `mapstructure:"tls" json:"tls,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout" json:"shutdownTimeout"`

	// AuthOptional enables "public + authenticated" mode when Users is set:
	// - requests without Authorization are treated as anonymous
	// - requests with Authorization are validated; invalid creds get 401
	// Pair this with ACLs, e.g. read:["*"] and archive:["alice"].
	AuthOptional bool `mapstructure:"authOptional" json:"authOptional,omitempty"`

	// Users holds bcrypt password hashes.
	// Example:
	// [{"name":"alice","bcrypt":"$2a$10$..."}]
	Users []User `mapstructure:"users" json:"users,omitempty"`

	// ACLs is a simple first-match rule list by path prefix.
	// If empty:
	// - no-auth mode: allow everything
	// - auth mode: allow read and archive to all authenticated users
	ACLs []ACL `mapstructure:"acls" json:"acls,omitempty"`

	Log Log `mapstructure:"log" json:"log"`
}

// Archives toggles the download formats.
type Archives struct {
	Tar   bool `mapstructure:"tar" json:"tar"`
	TarGz bool `mapstructure:"tarGz" json:"tarGz"`
	Zip   bool `mapstructure:"zip" json:"zip"`
}

// Enabled reports whether the named format ("tar", "tar_gz", "zip") is on.
func (a Archives) Enabled(format string) bool {
	switch format {
	case "tar":
		return a.Tar
	case "tar_gz":
		return a.TarGz
	case "zip":
		return a.Zip
	default:
		return false
	}
}

type TLS struct {
	Cert string `mapstructure:"cert" json:"cert,omitempty"`
	Key  string `mapstructure:"key" json:"key,omitempty"`
}

func (t TLS) Enabled() bool { return t.Cert != "" }

type User struct {
	Name   string `mapstructure:"name" json:"name"`
	Bcrypt string `mapstructure:"bcrypt" json:"bcrypt"`
}

type ACL struct {
	// Path is a prefix match, always interpreted as a clean path like "/photos".
	Path string `mapstructure:"path" json:"path"`
	// Read allows listing and downloading single files.
	Read []string `mapstructure:"read" json:"read,omitempty"` // usernames or "*"
	// Archive allows downloading whole directories as archives.
	Archive []string `mapstructure:"archive" json:"archive,omitempty"` // usernames or "*"
}

type Log struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"`
	File       string `mapstructure:"file" json:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB" json:"maxSizeMB,omitempty"`
	MaxBackups int    `mapstructure:"maxBackups" json:"maxBackups,omitempty"`
	MaxAgeDays int    `mapstructure:"maxAgeDays" json:"maxAgeDays,omitempty"`
	Compress   bool   `mapstructure:"compress" json:"compress,omitempty"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Root:            ".",
		Addr:            ":8080",
		DirsFirst:       true,
		Readme:          true,
		Archives:        Archives{Tar: true, TarGz: true, Zip: true},
		ChunkSize:       32 << 10,
		Metrics:         true,
		Thumbnails:      true,
		Title:           "treeserve",
		ShutdownTimeout: 10 * time.Second,
		Log: Log{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("%w: root is required", ErrConfigInvalid)
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: addr is required", ErrConfigInvalid)
	}
	if strings.ContainsAny(c.RoutePrefix, "?#%") {
		return fmt.Errorf("%w: routePrefix %q must be a plain path", ErrConfigInvalid, c.RoutePrefix)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunkSize must be in (0, %d]", ErrConfigInvalid, MaxChunkSize)
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return fmt.Errorf("%w: tls.cert and tls.key must be set together", ErrConfigInvalid)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: shutdownTimeout must not be negative", ErrConfigInvalid)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log.format must be json or console", ErrConfigInvalid)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level must be debug, info, warn or error", ErrConfigInvalid)
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.Name == "" || u.Bcrypt == "" {
			return fmt.Errorf("%w: users[%d] needs name and bcrypt", ErrConfigInvalid, i)
		}
		if strings.ContainsAny(u.Name, ":\x00") {
			return fmt.Errorf("%w: users[%d] name contains ':' or NUL", ErrConfigInvalid, i)
		}
		if seen[u.Name] {
			return fmt.Errorf("%w: duplicate user %q", ErrConfigInvalid, u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}

// User looks up a configured user by exact name.
func (c *Config) User(name string) (User, bool) {
	for _, u := range c.Users {
		if u.Name == name {
			return u, true
		}
	}
	return User{}, false
}
