package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"treeserve/internal/links"
)

// EnvPrefix prefixes environment overrides, e.g. TREESERVE_LOG_LEVEL.
const EnvPrefix = "TREESERVE"

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"root":            "root",
	"addr":            "addr",
	"prefix":          "routePrefix",
	"follow-symlinks": "followExternalSymlinks",
	"hidden":          "showHidden",
	"dirs-first":      "dirsFirst",
	"readme":          "readme",
	"chunk-size":      "chunkSize",
	"webdav":          "webdav",
	"metrics":         "metrics",
	"thumbnails":      "thumbnails",
	"title":           "title",
	"tls-cert":        "tls.cert",
	"tls-key":         "tls.key",
	"auth-optional":   "authOptional",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"log-file":        "log.file",
}

// DefaultConfigPaths returns the directories searched for treeserve.{yaml,json,toml}.
func DefaultConfigPaths() []string {
	paths := []string{".", "./configs"}
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "treeserve"))
	}
	return paths
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("root", d.Root, "directory to serve")
	fs.String("addr", d.Addr, "listen address")
	fs.String("prefix", d.RoutePrefix, "route prefix to mount the tree under, e.g. /files")
	fs.Bool("follow-symlinks", d.FollowExternalSymlinks, "follow symlinks that point outside the root")
	fs.Bool("hidden", d.ShowHidden, "show and serve dot-files")
	fs.Bool("dirs-first", d.DirsFirst, "list directories before files")
	fs.Bool("readme", d.Readme, "render README.md below listings")
	fs.Int("chunk-size", d.ChunkSize, "archive copy buffer in bytes")
	fs.Bool("webdav", d.WebDAV, "expose a read-only WebDAV view")
	fs.Bool("metrics", d.Metrics, "expose Prometheus metrics")
	fs.Bool("thumbnails", d.Thumbnails, "serve image thumbnails")
	fs.String("title", d.Title, "page title")
	fs.String("tls-cert", d.TLS.Cert, "TLS certificate file")
	fs.String("tls-key", d.TLS.Key, "TLS key file")
	fs.Bool("auth-optional", d.AuthOptional, "allow anonymous requests when users are configured")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	fs.String("log-format", d.Log.Format, "log format: json, console")
	fs.String("log-file", d.Log.File, "log to a rotating file instead of stderr")
}

// Load builds the configuration from defaults, an optional config file,
// TREESERVE_* environment variables and flags, in increasing precedence.
// If path is empty the default locations are searched and a missing file is
// not an error.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("%w: bind flag %s: %v", ErrConfigInvalid, name, err)
				}
			}
		}
	}

	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
	} else {
		v.SetConfigName("treeserve")
		for _, p := range DefaultConfigPaths() {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	cfg.RoutePrefix = links.NormalizePrefix(cfg.RoutePrefix)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("root", d.Root)
	v.SetDefault("addr", d.Addr)
	v.SetDefault("routePrefix", d.RoutePrefix)
	v.SetDefault("followExternalSymlinks", d.FollowExternalSymlinks)
	v.SetDefault("showHidden", d.ShowHidden)
	v.SetDefault("dirsFirst", d.DirsFirst)
	v.SetDefault("readme", d.Readme)
	v.SetDefault("archives.tar", d.Archives.Tar)
	v.SetDefault("archives.tarGz", d.Archives.TarGz)
	v.SetDefault("archives.zip", d.Archives.Zip)
	v.SetDefault("chunkSize", d.ChunkSize)
	v.SetDefault("webdav", d.WebDAV)
	v.SetDefault("metrics", d.Metrics)
	v.SetDefault("thumbnails", d.Thumbnails)
	v.SetDefault("title", d.Title)
	v.SetDefault("tls.cert", d.TLS.Cert)
	v.SetDefault("tls.key", d.TLS.Key)
	v.SetDefault("shutdownTimeout", d.ShutdownTimeout)
	v.SetDefault("authOptional", d.AuthOptional)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.maxSizeMB", d.Log.MaxSizeMB)
	v.SetDefault("log.maxBackups", d.Log.MaxBackups)
	v.SetDefault("log.maxAgeDays", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}
