// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads the YAML file that describes a repository: where
// its catalog lives, the destinations blocks are stored at, the backup
// sets and their retention rules, and the keys blocks are encrypted
// with.
package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mmp/bkstore/crypt"
	"github.com/mmp/bkstore/rdso"
	"github.com/mmp/bkstore/repo"
	"github.com/mmp/bkstore/retention"
	"github.com/mmp/bkstore/storage"
	u "github.com/mmp/bkstore/util"
	"gopkg.in/yaml.v3"
)

// PassphraseEnv overrides the passphrase given in the config file.
const PassphraseEnv = "BKSTORE_PASSPHRASE"

// RepositoryConfig says where the metadata catalog is kept.
type RepositoryConfig struct {
	Type string `yaml:"type"` // "bolt" or "memory"
	Path string `yaml:"path"`
}

// DestinationConfig describes one place that block parts are stored.
type DestinationConfig struct {
	Type         string `yaml:"type"` // "memory", "disk", or "gcs"
	Path         string `yaml:"path"`
	Bucket       string `yaml:"bucket"`
	Project      string `yaml:"project"`
	Location     string `yaml:"location"`
	StorageClass string `yaml:"storage_class"`

	MaxRetention           time.Duration `yaml:"max_retention"`
	UploadBytesPerSecond   int           `yaml:"upload_bytes_per_second"`
	DownloadBytesPerSecond int           `yaml:"download_bytes_per_second"`
}

// SetConfig is a backup set: the roots it covers and how long versions
// of the files under them are kept.
type SetConfig struct {
	ID        string          `yaml:"id"`
	Roots     []string        `yaml:"roots"`
	Retention retention.Rules `yaml:"retention"`
}

// Config holds the full configuration for maintaining a repository.
type Config struct {
	Repository RepositoryConfig `yaml:"repository"`

	Concurrency       int   `yaml:"concurrency"`
	MaximumBlockSize  int64 `yaml:"maximum_block_size"`
	MaxRefreshBytes   int64 `yaml:"max_refresh_bytes"` // 0 -> unlimited
	CheckDestinations bool  `yaml:"check_destinations"`
	RetryQueueSize    int   `yaml:"retry_queue_size"`

	// Blocks are only encrypted if a key file is given.
	KeyFile    string `yaml:"key_file"`
	Passphrase string `yaml:"passphrase"`
	// Recipient name -> hex-encoded 32-byte key that data keys are
	// additionally wrapped under.
	Recipients map[string]string `yaml:"recipients"`

	// Error-correction schemes that stored blocks may use, e.g. "rs-4-2".
	ErasureCoding []string `yaml:"erasure_coding"`

	Destinations     map[string]DestinationConfig `yaml:"destinations"`
	Sets             []SetConfig                  `yaml:"sets"`
	DefaultRetention retention.Rules              `yaml:"default_retention"`

	// Address to serve Prometheus metrics on, e.g. ":9100".
	Metrics string `yaml:"metrics"`
}

// Load reads, fills in defaults for, and validates the configuration
// file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for configuration that's already in memory.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Repository.Type == "" {
		c.Repository.Type = "bolt"
	}
	if c.Repository.Type == "bolt" && c.Repository.Path == "" {
		c.Repository.Path = "~/.bkstore/catalog.db"
	}
	c.Repository.Path = expandHome(c.Repository.Path)
	c.KeyFile = expandHome(c.KeyFile)

	if c.Concurrency == 0 {
		c.Concurrency = 8
	}
	if c.MaximumBlockSize == 0 {
		c.MaximumBlockSize = 16 * 1024 * 1024
	}
	if c.RetryQueueSize == 0 {
		c.RetryQueueSize = 1000
	}
	if len(c.ErasureCoding) == 0 {
		c.ErasureCoding = []string{"none"}
	}
	if p := os.Getenv(PassphraseEnv); p != "" {
		c.Passphrase = p
	}

	for name, d := range c.Destinations {
		d.Path = expandHome(d.Path)
		c.Destinations[name] = d
	}
	for i := range c.Sets {
		for j, r := range c.Sets[i].Roots {
			c.Sets[i].Roots[j] = repo.DirPath(r)
		}
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Repository.Type {
	case "memory":
	case "bolt":
		if c.Repository.Path == "" {
			return fmt.Errorf("repository.path is required")
		}
	default:
		return fmt.Errorf("repository.type %q: must be \"bolt\" or \"memory\"", c.Repository.Type)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.MaximumBlockSize < 1 {
		return fmt.Errorf("maximum_block_size must be positive")
	}
	if c.MaxRefreshBytes < 0 {
		return fmt.Errorf("max_refresh_bytes can't be negative")
	}
	if c.RetryQueueSize < 1 {
		return fmt.Errorf("retry_queue_size must be at least 1")
	}
	if c.KeyFile != "" && c.Passphrase == "" {
		return fmt.Errorf("key_file given but no passphrase (set passphrase or %s)", PassphraseEnv)
	}
	if c.KeyFile == "" && len(c.Recipients) > 0 {
		return fmt.Errorf("recipients require a key_file")
	}
	for name, k := range c.Recipients {
		if b, err := hex.DecodeString(k); err != nil || len(b) != 32 {
			return fmt.Errorf("recipients.%s: must be 64 hex digits", name)
		}
	}
	for _, id := range c.ErasureCoding {
		if _, err := rdso.New(id); err != nil {
			return fmt.Errorf("erasure_coding: %w", err)
		}
	}

	if len(c.Destinations) == 0 {
		return fmt.Errorf("at least one destination is required")
	}
	for name, d := range c.Destinations {
		switch d.Type {
		case "memory":
		case "disk":
			if d.Path == "" {
				return fmt.Errorf("destinations.%s: path is required", name)
			}
		case "gcs":
			if d.Bucket == "" {
				return fmt.Errorf("destinations.%s: bucket is required", name)
			}
		default:
			return fmt.Errorf("destinations.%s: unknown type %q", name, d.Type)
		}
		if d.MaxRetention < 0 || d.UploadBytesPerSecond < 0 || d.DownloadBytesPerSecond < 0 {
			return fmt.Errorf("destinations.%s: negative limit", name)
		}
	}

	ids := make(map[string]bool)
	for i, s := range c.Sets {
		if s.ID == "" {
			return fmt.Errorf("sets[%d]: id is required", i)
		}
		if ids[s.ID] {
			return fmt.Errorf("sets[%d]: duplicate id %q", i, s.ID)
		}
		ids[s.ID] = true
		if len(s.Roots) == 0 {
			return fmt.Errorf("sets.%s: at least one root is required", s.ID)
		}
		for _, r := range s.Roots {
			if !strings.HasPrefix(r, "/") {
				return fmt.Errorf("sets.%s: root %q must be absolute", s.ID, r)
			}
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Constructors for the things the configuration describes.

// OpenRepository opens the configured metadata catalog.
func (c *Config) OpenRepository() (repo.Repository, error) {
	if c.Repository.Type == "memory" {
		return repo.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Repository.Path), 0700); err != nil {
		return nil, err
	}
	return repo.OpenBolt(c.Repository.Path)
}

// OpenDestinations connects to every configured destination, keyed by
// name. The returned function releases any connections.
func (c *Config) OpenDestinations(ctx context.Context, log *u.Logger) (map[string]storage.Destination, func(), error) {
	dests := make(map[string]storage.Destination)
	var closers []func() error
	closeAll := func() {
		for _, f := range closers {
			_ = f()
		}
	}

	names := make([]string, 0, len(c.Destinations))
	for name := range c.Destinations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dc := c.Destinations[name]
		var d storage.Destination
		switch dc.Type {
		case "memory":
			d = storage.NewMemory(name)
		case "disk":
			disk, err := storage.NewDisk(dc.Path)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("destination %s: %w", name, err)
			}
			d = disk
		case "gcs":
			g, err := storage.NewGCS(ctx, storage.GCSOptions{
				BucketName:   dc.Bucket,
				ProjectId:    dc.Project,
				Location:     dc.Location,
				StorageClass: dc.StorageClass,
				Log:          log,
			})
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("destination %s: %w", name, err)
			}
			closers = append(closers, g.Close)
			d = g
		}
		dests[name] = storage.Configure(d, storage.Options{
			MaxRetention:              dc.MaxRetention,
			MaxUploadBytesPerSecond:   dc.UploadBytesPerSecond,
			MaxDownloadBytesPerSecond: dc.DownloadBytesPerSecond,
		})
	}
	return dests, closeAll, nil
}

// Encryption returns the registry of encryption algorithms that stored
// blocks may use. Unencrypted storage is always understood; AES is
// available when a key file is configured.
func (c *Config) Encryption() (*crypt.Registry, error) {
	reg := crypt.NewRegistry(crypt.None{})
	if c.KeyFile == "" {
		return reg, nil
	}
	key, err := crypt.LoadKeyFile(c.KeyFile, c.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.KeyFile, err)
	}
	recipients := make(map[string][]byte)
	for name, k := range c.Recipients {
		b, err := hex.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("recipients.%s: %w", name, err)
		}
		recipients[name] = b
	}
	aes, err := crypt.NewAES(key, recipients)
	if err != nil {
		return nil, err
	}
	reg.Register(aes)
	return reg, nil
}

// Erasure returns the registry of error-correction schemes.
func (c *Config) Erasure() (*rdso.Registry, error) {
	reg := rdso.NewRegistry(rdso.None{})
	for _, id := range c.ErasureCoding {
		s, err := rdso.New(id)
		if err != nil {
			return nil, err
		}
		reg.Register(s)
	}
	return reg, nil
}
