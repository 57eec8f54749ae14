// Package config reads and writes a repository's on-disk INI configuration
// file, replacing the teacher's environment-variable Config/Load with the
// file-based repository config spec.md §6 describes, while keeping the same
// package shape: a Config struct, a constructor, and explicit validation.
package config

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// SupportedVersion is the only repository config version this store
// understands.
const SupportedVersion = 1

// DefaultSegmentsPerDir fans out segment files across subdirectories of
// data/ so no single directory accumulates unbounded entries.
const DefaultSegmentsPerDir = 1000

// DefaultMaxSegmentSize is used by `create` when the caller does not specify
// one; the original typically defaults in the hundreds of MiB.
const DefaultMaxSegmentSize = 500 * 1024 * 1024

// Config is a repository's immutable configuration, read once at open.
type Config struct {
	Version        int
	SegmentsPerDir uint64
	MaxSegmentSize int64
	AppendOnly     bool
	ID             [32]byte
	Key            string
}

// Load reads <root>/config.
func Load(root string) (*Config, error) {
	path := filepath.Join(root, "config")
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	section := f.Section("repository")

	version := section.Key("version").MustInt(0)
	if version != SupportedVersion {
		return nil, fmt.Errorf("config: unsupported repository version %d (want %d)", version, SupportedVersion)
	}

	idHex := section.Key("id").String()
	idBytes, err := hex.DecodeString(idHex)
	if err != nil || len(idBytes) != 32 {
		return nil, fmt.Errorf("config: invalid repository id %q", idHex)
	}
	var id [32]byte
	copy(id[:], idBytes)

	cfg := &Config{
		Version:        version,
		SegmentsPerDir: uint64(section.Key("segments_per_dir").MustInt64(DefaultSegmentsPerDir)),
		MaxSegmentSize: section.Key("max_segment_size").MustInt64(DefaultMaxSegmentSize),
		AppendOnly:     section.Key("append_only").MustInt(0) != 0,
		ID:             id,
		Key:            section.Key("key").String(),
	}
	if cfg.SegmentsPerDir == 0 {
		return nil, fmt.Errorf("config: segments_per_dir must be > 0")
	}
	if cfg.MaxSegmentSize <= 0 {
		return nil, fmt.Errorf("config: max_segment_size must be > 0")
	}
	return cfg, nil
}

// Save writes cfg to <root>/config, overwriting any existing file.
func Save(root string, cfg *Config) error {
	f := ini.Empty()
	section, err := f.NewSection("repository")
	if err != nil {
		return err
	}
	section.NewKey("version", fmt.Sprintf("%d", cfg.Version))
	section.NewKey("segments_per_dir", fmt.Sprintf("%d", cfg.SegmentsPerDir))
	section.NewKey("max_segment_size", fmt.Sprintf("%d", cfg.MaxSegmentSize))
	appendOnly := "0"
	if cfg.AppendOnly {
		appendOnly = "1"
	}
	section.NewKey("append_only", appendOnly)
	section.NewKey("id", hex.EncodeToString(cfg.ID[:]))
	if cfg.Key != "" {
		section.NewKey("key", cfg.Key)
	}
	return f.SaveTo(filepath.Join(root, "config"))
}
