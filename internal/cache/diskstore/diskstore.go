// Package diskstore is a durable cache tier on the local filesystem.
//
// Each entry is one zstd-compressed file named after its fingerprint, sharded
// into subdirectories by the first two hex characters. Writes go to a
// temporary file that is renamed into place, so a reader never observes a
// partial entry and a crash mid-write leaves no corrupt file behind.
package diskstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const fileExt = ".zst"

// Store implements cache.Store on a directory tree.
type Store struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Option configures a [Store].
type Option func(*config)

type config struct {
	level zstd.EncoderLevel
}

// WithLevel sets the zstd encoder level. Default: [zstd.SpeedDefault].
func WithLevel(level zstd.EncoderLevel) Option {
	return func(c *config) { c.level = level }
}

// New opens (creating if needed) a Store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("diskstore: directory must not be empty")
	}
	cfg := config{level: zstd.SpeedDefault}
	for _, o := range opts {
		o(&cfg)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diskstore: create directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(cfg.level))
	if err != nil {
		return nil, fmt.Errorf("diskstore: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("diskstore: zstd decoder: %w", err)
	}
	return &Store{dir: dir, encoder: enc, decoder: dec}, nil
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	path, err := s.path(fingerprint)
	if err != nil {
		return nil, false, err
	}
	compressed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("diskstore: read %s: %w", fingerprint, err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("diskstore: decompress %s: %w", fingerprint, err)
	}
	return data, true, nil
}

// Put implements cache.Store. Existing entries are left untouched.
func (s *Store) Put(ctx context.Context, fingerprint string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(fingerprint)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("diskstore: create shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("diskstore: create temp: %w", err)
	}
	_, err = tmp.Write(s.encoder.EncodeAll(data, nil))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("diskstore: write %s: %w", fingerprint, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("diskstore: rename %s: %w", fingerprint, err)
	}
	return nil
}

// Ping reports whether the root directory is still accessible.
func (s *Store) Ping(context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("diskstore: %w", err)
	}
	return nil
}

// Close releases the zstd coders.
func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// path maps a fingerprint to its shard file. Fingerprints are hex; anything
// that could escape the root is rejected.
func (s *Store) path(fingerprint string) (string, error) {
	if len(fingerprint) < 3 || strings.ContainsAny(fingerprint, `/\.`) {
		return "", fmt.Errorf("diskstore: invalid fingerprint %q", fingerprint)
	}
	return filepath.Join(s.dir, fingerprint[:2], fingerprint+fileExt), nil
}
