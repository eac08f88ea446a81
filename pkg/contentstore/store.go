// Package contentstore keeps record payloads outside the database. Content is addressed
// by the murmur3-128 digest of its bytes, so writing the same payload twice stores it
// once, and may be snappy-compressed at rest.
package contentstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-datastore/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datastore/pkg/config"
)

const refPrefix = "cs:"

var hashPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Ref identifies stored content.
type Ref struct {
	Hash string
}

// String returns the textual form stored in records, "cs:<hash>".
func (r Ref) String() string {
	return refPrefix + r.Hash
}

// ParseRef parses the textual form of a Ref.
func ParseRef(s string) (Ref, error) {
	hash, ok := strings.CutPrefix(s, refPrefix)
	if !ok || !hashPattern.MatchString(hash) {
		return Ref{}, fmt.Errorf("invalid content ref %q", s)
	}
	return Ref{Hash: hash}, nil
}

// IsRef reports whether s is the textual form of a Ref.
func IsRef(s string) bool {
	_, err := ParseRef(s)
	return err == nil
}

func (r Ref) objectKey(prefix string) string {
	return prefix + r.Hash[:2] + "/" + r.Hash
}

// Store reads and writes content.
type Store interface {
	Write(ctx context.Context, r io.Reader) (Ref, error)
	// Read returns apperrors.ErrNotFound when nothing is stored under ref.
	Read(ctx context.Context, ref Ref) (io.ReadCloser, error)
	Exists(ctx context.Context, ref Ref) (bool, error)
	Delete(ctx context.Context, ref Ref) error
}

// objects is the raw key/value layer under a Store.
type objects interface {
	put(ctx context.Context, key string, data []byte) error
	// get returns apperrors.ErrNotFound for missing keys.
	get(ctx context.Context, key string) ([]byte, error)
	exists(ctx context.Context, key string) (bool, error)
	remove(ctx context.Context, key string) error
}

// Payload framing: one marker byte, then the raw or snappy-encoded bytes.
const (
	frameRaw    byte = 0
	frameSnappy byte = 1
)

func encodePayload(data []byte, compress bool) []byte {
	if !compress {
		return append([]byte{frameRaw}, data...)
	}
	encoded := snappy.Encode(nil, data)
	return append([]byte{frameSnappy}, encoded...)
}

func decodePayload(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errors.New("empty content frame")
	}
	switch frame[0] {
	case frameRaw:
		return frame[1:], nil
	case frameSnappy:
		data, err := snappy.Decode(nil, frame[1:])
		if err != nil {
			return nil, fmt.Errorf("snappy decompress failed: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("unknown content frame marker %d", frame[0])
}

func hashPayload(data []byte) string {
	h := murmur3.New128()
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// content implements Store over an objects layer.
type content struct {
	objects  objects
	prefix   string
	compress bool
	logger   *zap.Logger
}

func (c *content) Write(ctx context.Context, r io.Reader) (Ref, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to read content: %w", err)
	}
	ref := Ref{Hash: hashPayload(data)}
	key := ref.objectKey(c.prefix)

	stored, err := c.objects.exists(ctx, key)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to check content %s: %w", ref, err)
	}
	if stored {
		c.logger.Debug("Content already stored", zap.String("ref", ref.String()))
		return ref, nil
	}
	if err := c.objects.put(ctx, key, encodePayload(data, c.compress)); err != nil {
		return Ref{}, fmt.Errorf("failed to write content %s: %w", ref, err)
	}
	c.logger.Debug("Stored content", zap.String("ref", ref.String()), zap.Int("bytes", len(data)))
	return ref, nil
}

func (c *content) Read(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	frame, err := c.objects.get(ctx, ref.objectKey(c.prefix))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("content %s: %w", ref, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read content %s: %w", ref, err)
	}
	data, err := decodePayload(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to decode content %s: %w", ref, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *content) Exists(ctx context.Context, ref Ref) (bool, error) {
	return c.objects.exists(ctx, ref.objectKey(c.prefix))
}

func (c *content) Delete(ctx context.Context, ref Ref) error {
	if err := c.objects.remove(ctx, ref.objectKey(c.prefix)); err != nil {
		return fmt.Errorf("failed to delete content %s: %w", ref, err)
	}
	return nil
}

// New creates the store selected by cfg.
func New(ctx context.Context, cfg *config.ContentStoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStore(cfg.BasePath, cfg.Compress, logger)
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:       cfg.Bucket,
			Prefix:       cfg.Prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		}, cfg.Compress, logger)
	}
	return nil, fmt.Errorf("unknown content store type %q", cfg.Type)
}

// ReadAll reads the content under ref into memory.
func ReadAll(ctx context.Context, store Store, ref Ref) ([]byte, error) {
	rc, err := store.Read(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
