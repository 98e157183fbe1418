// Package identity resolves a node's id at boot from a persisted byte.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

// Unset is what an erased store reads back.
const Unset byte = 0xFF

// Resolve reads the persisted id once. A value outside [1, maxNodes] is
// replaced by fallback and written back. Read and write errors are logged
// and the fallback is used; a node always comes up with an id.
func Resolve(ctx context.Context, store lib.IdentityStore, fallback lib.NodeID, maxNodes int, log *zap.Logger) lib.NodeID {
	if log == nil {
		log = zap.NewNop()
	}
	b, err := store.ReadID(ctx)
	if err != nil {
		log.Warn("reading persisted id", zap.Error(err))
		b = Unset
	}
	if b >= 1 && int(b) <= maxNodes {
		return lib.NodeID(b)
	}
	log.Info("persisted id out of range, using configured id",
		zap.Uint8("persisted", b), zap.Stringer("id", fallback))
	if err := store.WriteID(ctx, byte(fallback)); err != nil {
		log.Warn("persisting id", zap.Error(err))
	}
	return fallback
}

// FileStore keeps the id as the first byte of a file, the way the boards
// keep it at EEPROM address 0.
type FileStore struct {
	Path string
}

func (s FileStore) ReadID(context.Context) (byte, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return Unset, nil
	}
	if err != nil {
		return Unset, err
	}
	return data[0], nil
}

func (s FileStore) WriteID(_ context.Context, id byte) error {
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.Path, []byte{id}, 0o644)
}

// RedisStore keeps the id under one key.
type RedisStore struct {
	Client *goredis.Client
	Key    string
}

func (s RedisStore) ReadID(ctx context.Context) (byte, error) {
	n, err := s.Client.Get(ctx, s.Key).Int()
	if errors.Is(err, goredis.Nil) {
		return Unset, nil
	}
	if err != nil {
		return Unset, fmt.Errorf("get %s: %w", s.Key, err)
	}
	if n < 0 || n > 255 {
		return Unset, nil
	}
	return byte(n), nil
}

func (s RedisStore) WriteID(ctx context.Context, id byte) error {
	return s.Client.Set(ctx, s.Key, int(id), 0).Err()
}

// MemStore is a store for simulated nodes.
type MemStore struct {
	mu     sync.Mutex
	id     byte
	set    bool
	Writes int
}

func NewMemStore(id byte) *MemStore { return &MemStore{id: id, set: true} }

func (s *MemStore) ReadID(context.Context) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return Unset, nil
	}
	return s.id, nil
}

func (s *MemStore) WriteID(_ context.Context, id byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.set = id, true
	s.Writes++
	return nil
}
