package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"abot/internal/dispatch"
	"abot/internal/subscription"
	logx "abot/pkg/logx"
)

// fileStore keeps the registry in a JSON snapshot next to an optional
// delivery journal.
//
// Files:
//   - <prefix>.state.json        (whole registry, replaced atomically)
//   - <prefix>.deliveries.jsonl  (append-only JSON Lines, when enabled)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath    string
	deliveryFile *os.File
	closed       bool
}

// stateFile is the on-disk snapshot. Version guards future format changes.
type stateFile struct {
	Version int `json:"version"`
	subscription.State
}

const stateVersion = 1

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, statePath: prefix + ".state.json"}
	if cfg.DeliveryLog {
		f, err := os.OpenFile(prefix+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		s.deliveryFile = f
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.deliveryFile != nil {
		err := s.deliveryFile.Close()
		s.deliveryFile = nil
		return err
	}
	return nil
}

func (s *fileStore) LoadState(ctx context.Context) (subscription.State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return subscription.State{}, nil
	}
	if err != nil {
		return subscription.State{}, err
	}
	var sf stateFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return subscription.State{}, fmt.Errorf("%s: %w", s.statePath, err)
	}
	if sf.Version > stateVersion {
		return subscription.State{}, fmt.Errorf("%s: unsupported state version %d", s.statePath, sf.Version)
	}
	return sf.State, nil
}

func (s *fileStore) SaveState(ctx context.Context, st subscription.State) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("state file closed")
	}

	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stateFile{Version: stateVersion, State: st}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) AppendDelivery(ctx context.Context, at dispatch.Attempt) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.deliveryFile).Encode(at)
}
