package gemcord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const (
	RoleUser  = "user"
	RoleModel = "model"

	historyFileExt = ".json"
)

var ErrInvalidGuildID = errors.New("invalid guild ID")

// InlineData is binary content sent to the model alongside text,
// base64-encoded.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Part is a single piece of a Turn. Exactly one of Text or InlineData
// is expected to be set.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// Turn is one message in a conversation, from either the user or the model
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// History is the ordered list of turns for a single server
type History []Turn

// Clone returns a copy of the history that shares no slices with h
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	for i, turn := range h {
		out[i] = Turn{Role: turn.Role, Parts: slices.Clone(turn.Parts)}
	}
	return out
}

// HistoryStore holds each server's conversation history in memory,
// mirrored to one JSON file per server in dir. The file on disk always
// reflects the last successful Save for that server, and may lag
// behind the in-memory value when a write fails.
type HistoryStore struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	histories map[string]History

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewHistoryStore(dir string, logger *slog.Logger) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStore{
		dir:       dir,
		logger:    logger.With(loggerNameKey, "history_store"),
		histories: map[string]History{},
		locks:     map[string]*sync.Mutex{},
	}
}

// Dir returns the folder histories are read from and written to
func (s *HistoryStore) Dir() string {
	return s.dir
}

// Load reads every file in the history folder, creating the folder if
// it doesn't exist. Each file's name, minus its extension, is the
// guild ID. Files that can't be read or parsed are logged and skipped.
func (s *HistoryStore) Load(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("error creating history folder: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("error reading history folder: %w", err)
	}

	loaded := make(map[string]History, len(entries))
	for _, entry := range entries {
		if err = ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != historyFileExt {
			continue
		}
		guildID := strings.TrimSuffix(name, historyFileExt)
		if guildID == "" {
			continue
		}

		fp := filepath.Join(s.dir, name)
		data, readErr := os.ReadFile(fp)
		if readErr != nil {
			s.logger.ErrorContext(
				ctx,
				"error reading history file",
				"path", fp,
				tint.Err(readErr),
			)
			continue
		}

		var h History
		if jsonErr := json.Unmarshal(data, &h); jsonErr != nil {
			s.logger.ErrorContext(
				ctx,
				"error parsing history file",
				"path", fp,
				tint.Err(jsonErr),
			)
			continue
		}
		loaded[guildID] = h
		s.logger.DebugContext(
			ctx,
			"loaded history",
			"guild_id", guildID,
			"turns", len(h),
		)
	}

	s.mu.Lock()
	for guildID, h := range loaded {
		s.histories[guildID] = h
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "loaded histories", "count", len(loaded))
	return nil
}

// Save writes the history to the guild's file, and on success makes it
// the guild's in-memory value.
func (s *HistoryStore) Save(guildID string, h History) error {
	if err := validateGuildID(guildID); err != nil {
		return err
	}
	if h == nil {
		h = History{}
	}

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding history: %w", err)
	}

	if err = os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("error creating history folder: %w", err)
	}
	if err = writeFileAtomic(s.path(guildID), data, 0o644); err != nil {
		return fmt.Errorf("error writing history: %w", err)
	}

	s.mu.Lock()
	s.histories[guildID] = h.Clone()
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the guild's history, or nil if there is none
func (s *HistoryStore) Get(guildID string) History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.histories[guildID].Clone()
}

// Set replaces the guild's in-memory history without writing it to disk
func (s *HistoryStore) Set(guildID string, h History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[guildID] = h.Clone()
}

// Guilds returns the sorted IDs of every guild with a history
func (s *HistoryStore) Guilds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.histories))
	for id := range s.histories {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// PruneLast drops the trailing n turns of the guild's in-memory history,
// if it has at least n. Returns true if anything was dropped.
func (s *HistoryStore) PruneLast(guildID string, n int) bool {
	if n <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.histories[guildID]
	if len(h) < n {
		return false
	}
	s.histories[guildID] = h[:len(h)-n].Clone()
	return true
}

// Lock acquires the guild's turn lock, serializing conversation turns
// for a single guild. The returned func releases it.
func (s *HistoryStore) Lock(guildID string) (unlock func()) {
	s.locksMu.Lock()
	m, ok := s.locks[guildID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[guildID] = m
	}
	s.locksMu.Unlock()

	m.Lock()
	return m.Unlock
}

func (s *HistoryStore) path(guildID string) string {
	return filepath.Join(s.dir, guildID+historyFileExt)
}

// writeFileAtomic writes data to a temp file in the same folder as path,
// then renames it over path, so readers never see a partial file
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := f.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}

func validateGuildID(guildID string) error {
	if guildID == "" ||
		guildID == "." ||
		guildID == ".." ||
		strings.ContainsAny(guildID, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidGuildID, guildID)
	}
	return nil
}
