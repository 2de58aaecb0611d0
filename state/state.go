package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhcgn/imap-to-mbox/model"
)

// MetadataFile is the name of the store document inside the output directory.
const MetadataFile = "metadata.json"

type Store interface {
	Load(folder string) model.FolderMetadata
	Contains(folder, id string) bool
	Lookup(folder, id string) (model.MessageRecord, bool)
	RecordSuccess(folder string, rec model.MessageRecord) error
	SetUIDValidity(folder string, uidValidity uint32) (changed bool)
	Persist(folder string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Folders  int
	Messages int
}

type MemoryStore struct {
	mu      sync.RWMutex
	folders map[string]*model.FolderMetadata
	dirty   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{folders: make(map[string]*model.FolderMetadata)}
}

func (m *MemoryStore) Load(folder string) model.FolderMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.folder(folder).Clone()
}

func (m *MemoryStore) Contains(folder, id string) bool {
	_, ok := m.Lookup(folder, id)
	return ok
}

func (m *MemoryStore) Lookup(folder, id string) (model.MessageRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.folders[folder]
	if !ok {
		return model.MessageRecord{}, false
	}
	rec, ok := meta.Messages[id]
	return rec, ok
}

func (m *MemoryStore) RecordSuccess(folder string, rec model.MessageRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("record for folder %q has no identifier", folder)
	}
	if rec.Filename == "" {
		return fmt.Errorf("record %s in folder %q has no filename", rec.ID, folder)
	}

	m.mu.Lock()
	m.folder(folder).Messages[rec.ID] = rec
	m.dirty = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SetUIDValidity(folder string, uidValidity uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.folder(folder)
	if meta.UIDValidity == uidValidity {
		return false
	}
	changed := meta.UIDValidity != 0
	meta.UIDValidity = uidValidity
	m.dirty = true
	return changed
}

func (m *MemoryStore) Persist(string) error {
	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{Folders: len(m.folders)}
	for _, meta := range m.folders {
		snap.Messages += len(meta.Messages)
	}
	return snap
}

// folder returns the live entry for name, creating it. Callers hold mu.
func (m *MemoryStore) folder(name string) *model.FolderMetadata {
	meta, ok := m.folders[name]
	if !ok {
		fresh := model.NewFolderMetadata()
		meta = &fresh
		m.folders[name] = meta
	}
	return meta
}

// FileStore keeps the download history in metadata.json so future runs can
// skip messages that are already on disk.
type FileStore struct {
	*MemoryStore
	path   string
	logger *slog.Logger
	// serialises Persist so two writers never race on the temp file
	writeMu sync.Mutex
}

func NewFileStore(outputDir string, logger *slog.Logger) (*FileStore, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	store := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        filepath.Join(outputDir, MetadataFile),
		logger:      logger,
	}
	store.load()
	return store, nil
}

func (f *FileStore) Path() string {
	return f.path
}

// load never fails: a broken document only costs dedup history, so it is
// moved aside and the run starts from empty state.
func (f *FileStore) load() {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		if f.logger != nil {
			f.logger.Info("no existing metadata, starting fresh", "path", f.path)
		}
		return
	}
	if err != nil {
		f.warn("read metadata failed, starting with empty state", err)
		return
	}

	folders, err := decode(data)
	if err != nil {
		f.warn("metadata is corrupt, starting with empty state", err)
		aside := f.path + ".corrupt"
		if rerr := os.Rename(f.path, aside); rerr != nil {
			f.warn("move corrupt metadata aside failed", rerr)
		} else if f.logger != nil {
			f.logger.Warn("corrupt metadata preserved", "path", aside)
		}
		return
	}

	f.mu.Lock()
	f.folders = folders
	f.mu.Unlock()

	if f.logger != nil {
		snap := f.Snapshot()
		f.logger.Info("loaded metadata", "path", f.path, "folders", snap.Folders, "messages", snap.Messages)
	}
}

func (f *FileStore) warn(msg string, err error) {
	if f.logger != nil {
		f.logger.Warn(msg, "path", f.path, "err", err)
	}
}

// Persist writes the whole document. The folder argument only scopes the log
// line; every folder lives in the same file.
func (f *FileStore) Persist(folder string) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.mu.RLock()
	if !f.dirty {
		f.mu.RUnlock()
		return nil
	}
	data, err := encode(f.folders)
	f.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := writeFileAtomic(f.path, data, 0o644); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}

	f.mu.Lock()
	f.dirty = false
	f.mu.Unlock()

	if f.logger != nil {
		f.logger.Debug("persisted metadata", "path", f.path, "folder", folder)
	}
	return nil
}

func decode(data []byte) (map[string]*model.FolderMetadata, error) {
	folders := make(map[string]*model.FolderMetadata)
	if err := json.Unmarshal(data, &folders); err != nil {
		return nil, err
	}
	for name, meta := range folders {
		if meta == nil {
			fresh := model.NewFolderMetadata()
			folders[name] = &fresh
			continue
		}
		if meta.Messages == nil {
			meta.Messages = make(map[string]model.MessageRecord)
		}
		for id, rec := range meta.Messages {
			rec.ID = id
			meta.Messages[id] = rec
		}
	}
	return folders, nil
}

func encode(folders map[string]*model.FolderMetadata) ([]byte, error) {
	data, err := json.MarshalIndent(folders, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
