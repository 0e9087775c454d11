package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/tyemirov/backerauth/pkg/hosting"
)

// LinkStore persists provider links across restarts. Entitlement tokens are
// never persisted.
type LinkStore interface {
	Load(ctx context.Context) (map[string]hosting.LinkTokens, error)
	Put(ctx context.Context, providerID string, tokens hosting.LinkTokens) error
	Delete(ctx context.Context, providerID string) error
	Clear(ctx context.Context) error
}

// MemoryLinkStore keeps links for the lifetime of the process.
type MemoryLinkStore struct {
	mutex sync.Mutex
	links map[string]hosting.LinkTokens
}

// NewMemoryLinkStore returns an empty store.
func NewMemoryLinkStore() *MemoryLinkStore {
	return &MemoryLinkStore{links: make(map[string]hosting.LinkTokens)}
}

func (store *MemoryLinkStore) Load(ctx context.Context) (map[string]hosting.LinkTokens, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return cloneLinks(store.links), nil
}

func (store *MemoryLinkStore) Put(ctx context.Context, providerID string, tokens hosting.LinkTokens) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.links[providerID] = tokens
	return nil
}

func (store *MemoryLinkStore) Delete(ctx context.Context, providerID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.links, providerID)
	return nil
}

func (store *MemoryLinkStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.links = make(map[string]hosting.LinkTokens)
	return nil
}

// FileLinkStore keeps links in a JSON document readable only by the owner.
type FileLinkStore struct {
	mutex sync.Mutex
	path  string
}

// NewFileLinkStore stores links at path. The file is created on first write.
func NewFileLinkStore(path string) *FileLinkStore {
	return &FileLinkStore{path: path}
}

func (store *FileLinkStore) Load(ctx context.Context) (map[string]hosting.LinkTokens, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.readLocked()
}

func (store *FileLinkStore) Put(ctx context.Context, providerID string, tokens hosting.LinkTokens) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	links, err := store.readLocked()
	if err != nil {
		return err
	}
	links[providerID] = tokens
	return store.writeLocked(links)
}

func (store *FileLinkStore) Delete(ctx context.Context, providerID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	links, err := store.readLocked()
	if err != nil {
		return err
	}
	delete(links, providerID)
	return store.writeLocked(links)
}

func (store *FileLinkStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := os.Remove(store.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokencache.link_store.clear: %w", err)
	}
	return nil
}

func (store *FileLinkStore) readLocked() (map[string]hosting.LinkTokens, error) {
	data, err := os.ReadFile(store.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]hosting.LinkTokens), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tokencache.link_store.read: %w", err)
	}
	links := make(map[string]hosting.LinkTokens)
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, fmt.Errorf("tokencache.link_store.decode: %w", err)
	}
	return links, nil
}

// writeLocked replaces the file atomically through a temp file and rename.
func (store *FileLinkStore) writeLocked(links map[string]hosting.LinkTokens) error {
	data, err := json.MarshalIndent(links, "", "  ")
	if err != nil {
		return fmt.Errorf("tokencache.link_store.encode: %w", err)
	}
	directory := filepath.Dir(store.path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("tokencache.link_store.mkdir: %w", err)
	}
	temporary, err := os.CreateTemp(directory, ".links-*.json")
	if err != nil {
		return fmt.Errorf("tokencache.link_store.write: %w", err)
	}
	defer os.Remove(temporary.Name())
	if err := temporary.Chmod(0o600); err != nil {
		temporary.Close()
		return fmt.Errorf("tokencache.link_store.write: %w", err)
	}
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("tokencache.link_store.write: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("tokencache.link_store.write: %w", err)
	}
	if err := os.Rename(temporary.Name(), store.path); err != nil {
		return fmt.Errorf("tokencache.link_store.write: %w", err)
	}
	return nil
}

func cloneLinks(links map[string]hosting.LinkTokens) map[string]hosting.LinkTokens {
	cloned := make(map[string]hosting.LinkTokens, len(links))
	for providerID, tokens := range links {
		cloned[providerID] = tokens
	}
	return cloned
}
