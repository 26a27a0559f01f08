package landscape

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

// PayloadStore is the append-only blob store behind *_ref columns. Blobs are
// content-addressed by blake3 so identical payloads dedupe; the audit rows
// keep SHA-256 hashes independently, which is what lets Purge delete blob
// bytes without weakening the trail.
type PayloadStore struct {
	mu   sync.Mutex
	root string
}

// ErrPayloadPurged is returned when a ref resolves to a purged blob.
var ErrPayloadPurged = errors.New("landscape: payload has been purged")

func NewPayloadStore(root string) (*PayloadStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create payload store %s: %w", root, err)
	}
	return &PayloadStore{root: root}, nil
}

// Put stores the blob and returns its ref. Re-putting identical bytes
// returns the same ref.
func (p *PayloadStore) Put(data []byte) (string, error) {
	sum := blake3.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	p.mu.Lock()
	defer p.mu.Unlock()
	path := p.path(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("payload store: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("payload store write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("payload store publish: %w", err)
	}
	return ref, nil
}

// Get returns the blob for ref, or ErrPayloadPurged if it was deleted.
func (p *PayloadStore) Get(ref string) ([]byte, error) {
	data, err := os.ReadFile(p.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrPayloadPurged
	}
	if err != nil {
		return nil, fmt.Errorf("payload store read %s: %w", ref, err)
	}
	sum := blake3.Sum256(data)
	if hex.EncodeToString(sum[:]) != ref {
		panic(fmt.Sprintf("landscape: payload %s content does not match its ref", ref))
	}
	return data, nil
}

// Purge deletes the blob bytes for ref. The ref stays valid as an audit
// anchor; subsequent Gets return ErrPayloadPurged.
func (p *PayloadStore) Purge(ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := os.Remove(p.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// PurgeAll removes every stored blob.
func (p *PayloadStore) PurgeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(p.root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (p *PayloadStore) path(ref string) string {
	if len(ref) < 2 {
		return filepath.Join(p.root, ref)
	}
	return filepath.Join(p.root, ref[:2], ref)
}
