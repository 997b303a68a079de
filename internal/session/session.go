// Package session persists opaque per-site automation session state.
//
// The serialized session is treated with the same discipline as a secret:
// it is written with owner-only permissions and never logged. One site
// (maxywholesale) is excluded from persistence entirely because its login
// flow cannot safely be replayed from stored state.
package session

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Store reads and writes opaque per-site session state.
type Store interface {
	// Read returns the stored state for a site, or ok=false when no usable
	// state exists (including excluded sites).
	Read(siteKey string) (state []byte, ok bool, err error)
	// Write persists state for a site. Writes for excluded sites are
	// silently dropped.
	Write(siteKey string, state []byte) error
	// Persistable reports whether a site's session may be stored at all.
	Persistable(siteKey string) bool
}

// FileStore keeps one JSON state file per site under a directory.
type FileStore struct {
	dir      string
	excluded map[string]struct{}
}

// NewFileStore creates a FileStore rooted at dir. Sessions for the listed
// site keys are never read or written.
func NewFileStore(dir string, excludedSites ...string) *FileStore {
	ex := make(map[string]struct{}, len(excludedSites))
	for _, s := range excludedSites {
		ex[s] = struct{}{}
	}
	return &FileStore{dir: dir, excluded: ex}
}

func (fs *FileStore) Persistable(siteKey string) bool {
	_, excluded := fs.excluded[siteKey]
	return !excluded
}

func (fs *FileStore) path(siteKey string) string {
	return filepath.Join(fs.dir, siteKey+".json")
}

func (fs *FileStore) Read(siteKey string) ([]byte, bool, error) {
	if !fs.Persistable(siteKey) {
		return nil, false, nil
	}
	data, err := os.ReadFile(fs.path(siteKey))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "session: read %s", siteKey)
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

func (fs *FileStore) Write(siteKey string, state []byte) error {
	if !fs.Persistable(siteKey) {
		return nil
	}
	if err := os.MkdirAll(fs.dir, 0o700); err != nil {
		return eris.Wrap(err, "session: mkdir state dir")
	}
	if err := os.WriteFile(fs.path(siteKey), state, 0o600); err != nil {
		return eris.Wrapf(err, "session: write %s", siteKey)
	}
	return nil
}
