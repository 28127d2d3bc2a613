// Package access manages the designated library folder and its scoped
// read-access grant.
//
// The designation (absolute path plus an opaque grant token) persists in the
// data directory and survives restarts. A Grant is a capability handle:
// acquire it before touching the folder, release it on folder change or
// shutdown. Acquisition failure means "no books visible", never a crash.
package access

import (
	"encoding/json/v2"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shelfkeeper/shelfkeeper/internal/errors"
	"github.com/shelfkeeper/shelfkeeper/internal/id"
)

const designationFile = "designation.json"

// Designation is the persisted record of the chosen library folder.
type Designation struct {
	Path        string    `json:"path"`
	Token       string    `json:"token"`
	GrantedAt   time.Time `json:"granted_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Manager loads, persists, and grants access to the folder designation.
type Manager struct {
	dataDir string
	logger  *slog.Logger

	mu      sync.Mutex
	current *Designation
}

// NewManager creates a manager rooted at the given data directory and loads
// any existing designation.
func NewManager(dataDir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{dataDir: dataDir, logger: logger}

	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Designate selects a new library folder, replacing any prior designation.
// The path must be an absolute, readable directory.
func (m *Manager) Designate(path string) (*Designation, error) {
	if !filepath.IsAbs(path) {
		return nil, errors.Validation(fmt.Sprintf("library path must be absolute: %s", path))
	}
	if err := probeReadable(path); err != nil {
		return nil, err
	}

	token, err := id.Generate("grant")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "generate grant token")
	}

	now := time.Now()
	d := &Designation{Path: path, Token: token, GrantedAt: now, RefreshedAt: now}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistLocked(d); err != nil {
		return nil, err
	}
	m.current = d
	m.logger.Info("library folder designated", "path", path)
	return d, nil
}

// Current returns the persisted designation, or nil when no folder has been
// selected yet.
func (m *Manager) Current() *Designation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Acquire validates the designation against the filesystem and returns a
// capability handle for the folder. The token is refreshed on every acquire,
// matching the re-grant on process start.
func (m *Manager) Acquire() (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, errors.FolderAccess("no library folder designated")
	}
	if err := probeReadable(m.current.Path); err != nil {
		return nil, err
	}

	token, err := id.Generate("grant")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "refresh grant token")
	}
	m.current.Token = token
	m.current.RefreshedAt = time.Now()
	if err := m.persistLocked(m.current); err != nil {
		return nil, err
	}

	m.logger.Debug("folder access acquired", "path", m.current.Path)
	return &Grant{path: m.current.Path, token: token, logger: m.logger}, nil
}

// Clear removes the designation, e.g. when the user detaches the folder.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = nil
	err := os.Remove(filepath.Join(m.dataDir, designationFile))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.CodeInternal, "remove designation")
	}
	return nil
}

func (m *Manager) load() error {
	f, err := os.Open(filepath.Join(m.dataDir, designationFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.CodeInternal, "open designation")
	}
	defer f.Close()

	var d Designation
	if err := json.UnmarshalRead(f, &d); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "decode designation")
	}
	m.current = &d
	return nil
}

func (m *Manager) persistLocked(d *Designation) error {
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "create data directory")
	}

	f, err := os.Create(filepath.Join(m.dataDir, designationFile))
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "write designation")
	}
	defer f.Close()

	if err := json.MarshalWrite(f, d); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode designation")
	}
	return nil
}

// probeReadable verifies the path is a directory we can actually list.
func probeReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.FolderAccess(fmt.Sprintf("library folder not accessible: %s", path))
	}
	if !info.IsDir() {
		return errors.FolderAccess(fmt.Sprintf("library path is not a directory: %s", path))
	}
	if _, err := os.ReadDir(path); err != nil {
		return errors.FolderAccess(fmt.Sprintf("library folder not readable: %s", path))
	}
	return nil
}

// Grant is a scoped read-access capability for the designated folder.
// Release it on every exit path; releasing twice is harmless.
type Grant struct {
	path   string
	token  string
	logger *slog.Logger

	once sync.Once
}

// Path returns the folder this grant covers.
func (g *Grant) Path() string { return g.path }

// Token returns the opaque grant token.
func (g *Grant) Token() string { return g.token }

// Release relinquishes the grant. Safe to call more than once.
func (g *Grant) Release() {
	g.once.Do(func() {
		g.logger.Debug("folder access released", "path", g.path)
	})
}
