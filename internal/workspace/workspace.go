// Package workspace manages on-disk project workspaces and the files
// tasks generate inside them
package workspace

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const metadataFile = ".workspace"

// defaultSnapshotFileBytes caps how much of each file a snapshot
// inlines unless the project configures its own limit
const defaultSnapshotFileBytes = 2000

// Manager creates and manipulates workspaces under a single root
// directory
type Manager struct {
	root              string
	snapshotFileBytes int
}

// Metadata is the per-workspace record stored in the .workspace file
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Info describes a workspace for listing
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	FileCount   int    `json:"file_count"`
}

// NewManager creates a workspace manager rooted at dir
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Manager{root: root, snapshotFileBytes: defaultSnapshotFileBytes}, nil
}

// SetSnapshotFileLimit overrides how many bytes of each file a
// snapshot inlines. Zero or negative keeps the current limit.
func (m *Manager) SetSnapshotFileLimit(n int64) {
	if n > 0 {
		m.snapshotFileBytes = int(n)
	}
}

// Root returns the workspace root directory
func (m *Manager) Root() string {
	return m.root
}

// Path returns the absolute directory of a named workspace
func (m *Manager) Path(name string) string {
	return filepath.Join(m.root, name)
}

// Create makes a new workspace directory with metadata. Creating an
// existing workspace is an error.
func (m *Manager) Create(name, description string) error {
	if err := validateName(name); err != nil {
		return err
	}
	dir := m.Path(name)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("workspace %q already exists", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	meta := Metadata{
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UnixMilli(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding workspace metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0644); err != nil {
		return fmt.Errorf("writing workspace metadata: %w", err)
	}
	return nil
}

// Exists reports whether a workspace directory is present
func (m *Manager) Exists(name string) bool {
	info, err := os.Stat(m.Path(name))
	return err == nil && info.IsDir()
}

// EnsureExists creates the workspace if it is missing
func (m *Manager) EnsureExists(name string) error {
	if m.Exists(name) {
		return nil
	}
	return m.Create(name, "")
}

// List returns all workspaces under the root, sorted by name
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("reading workspace root: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info := Info{Name: entry.Name()}
		if data, err := os.ReadFile(filepath.Join(m.Path(entry.Name()), metadataFile)); err == nil {
			var meta Metadata
			if json.Unmarshal(data, &meta) == nil {
				info.Description = meta.Description
				info.CreatedAt = meta.CreatedAt
			}
		}
		files, err := m.ListFiles(entry.Name())
		if err == nil {
			info.FileCount = len(files)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Delete removes a workspace and everything in it
func (m *Manager) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if !m.Exists(name) {
		return fmt.Errorf("workspace %q not found", name)
	}
	if err := os.RemoveAll(m.Path(name)); err != nil {
		return fmt.Errorf("deleting workspace: %w", err)
	}
	return nil
}

// WriteFile writes content at a workspace-relative path, creating
// parent directories as needed
func (m *Manager) WriteFile(workspace, relPath, content string) error {
	abs, err := m.resolve(workspace, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", relPath, err)
	}
	return nil
}

// ReadFile reads a workspace-relative file
func (m *Manager) ReadFile(workspace, relPath string) (string, error) {
	abs, err := m.resolve(workspace, relPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", relPath, err)
	}
	return string(data), nil
}

// ListFiles returns workspace-relative paths of every regular file,
// excluding workspace metadata, sorted
func (m *Manager) ListFiles(workspace string) ([]string, error) {
	dir := m.Path(workspace)
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == metadataFile {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking workspace %s: %w", workspace, err)
	}
	sort.Strings(files)
	return files, nil
}

// Snapshot renders the workspace state for inclusion in a conductor
// prompt: the file list plus truncated contents of text files.
func (m *Manager) Snapshot(workspace string) (string, error) {
	files, err := m.ListFiles(workspace)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "(workspace is empty)", nil
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Workspace contains %d file(s):\n", len(files)))
	for _, f := range files {
		b.WriteString("  - " + f + "\n")
	}
	for _, f := range files {
		if !isTextFile(f) {
			continue
		}
		content, err := m.ReadFile(workspace, f)
		if err != nil {
			continue
		}
		truncated := false
		if len(content) > m.snapshotFileBytes {
			content = content[:m.snapshotFileBytes]
			truncated = true
		}
		b.WriteString(fmt.Sprintf("\n--- %s ---\n%s", f, content))
		if truncated {
			b.WriteString("\n... (truncated)")
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Purge deletes the named files from a workspace and removes any
// directories left empty. Missing files are skipped, not errors.
func (m *Manager) Purge(workspace string, relPaths []string) (int, error) {
	purged := 0
	dirs := make(map[string]bool)
	for _, relPath := range relPaths {
		abs, err := m.resolve(workspace, relPath)
		if err != nil {
			log.Printf("⚠️  Skipping purge of %s: %v", relPath, err)
			continue
		}
		if err := os.Remove(abs); err != nil {
			if !os.IsNotExist(err) {
				return purged, fmt.Errorf("removing %s: %w", relPath, err)
			}
			continue
		}
		purged++
		dirs[filepath.Dir(abs)] = true
	}

	root := m.Path(workspace)
	for dir := range dirs {
		m.removeEmptyParents(root, dir)
	}
	return purged, nil
}

// removeEmptyParents removes dir and its now-empty ancestors up to,
// but not including, the workspace root
func (m *Manager) removeEmptyParents(root, dir string) {
	for dir != root && strings.HasPrefix(dir, root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// resolve joins a workspace-relative path and rejects escapes outside
// the workspace directory
func (m *Manager) resolve(workspace, relPath string) (string, error) {
	if err := validateName(workspace); err != nil {
		return "", err
	}
	dir := m.Path(workspace)
	abs := filepath.Join(dir, filepath.FromSlash(relPath))
	if abs != dir && !strings.HasPrefix(abs, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", relPath)
	}
	return abs, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("workspace name is empty")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid workspace name %q", name)
	}
	return nil
}

var textExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true,
	".tsx": true, ".html": true, ".css": true, ".json": true,
	".yaml": true, ".yml": true, ".toml": true, ".md": true,
	".txt": true, ".sh": true, ".sql": true, ".rs": true, ".java": true,
	".c": true, ".h": true, ".cpp": true, ".rb": true, ".php": true,
}

func isTextFile(path string) bool {
	return textExtensions[strings.ToLower(filepath.Ext(path))]
}
