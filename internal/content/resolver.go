// Package content resolves a scene's virtual file paths to bytes.
//
// Paths are normalized before lookup: Unicode NFC, forward slashes, no
// leading slash, and no way to climb out of the scene's root with "..".
// Two spellings of the same name therefore resolve to the same file no
// matter how the script composed the string.
package content

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ErrNotFound is returned for paths with no content.
var ErrNotFound = errors.New("content not found")

// Resolver looks up virtual files.
type Resolver interface {
	Read(ctx context.Context, virtualPath string) ([]byte, error)
}

// Normalize returns the canonical form of a virtual path, or an error if
// it escapes the root.
func Normalize(virtualPath string) (string, error) {
	p := norm.NFC.String(strings.ReplaceAll(virtualPath, "\\", "/"))
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return "", fmt.Errorf("empty path %q", virtualPath)
	}
	// path.Clean on a rooted path cannot produce "..", but the raw input
	// is still refused so that scripts learn they are confined.
	for _, seg := range strings.Split(strings.ReplaceAll(virtualPath, "\\", "/"), "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes scene root", virtualPath)
		}
	}
	return p, nil
}

// DirResolver serves files under a filesystem directory.
type DirResolver struct {
	Root string
}

// Read implements Resolver.
func (d DirResolver) Read(ctx context.Context, virtualPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := Normalize(virtualPath)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(d.Root, filepath.FromSlash(p)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return b, nil
}

// MapResolver serves files from memory. Safe for concurrent use.
type MapResolver struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMapResolver returns a resolver holding files. Keys are normalized.
func NewMapResolver(files map[string][]byte) (*MapResolver, error) {
	m := &MapResolver{files: make(map[string][]byte, len(files))}
	for k, v := range files {
		if err := m.Put(k, v); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Put stores a file.
func (m *MapResolver) Put(virtualPath string, data []byte) error {
	p, err := Normalize(virtualPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = append([]byte(nil), data...)
	return nil
}

// Read implements Resolver.
func (m *MapResolver) Read(ctx context.Context, virtualPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := Normalize(virtualPath)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}
