package fdo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dialtone/p3d/internal/wire"
)

// TemplateStore resolves a GID to FDO source. Resolution order:
//
//  1. the in-process DSL registry (sources registered programmatically),
//  2. "<gid-display>.bw.txt" under the template dir for low-color users,
//  3. "<gid-display>.txt" under the template dir.
//
// File reads go through a short-lived cache; the button-theme variable is
// substituted before the source reaches the compiler.
type TemplateStore struct {
	dir         string
	buttonTheme string

	mu       sync.RWMutex
	registry map[uint32]string

	files *gocache.Cache
}

func NewTemplateStore(dir, buttonTheme string) *TemplateStore {
	return &TemplateStore{
		dir:         dir,
		buttonTheme: buttonTheme,
		registry:    make(map[uint32]string),
		files:       gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// RegisterSource binds FDO source to a GID in the DSL registry. Registry
// entries take precedence over filesystem templates.
func (s *TemplateStore) RegisterSource(gid uint32, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[gid] = source
}

// FromRegistry returns the registry source for gid, if any, preprocessed.
func (s *TemplateStore) FromRegistry(gid uint32) (string, bool) {
	s.mu.RLock()
	src, ok := s.registry[gid]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	return s.preprocess(src), true
}

// Resolve returns the FDO source for gid, preferring the registry, then a
// .bw variant when lowColor is set, then the plain template.
func (s *TemplateStore) Resolve(gid uint32, lowColor bool) (string, bool) {
	if src, ok := s.FromRegistry(gid); ok {
		return src, true
	}

	display := wire.FormatGID(gid)
	if lowColor {
		if src, ok := s.readFile(display + ".bw.txt"); ok {
			return s.preprocess(src), true
		}
	}
	if src, ok := s.readFile(display + ".txt"); ok {
		return s.preprocess(src), true
	}
	return "", false
}

func (s *TemplateStore) readFile(name string) (string, bool) {
	if cached, ok := s.files.Get(name); ok {
		src := cached.(string)
		return src, src != ""
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		// Negative entries keep missing templates from hitting the
		// filesystem on every request.
		s.files.SetDefault(name, "")
		return "", false
	}
	src := string(data)
	s.files.SetDefault(name, src)
	return src, true
}

// preprocess substitutes template variables. Only the button theme for now.
func (s *TemplateStore) preprocess(src string) string {
	return strings.ReplaceAll(src, "<$BUTTON_THEME>", s.buttonTheme)
}

// DirArtStore serves art blobs from "<gid-display>.art" files.
type DirArtStore struct {
	dir string
}

func NewDirArtStore(dir string) *DirArtStore {
	return &DirArtStore{dir: dir}
}

func (a *DirArtStore) Art(gid uint32) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(a.dir, fmt.Sprintf("%s.art", wire.FormatGID(gid))))
	if err != nil {
		return nil, false
	}
	return data, true
}
