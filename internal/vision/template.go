package vision

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

var (
	ErrEmptyImage      = errors.New("image has no pixels")
	ErrUnknownTemplate = errors.New("unknown template")
)

// Template is an image to search for, pre-processed for matching.
type Template struct {
	Name  string
	Image image.Image

	prep *prepared
}

// NewTemplate prepares img for matching.
func NewTemplate(name string, img image.Image) (*Template, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("template %q: %w", name, ErrEmptyImage)
	}
	return &Template{Name: name, Image: img, prep: prepare(toLuma(img))}, nil
}

// LoadTemplate decodes a PNG or JPEG file. The template is named after the
// file without its extension.
func LoadTemplate(path string) (*Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open template: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode template %s: %w", path, err)
	}
	base := filepath.Base(path)
	return NewTemplate(strings.TrimSuffix(base, filepath.Ext(base)), img)
}

// Size returns the template dimensions.
func (t *Template) Size() image.Point {
	return image.Pt(t.prep.w, t.prep.h)
}

// TemplateStore resolves template names used by sequences.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateStore creates an empty store.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{templates: make(map[string]*Template)}
}

// Add stores t, replacing any template with the same name.
func (s *TemplateStore) Add(t *Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.Name] = t
}

// Get returns the template called name.
func (s *TemplateStore) Get(name string) (*Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

// Remove deletes the template called name.
func (s *TemplateStore) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.templates[name]
	delete(s.templates, name)
	return ok
}

// Names returns the stored names in sorted order.
func (s *TemplateStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LoadDir adds every PNG and JPEG file in dir and returns how many were
// loaded. Subdirectories are ignored.
func (s *TemplateStore) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read template dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
		default:
			continue
		}
		t, err := LoadTemplate(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, err
		}
		s.Add(t)
		n++
	}
	return n, nil
}
