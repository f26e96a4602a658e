package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/observability"
)

// Loader resolves an install source into a manifest
type Loader interface {
	Load(ctx context.Context, source string) (*Manifest, error)
}

// FileLoader loads manifests from the filesystem. A source is either a
// manifest file or a package directory containing plexus.yaml; relative
// sources resolve against the configured root.
type FileLoader struct {
	root string
	log  *logrus.Logger
}

// NewFileLoader creates a filesystem loader rooted at root
func NewFileLoader(root string, log *logrus.Logger) *FileLoader {
	return &FileLoader{
		root: root,
		log:  observability.OrDefault(log),
	}
}

// Load reads, parses and validates the manifest for source
func (l *FileLoader) Load(ctx context.Context, source string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	manifestPath := source
	if !filepath.IsAbs(manifestPath) && l.root != "" {
		manifestPath = filepath.Join(l.root, manifestPath)
	}

	info, err := os.Stat(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("extension source %s: %w", source, err)
	}
	if info.IsDir() {
		manifestPath = filepath.Join(manifestPath, FileName)
	}

	m, err := LoadFile(manifestPath)
	if err != nil {
		return nil, err
	}

	if errs := Validate(m); len(errs) > 0 {
		return nil, fmt.Errorf("manifest validation failed: %w", errs)
	}

	l.log.Debugf("Loaded manifest %s v%s from %s", m.Name, m.Version, manifestPath)
	return m, nil
}

// StaticLoader serves manifests registered in memory, keyed by source
type StaticLoader struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest
}

// NewStaticLoader creates an empty in-memory loader
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{manifests: make(map[string]*Manifest)}
}

// Add registers m under source
func (l *StaticLoader) Add(source string, m *Manifest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manifests[source] = m
}

// Load returns a copy of the manifest registered under source
func (l *StaticLoader) Load(ctx context.Context, source string) (*Manifest, error) {
	l.mu.RLock()
	m, ok := l.manifests[source]
	l.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("extension source %s: %w", source, os.ErrNotExist)
	}
	if errs := Validate(m); len(errs) > 0 {
		return nil, fmt.Errorf("manifest validation failed: %w", errs)
	}

	c := *m
	c.ExtensionPoints = append([]PointSpec(nil), m.ExtensionPoints...)
	c.APIExtensions = append([]extensions.APIExtension(nil), m.APIExtensions...)
	c.EventSubscriptions = append([]extensions.EventSubscription(nil), m.EventSubscriptions...)
	return &c, nil
}
