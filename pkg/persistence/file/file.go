// Package file provides file-based persistence for flow definitions and instances.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/stateflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
// Every entity is one JSON document; a single lock serializes writers so that
// compare-and-swap commits and version swaps are atomic within the process.
type Persistence struct {
	root         string
	mu           *sync.RWMutex
	stateRepo    *StateRepository
	modelRepo    *ModelRepository
	versionRepo  *VersionRepository
	instanceRepo *InstanceRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	mu := &sync.RWMutex{}

	return &Persistence{
		root:         cleanRoot,
		mu:           mu,
		stateRepo:    &StateRepository{store: store{root: cleanRoot, dir: "states"}, mu: mu},
		modelRepo:    &ModelRepository{store: store{root: cleanRoot, dir: "models"}, mu: mu},
		versionRepo:  &VersionRepository{store: store{root: cleanRoot, dir: "versions"}, mu: mu},
		instanceRepo: &InstanceRepository{store: store{root: cleanRoot, dir: "instances"}, mu: mu},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) StateRepository() persistence.StateRepository {
	return fp.stateRepo
}

func (fp *Persistence) ModelRepository() persistence.ModelRepository {
	return fp.modelRepo
}

func (fp *Persistence) VersionRepository() persistence.VersionRepository {
	return fp.versionRepo
}

func (fp *Persistence) InstanceRepository() persistence.InstanceRepository {
	return fp.instanceRepo
}

// store reads and writes the JSON documents of one entity directory.
type store struct {
	root string
	dir  string
}

func (s store) path(id string) string {
	return filepath.Join(s.root, s.dir, id+".json")
}

func (s store) write(id string, entity any) error {
	err := os.MkdirAll(filepath.Join(s.root, s.dir), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", s.dir, id, err)
	}

	tmp := s.path(id) + ".tmp"

	err = os.WriteFile(tmp, data, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s %s: %w", s.dir, id, err)
	}

	err = os.Rename(tmp, s.path(id))
	if err != nil {
		return fmt.Errorf("failed to replace %s %s: %w", s.dir, id, err)
	}

	return nil
}

// read decodes the document into entity, returning notFound when it does not exist.
func (s store) read(id string, entity any, notFound error) error {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound
		}

		return fmt.Errorf("failed to read %s %s: %w", s.dir, id, err)
	}

	err = json.Unmarshal(data, entity)
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s %s: %w", s.dir, id, err)
	}

	return nil
}

// ids lists the stored document identifiers in lexical order.
func (s store) ids() ([]string, error) {
	root := os.DirFS(filepath.Join(s.root, s.dir))

	files, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s files: %w", s.dir, err)
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}

	return ids, nil
}

// all decodes every document of the directory.
func all[T any](s store, notFound error) ([]*T, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}

	entities := make([]*T, 0, len(ids))

	for _, id := range ids {
		entity := new(T)

		err := s.read(id, entity, notFound)
		if err != nil {
			return nil, err
		}

		entities = append(entities, entity)
	}

	return entities, nil
}
