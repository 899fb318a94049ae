// Package dagbag loads DAG definitions from bundle folders and keeps the
// validated set the scheduler and workers resolve DAGs from.
package dagbag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/windsock/api/v1"
)

var log = ctrl.Log.WithName("dagbag")

// ErrDagNotFound is returned by GetDag for unknown DAG ids
var ErrDagNotFound = errors.New("dag not found")

// Source is a bundle: a named folder of DAG files.
type Source struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
	// Version is recorded on every DAG loaded from the bundle; empty means unversioned.
	Version string `yaml:"version,omitempty"`
}

// ReadSources reads a YAML list of bundle sources
func ReadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config error: %w", err)
	}
	var sources []Source
	if err := yaml.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("yaml parse error: %w", err)
	}
	return sources, nil
}

// DagSaver persists loaded DAGs
type DagSaver interface {
	SaveDag(ctx context.Context, dag *v1.Dag) error
}

// DagBag holds every DAG that loaded cleanly, plus the errors of those that did not.
type DagBag struct {
	sources []Source

	mu           sync.RWMutex
	dags         map[string]*v1.Dag
	registered   map[string]*v1.Dag
	importErrors map[string]error
}

// New creates a DagBag over the given bundles
func New(sources ...Source) *DagBag {
	return &DagBag{
		sources:      sources,
		dags:         make(map[string]*v1.Dag),
		registered:   make(map[string]*v1.Dag),
		importErrors: make(map[string]error),
	}
}

// Register adds a DAG defined in code. It survives reloads.
func (b *DagBag) Register(dag *v1.Dag) error {
	d := dag.Clone()
	if err := Prepare(d); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.dags[d.DagID]; dup {
		return fmt.Errorf("%w: dag %s is defined more than once", ErrInvalidDag, d.DagID)
	}
	b.registered[d.DagID] = d
	b.dags[d.DagID] = d
	return nil
}

// Load (re)reads every bundle. Files that fail are recorded as import errors
// and do not stop the others; the previous definitions of their DAGs are dropped.
func (b *DagBag) Load() error {
	dags := make(map[string]*v1.Dag)
	importErrors := make(map[string]error)

	b.mu.RLock()
	for id, d := range b.registered {
		dags[id] = d
	}
	b.mu.RUnlock()

	for _, src := range b.sources {
		log.Info("Scanning bundle", "name", src.Name, "location", src.Location)
		if _, err := os.Stat(src.Location); errors.Is(err, fs.ErrNotExist) {
			log.Info("Bundle location does not exist, skipping", "name", src.Name, "location", src.Location)
			continue
		}

		err := filepath.WalkDir(src.Location, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch filepath.Ext(d.Name()) {
			case ".yaml", ".yml", ".json":
			default:
				return nil
			}

			rel, err := filepath.Rel(src.Location, path)
			if err != nil {
				return err
			}
			loaded, err := loadFile(path)
			if err != nil {
				log.Error(err, "Failed to import DAG file", "file", path)
				importErrors[path] = err
				return nil
			}
			for _, dag := range loaded {
				dag.RelativeFileloc = filepath.ToSlash(rel)
				dag.BundleName = src.Name
				dag.BundleVersion = src.Version
				if err := Prepare(dag); err != nil {
					log.Error(err, "Invalid DAG", "file", path, "dag", dag.DagID)
					importErrors[path] = err
					continue
				}
				if prev, dup := dags[dag.DagID]; dup {
					err := fmt.Errorf("%w: dag %s is defined in %s and %s", ErrInvalidDag, dag.DagID, prev.RelativeFileloc, dag.RelativeFileloc)
					importErrors[path] = err
					continue
				}
				dags[dag.DagID] = dag
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("walk error in %s: %w", src.Location, err)
		}
	}

	b.mu.Lock()
	b.dags = dags
	b.importErrors = importErrors
	b.mu.Unlock()

	log.Info("Loaded DAGs", "dags", len(dags), "importErrors", len(importErrors))
	return nil
}

// loadFile reads one or more YAML documents, each a DAG. JSON files are YAML too.
func loadFile(path string) ([]*v1.Dag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []*v1.Dag
	for {
		var dag v1.Dag
		err := dec.Decode(&dag)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("yaml parse error: %w", err)
		}
		out = append(out, &dag)
	}
	if len(out) == 0 {
		return nil, errors.New("file has no DAG documents")
	}
	return out, nil
}

// GetDag returns a copy of a loaded DAG
func (b *DagBag) GetDag(dagID string) (*v1.Dag, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.dags[dagID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDagNotFound, dagID)
	}
	return d.Clone(), nil
}

// Dags returns copies of every loaded DAG ordered by id
func (b *DagBag) Dags() []*v1.Dag {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*v1.Dag, 0, len(b.dags))
	for _, d := range b.dags {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DagID < out[j].DagID })
	return out
}

// ImportErrors returns the errors of the last Load by file path
func (b *DagBag) ImportErrors() map[string]error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]error, len(b.importErrors))
	for k, v := range b.importErrors {
		out[k] = v
	}
	return out
}

// Sync saves every loaded DAG
func (b *DagBag) Sync(ctx context.Context, saver DagSaver) error {
	for _, d := range b.Dags() {
		if err := saver.SaveDag(ctx, d); err != nil {
			return fmt.Errorf("failed to save dag %s: %w", d.DagID, err)
		}
	}
	return nil
}
