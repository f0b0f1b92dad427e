// Package chainspec keeps the chain specifications found in a directory, validated and indexed
// by file name, so sessions can be started by chain name instead of inline spec text.
package chainspec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/lightmux/internal/observability"
	"github.com/harun/lightmux/pkg/engine/loopback"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// ErrNotFound is returned by Lookup for an unknown chain name.
var ErrNotFound = errors.New("chainspec: not found")

// Spec is one loaded chain specification.
type Spec struct {
	// Name is the file name without the .json extension.
	Name       string
	ChainName  string
	ChainID    string
	RelayChain string
	Path       string
	Raw        string
	LoadedAt   time.Time
}

// IsParachain reports whether the spec names a relay chain.
func (s Spec) IsParachain() bool {
	return s.RelayChain != ""
}

// Store holds validated chain specs.
type Store struct {
	dir          string
	schemaLoader gojsonschema.JSONLoader
	logger       zerolog.Logger

	mu    sync.RWMutex
	specs map[string]Spec
}

// NewStore creates an empty store over dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:          dir,
		schemaLoader: gojsonschema.NewStringLoader(loopback.ChainSpecSchema),
		logger:       log.Logger.With().Str("component", "chainspec").Logger(),
		specs:        make(map[string]Spec),
	}
}

// Dir returns the directory the store reads from.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads every *.json file in the directory. Invalid files are skipped and reported in the
// returned error; valid ones are still loaded. A missing directory is not an error.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug().Str("dir", s.dir).Msg("Chain spec directory does not exist")
			return nil
		}
		return fmt.Errorf("failed to read chain spec directory: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isSpecFile(entry.Name()) {
			continue
		}
		if _, err := s.LoadFile(filepath.Join(s.dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info().Int("count", s.Len()).Str("dir", s.dir).Msg("Chain specs loaded")
	return errors.Join(errs...)
}

// LoadFile parses, validates and stores a single spec file, replacing any earlier version.
func (s *Store) LoadFile(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("failed to read chain spec %s: %w", path, err)
	}

	spec, err := s.Parse(nameOf(path), string(data))
	if err != nil {
		return Spec{}, fmt.Errorf("chain spec %s: %w", path, err)
	}
	spec.Path = path

	s.mu.Lock()
	s.specs[spec.Name] = spec
	count := len(s.specs)
	s.mu.Unlock()

	observability.SetChainSpecsLoaded(count)
	s.logger.Debug().Str("chain", spec.Name).Str("path", path).Msg("Chain spec loaded")
	return spec, nil
}

// Parse validates raw against the chain spec schema without storing it.
func (s *Store) Parse(name, raw string) (Spec, error) {
	if !gjson.Valid(raw) {
		return Spec{}, errors.New("not valid JSON")
	}

	result, err := gojsonschema.Validate(s.schemaLoader, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return Spec{}, fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return Spec{}, fmt.Errorf("invalid chain spec: %s", strings.Join(details, "; "))
	}

	fields := gjson.GetMany(raw, "name", "id", "relay_chain")
	return Spec{
		Name:       name,
		ChainName:  fields[0].String(),
		ChainID:    fields[1].String(),
		RelayChain: fields[2].String(),
		Raw:        raw,
		LoadedAt:   time.Now(),
	}, nil
}

// Remove drops the spec loaded from path, if any.
func (s *Store) Remove(path string) bool {
	name := nameOf(path)

	s.mu.Lock()
	_, ok := s.specs[name]
	delete(s.specs, name)
	count := len(s.specs)
	s.mu.Unlock()

	if ok {
		observability.SetChainSpecsLoaded(count)
		s.logger.Info().Str("chain", name).Msg("Chain spec removed")
	}
	return ok
}

// Get returns the spec called name.
func (s *Store) Get(name string) (Spec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[name]
	return spec, ok
}

// Lookup returns the raw spec text for name.
func (s *Store) Lookup(name string) (string, error) {
	spec, ok := s.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return spec.Raw, nil
}

// Names returns the loaded chain names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.specs))
	for name := range s.specs {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Len returns the number of loaded specs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.specs)
}

func isSpecFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func nameOf(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
