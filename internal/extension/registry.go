package extension

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Info describes a registered extension
type Info struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// Factory builds a process from the construction triple
type Factory func(processID int, job Job, config *Config, logger *slog.Logger) (Process, error)

type registration struct {
	info    Info
	factory Factory
}

// Registry maps extension uids to factories
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]registration),
		logger:  logger,
	}
}

// NewDefaultRegistry creates a registry holding the built-in extensions
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)

	r.MustRegister(Info{UID: DatasetToolsUID, Name: DatasetToolsName},
		func(processID int, job Job, config *Config, logger *slog.Logger) (Process, error) {
			return NewDatasetTools(processID, job, config, logger), nil
		})

	return r
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(info Info, factory Factory) {
	if err := r.Register(info, factory); err != nil {
		panic(err)
	}
}

// Register adds an extension. Registering a uid twice is an error.
func (r *Registry) Register(info Info, factory Factory) error {
	if info.UID == "" {
		return fmt.Errorf("extension uid is required")
	}
	if factory == nil {
		return fmt.Errorf("extension %q has no factory", info.UID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[info.UID]; exists {
		return fmt.Errorf("extension %q already registered", info.UID)
	}

	r.entries[info.UID] = registration{info: info, factory: factory}
	r.logger.Debug("Extension registered",
		slog.String("uid", info.UID),
		slog.String("name", info.Name),
	)

	return nil
}

// New instantiates the extension registered under uid
func (r *Registry) New(uid string, processID int, job Job, config *Config) (Process, error) {
	r.mu.RLock()
	entry, ok := r.entries[uid]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExtension, uid)
	}

	logger := r.logger.With(
		slog.String("extension", uid),
		slog.Int("process_id", processID),
	)

	return entry.factory(processID, job, config, logger)
}

// List returns registered extensions sorted by uid
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.entries))
	for _, entry := range r.entries {
		result = append(result, entry.info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })

	return result
}
