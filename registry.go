package blockcrypt

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry maps module ids to encryption modules. It replaces a process-wide
// manager: every FS is handed its registry explicitly.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	modules   map[string]Module
	defaultID string
	log       logrus.FieldLogger
}

// NewRegistry creates an empty registry. A nil logger uses the logrus
// standard logger.
func NewRegistry(log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		modules: make(map[string]Module),
		log:     log,
	}
}

// Register adds a module. The first module registered becomes the default.
// Registering an id twice replaces the earlier module; the replacement is
// logged.
func (r *Registry) Register(m Module) error {
	if m == nil {
		return NewValidationError("module", nil, "module cannot be nil")
	}
	id := m.ID()
	if id == "" {
		return NewValidationError("module_id", id, "module id cannot be empty")
	}
	if err := validateHeaderToken("value", id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.modules[id]; ok {
		r.log.WithFields(logrus.Fields{
			"module":   id,
			"previous": old.DisplayName(),
			"current":  m.DisplayName(),
		}).Warn("replacing registered encryption module")
	}
	r.modules[id] = m
	if r.defaultID == "" {
		r.defaultID = id
	}
	return nil
}

// Unregister removes m if it is the module registered under its id
func (r *Registry) Unregister(m Module) {
	if m == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.modules[m.ID()]; ok && cur == m {
		r.remove(m.ID())
	}
}

// UnregisterID removes the module registered under id
func (r *Registry) UnregisterID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(id)
}

func (r *Registry) remove(id string) {
	delete(r.modules, id)
	if r.defaultID == id {
		r.defaultID = ""
	}
}

// SetDefault selects the module used for new files
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[id]; !ok {
		return &UnknownModuleError{ModuleID: id}
	}
	r.defaultID = id
	return nil
}

// DefaultID returns the id of the default module, or "" when none is set
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// IsEnabled reports whether any module is registered
func (r *Registry) IsEnabled() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules) > 0
}

// Module returns the module registered under id. An empty id returns the
// default module.
func (r *Registry) Module(id string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		if r.defaultID == "" {
			return nil, ErrNoDefaultModule
		}
		id = r.defaultID
	}
	m, ok := r.modules[id]
	if !ok {
		return nil, &UnknownModuleError{ModuleID: id}
	}
	return m, nil
}

// Modules returns all registered modules sorted by id
func (r *Registry) Modules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Resolve picks the module for a file. A nil header selects the default
// module; a header naming an unregistered module fails with
// UnknownModuleError and never falls back to another module.
func (r *Registry) Resolve(h *Header) (Module, error) {
	if h == nil {
		return r.Module("")
	}
	if h.ModuleID == "" {
		return nil, &UnknownModuleError{ModuleID: h.ModuleID}
	}
	return r.Module(h.ModuleID)
}
