package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/fpt/klein-relay/pkg/agent"
)

// PluginSpec is one plugin entry of the relay configuration.
type PluginSpec struct {
	Type     string    `yaml:"type"`
	Name     string    `yaml:"name,omitempty"`
	Channels []string  `yaml:"channels,omitempty"`
	Daemon   *bool     `yaml:"daemon,omitempty"`
	Config   yaml.Node `yaml:"config,omitempty"`
}

// InstanceName is the configured name, or the type when none is set.
func (s PluginSpec) InstanceName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type
}

// Factory builds a plugin from its setup and raw configuration.
type Factory func(s Setup, cfg *yaml.Node) (Plugin, error)

type registration struct {
	description string
	configType  reflect.Type
	build       Factory
}

// Registry maps plugin type keys to factories.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a plugin type whose configuration decodes into C. It
// panics if name is empty, fn is nil, or name is already registered.
//
// Before decoding, C's Defaults method runs if *C has one. After decoding,
// Validate runs if *C has one; its error becomes a ConfigurationError.
func Register[C any](r *Registry, name, description string, fn func(s Setup, cfg C) (Plugin, error)) {
	if name == "" {
		panic("relay: Register with empty plugin type")
	}
	if fn == nil {
		panic("relay: Register " + name + " with nil constructor")
	}

	build := func(s Setup, node *yaml.Node) (Plugin, error) {
		var cfg C
		if d, ok := any(&cfg).(interface{ Defaults() }); ok {
			d.Defaults()
		}
		if err := decodeStrict(node, &cfg); err != nil {
			return nil, &ConfigurationError{Plugin: s.Name, Err: err}
		}
		if v, ok := any(&cfg).(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return nil, asConfigError(s.Name, err)
			}
		}
		return fn(s, cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[name]; dup {
		panic("relay: Register called twice for plugin type " + name)
	}
	r.entries[name] = registration{
		description: description,
		configType:  reflect.TypeOf((*C)(nil)).Elem(),
		build:       build,
	}
}

// decodeStrict decodes node into out, rejecting unknown keys.
func decodeStrict(node *yaml.Node, out any) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func asConfigError(plugin string, err error) error {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		if ce.Plugin == "" {
			ce.Plugin = plugin
		}
		return ce
	}
	return &ConfigurationError{Plugin: plugin, Err: err}
}

// Types lists the registered plugin types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Description returns the one-line description of a plugin type.
func (r *Registry) Description(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name].description
}

// Build constructs and subscribes the plugin described by spec. Every
// failure is a *ConfigurationError.
func (r *Registry) Build(parent Parent, spec PluginSpec) (Plugin, error) {
	r.mu.RLock()
	entry, ok := r.entries[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Plugin: spec.InstanceName(), Field: "type", Err: fmt.Errorf("%w: %q", ErrUnknownPlugin, spec.Type)}
	}

	s := Setup{Parent: parent, Name: spec.InstanceName()}
	if spec.Daemon != nil {
		s.Options = append(s.Options, agent.WithDaemon(*spec.Daemon))
	}

	p, err := entry.build(s, &spec.Config)
	if err != nil {
		return nil, asConfigError(s.Name, err)
	}
	for _, ch := range spec.Channels {
		p.Subscribe(ch)
	}
	return p, nil
}

// Schema returns the JSON schema of a plugin type's configuration.
func (r *Registry) Schema(name string) (json.RawMessage, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}

	reflector := &jsonschema.Reflector{
		FieldNameTag:   "yaml",
		DoNotReference: true,
	}
	schema := reflector.ReflectFromType(entry.configType)
	schema.Title = name
	schema.Description = entry.description

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for %s: %w", name, err)
	}
	return data, nil
}
