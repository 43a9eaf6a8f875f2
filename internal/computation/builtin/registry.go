package builtin

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/stream-node/internal/computation"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/mitchellh/mapstructure"
)

// Factory creates the supplier of a computation from its configured parameters
type Factory func(name string, inputs, outputs int, params map[string]any) (computation.Supplier, error)

// Definition describes a computation of a configured topology
type Definition struct {
	Name     string
	Type     string
	Mappings []string
	Params   map[string]any
}

// Registry maps computation types to factories
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding the builtin computations
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("generator", func(name string, _, _ int, params map[string]any) (computation.Supplier, error) {
		var cfg GeneratorConfig
		if err := decode(params, &cfg); err != nil {
			return nil, err
		}
		return NewGenerator(name, cfg), nil
	})
	r.Register("forward", func(name string, inputs, outputs int, params map[string]any) (computation.Supplier, error) {
		var cfg ForwardConfig
		if err := decode(params, &cfg); err != nil {
			return nil, err
		}
		return NewSlowForward(name, inputs, outputs, cfg.Delay), nil
	})
	r.Register("counter", func(name string, _, _ int, params map[string]any) (computation.Supplier, error) {
		var cfg CounterConfig
		if err := decode(params, &cfg); err != nil {
			return nil, err
		}
		return NewCounter(name, cfg.Interval), nil
	})
	r.Register("sink", func(name string, inputs, _ int, _ map[string]any) (computation.Supplier, error) {
		return NewSink(name, inputs, nil), nil
	})
	return r
}

// Register adds or replaces the factory of a type
func (r *Registry) Register(kind string, factory Factory) {
	r.factories[kind] = factory
}

// Kinds returns the registered types, sorted
func (r *Registry) Kinds() []string {
	ret := make([]string, 0, len(r.factories))
	for k := range r.factories {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// Build creates a topology from computation definitions
func (r *Registry) Build(defs []Definition) (*computation.Topology, error) {
	builder := computation.NewTopologyBuilder()
	for _, def := range defs {
		factory, ok := r.factories[def.Type]
		if !ok {
			return nil, errors.InvalidTopology(fmt.Sprintf("unknown computation type %q for %s", def.Type, def.Name))
		}
		inputs, outputs := countPorts(def.Mappings)
		supplier, err := factory(def.Name, inputs, outputs, def.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to create computation %s: %w", def.Name, err)
		}
		builder.AddComputation(supplier, def.Mappings)
	}
	return builder.Build()
}

// countPorts returns the highest input and output port numbers of mappings like "i2:stream"
func countPorts(mappings []string) (inputs, outputs int) {
	for _, mapping := range mappings {
		port, _, _ := strings.Cut(mapping, ":")
		port = strings.TrimSpace(port)
		if len(port) < 2 {
			continue
		}
		n, err := strconv.Atoi(port[1:])
		if err != nil {
			continue
		}
		switch port[0] {
		case 'i':
			inputs = max(inputs, n)
		case 'o':
			outputs = max(outputs, n)
		}
	}
	return inputs, outputs
}

func decode(params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(params); err != nil {
		return errors.InvalidArgument("invalid computation parameters", err)
	}
	return nil
}
