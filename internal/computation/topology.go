package computation

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/stream-node/internal/errors"
)

var portPattern = regexp.MustCompile(`^([io])([1-9][0-9]*)$`)

type node struct {
	meta     Metadata
	supplier Supplier
	// inputs and outputs are indexed by port number minus one, "" when unmapped
	inputs  []string
	outputs []string
}

type streamEdges struct {
	producers []string
	consumers []string
}

// Topology is an immutable graph of computations linked by streams.
// Cycles are allowed, nodes are looked up by name.
type Topology struct {
	order   []string
	nodes   map[string]*node
	streams map[string]*streamEdges
}

// TopologyBuilder collects computations, the first error is returned by Build
type TopologyBuilder struct {
	topology *Topology
	err      error
}

// NewTopologyBuilder returns an empty builder
func NewTopologyBuilder() *TopologyBuilder {
	return &TopologyBuilder{topology: &Topology{
		nodes:   make(map[string]*node),
		streams: make(map[string]*streamEdges),
	}}
}

// AddComputation adds the computation created by supplier with its port mappings,
// like "i1:input" or "o1:output"
func (b *TopologyBuilder) AddComputation(supplier Supplier, mappings []string) *TopologyBuilder {
	if b.err != nil {
		return b
	}
	if supplier == nil {
		b.err = errors.InvalidTopology("nil computation supplier")
		return b
	}
	meta := supplier().Metadata()
	if meta.Name == "" {
		b.err = errors.InvalidTopology("computation without name")
		return b
	}
	if _, ok := b.topology.nodes[meta.Name]; ok {
		b.err = errors.InvalidTopology("duplicate computation: " + meta.Name)
		return b
	}

	n := &node{
		meta:     meta,
		supplier: supplier,
		inputs:   make([]string, meta.Inputs),
		outputs:  make([]string, meta.Outputs),
	}
	for _, mapping := range mappings {
		if err := n.bind(mapping); err != nil {
			b.err = err
			return b
		}
	}

	t := b.topology
	t.order = append(t.order, meta.Name)
	t.nodes[meta.Name] = n
	for _, s := range n.inputs {
		if s != "" {
			t.edges(s).consumers = appendUnique(t.edges(s).consumers, meta.Name)
		}
	}
	for _, s := range n.outputs {
		if s != "" {
			t.edges(s).producers = appendUnique(t.edges(s).producers, meta.Name)
		}
	}
	return b
}

// Build returns the topology
func (b *TopologyBuilder) Build() (*Topology, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.topology, nil
}

func (n *node) bind(mapping string) error {
	port, stream, ok := strings.Cut(mapping, ":")
	port, stream = strings.TrimSpace(port), strings.TrimSpace(stream)
	if !ok || stream == "" {
		return errors.InvalidTopology(fmt.Sprintf("malformed mapping %q for %s", mapping, n.meta.Name))
	}
	m := portPattern.FindStringSubmatch(port)
	if m == nil {
		return errors.InvalidTopology(fmt.Sprintf("invalid port %q for %s", port, n.meta.Name))
	}
	index, _ := strconv.Atoi(m[2])
	ports := n.inputs
	if m[1] == "o" {
		ports = n.outputs
	}
	if index > len(ports) {
		return errors.InvalidTopology(fmt.Sprintf("unknown port %s for %s", port, n.meta.Name))
	}
	if ports[index-1] != "" {
		return errors.InvalidTopology(fmt.Sprintf("port %s of %s mapped twice", port, n.meta.Name))
	}
	ports[index-1] = stream
	return nil
}

func (t *Topology) edges(stream string) *streamEdges {
	e, ok := t.streams[stream]
	if !ok {
		e = &streamEdges{}
		t.streams[stream] = e
	}
	return e
}

func appendUnique(list []string, name string) []string {
	for _, n := range list {
		if n == name {
			return list
		}
	}
	return append(list, name)
}

// Validate checks that every port is mapped to a stream
func (t *Topology) Validate() error {
	if len(t.order) == 0 {
		return errors.InvalidTopology("empty topology")
	}
	for _, name := range t.order {
		n := t.nodes[name]
		for i, s := range n.inputs {
			if s == "" {
				return errors.InvalidTopology(fmt.Sprintf("port %s of %s is not mapped", InputPort(i+1), name))
			}
		}
		for i, s := range n.outputs {
			if s == "" {
				return errors.InvalidTopology(fmt.Sprintf("port %s of %s is not mapped", OutputPort(i+1), name))
			}
		}
	}
	return nil
}

// Computations returns the computation names in insertion order
func (t *Topology) Computations() []string {
	return append([]string(nil), t.order...)
}

// Metadata returns the metadata of a computation
func (t *Topology) Metadata(name string) (Metadata, bool) {
	n, ok := t.nodes[name]
	if !ok {
		return Metadata{}, false
	}
	return n.meta, true
}

// Supplier returns the supplier of a computation, nil when unknown
func (t *Topology) Supplier(name string) Supplier {
	if n, ok := t.nodes[name]; ok {
		return n.supplier
	}
	return nil
}

// InputStreams returns the streams mapped to the input ports of a computation
func (t *Topology) InputStreams(name string) []string {
	if n, ok := t.nodes[name]; ok {
		return uniqueNonEmpty(n.inputs)
	}
	return nil
}

// OutputStreams returns the streams mapped to the output ports of a computation
func (t *Topology) OutputStreams(name string) []string {
	if n, ok := t.nodes[name]; ok {
		return uniqueNonEmpty(n.outputs)
	}
	return nil
}

// Outputs returns the routing of a computation outputs, keyed by port and by stream name
func (t *Topology) Outputs(name string) map[string]string {
	ret := make(map[string]string)
	if n, ok := t.nodes[name]; ok {
		for i, s := range n.outputs {
			if s != "" {
				ret[OutputPort(i+1)] = s
				ret[s] = s
			}
		}
	}
	return ret
}

func uniqueNonEmpty(list []string) []string {
	var ret []string
	for _, s := range list {
		if s != "" {
			ret = appendUnique(ret, s)
		}
	}
	return ret
}

// Streams returns every stream of the topology, sorted
func (t *Topology) Streams() []string {
	ret := make([]string, 0, len(t.streams))
	for s := range t.streams {
		ret = append(ret, s)
	}
	sort.Strings(ret)
	return ret
}

// Producers returns the computations writing to a stream
func (t *Topology) Producers(stream string) []string {
	if e, ok := t.streams[stream]; ok {
		return append([]string(nil), e.producers...)
	}
	return nil
}

// Consumers returns the computations reading a stream
func (t *Topology) Consumers(stream string) []string {
	if e, ok := t.streams[stream]; ok {
		return append([]string(nil), e.consumers...)
	}
	return nil
}

// SourceStreams returns the streams without producer, fed from outside the topology
func (t *Topology) SourceStreams() []string {
	var ret []string
	for _, s := range t.Streams() {
		if len(t.streams[s].producers) == 0 {
			ret = append(ret, s)
		}
	}
	return ret
}

// Sinks returns the computations whose outputs nobody consumes.
// A topology made only of cycles has no sink, every computation is returned then.
func (t *Topology) Sinks() []string {
	var ret []string
	for _, name := range t.order {
		sink := true
		for _, s := range t.OutputStreams(name) {
			if len(t.streams[s].consumers) > 0 {
				sink = false
				break
			}
		}
		if sink {
			ret = append(ret, name)
		}
	}
	if len(ret) == 0 {
		return t.Computations()
	}
	return ret
}

// Mermaid renders the topology as a mermaid flowchart
func (t *Topology) Mermaid() string {
	var sb strings.Builder
	sb.WriteString("flowchart LR\n")
	for _, name := range t.order {
		fmt.Fprintf(&sb, "  %s[%s]\n", name, name)
	}
	for _, s := range t.Streams() {
		fmt.Fprintf(&sb, "  %s((%s))\n", "s_"+s, s)
		for _, p := range t.streams[s].producers {
			fmt.Fprintf(&sb, "  %s --> %s\n", p, "s_"+s)
		}
		for _, c := range t.streams[s].consumers {
			fmt.Fprintf(&sb, "  %s --> %s\n", "s_"+s, c)
		}
	}
	return sb.String()
}
