// Package config decodes and validates the declarative topology
// document of spec.md §6: each node declares its own id, kind, and the
// neighbors it connects to, plus any kind-specific options (a drone's
// packet drop rate).
//
// Grounded on whitaker-io/machine's loader package: a yaml.v3 decode
// into a generic document shape whose per-vertex Options bag is then
// mapstructure.Decode'd into a concrete, kind-specific struct — the
// same two-stage pattern used here for DroneOptions.
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/dronemesh/fabric/netid"
)

// NodeDoc is one node's declaration in the topology document. Each
// side of a link declares it independently ("endpoints declare which
// drones they connect to"); FromDocument rejects any declaration that
// is not reciprocated.
type NodeDoc struct {
	ID        netid.ID               `yaml:"id"`
	Kind      string                 `yaml:"kind"`
	Neighbors []netid.ID             `yaml:"neighbors,omitempty"`
	Options   map[string]interface{} `yaml:"options,omitempty"`
}

// Document is the raw decoded shape of a topology file, before
// per-kind option normalization or validation.
type Document struct {
	Nodes []NodeDoc `yaml:"nodes"`
}

// DroneOptions is a drone node's kind-specific option block.
type DroneOptions struct {
	PDR float64 `mapstructure:"pdr"`
}

// Node is a fully decoded, kind-typed node: netid.Kind, its declared
// neighbor ids, and the parsed option block, matching the loadable
// StreamSerialization/Options split in the teacher pack's loader.
type Node struct {
	ID        netid.ID
	Kind      netid.Kind
	Neighbors []netid.ID
	Options   DroneOptions // zero value for Client/Server
}

// Edge is a validated, symmetric undirected adjacency between two
// node ids, canonicalized so A < B.
type Edge struct {
	A, B netid.ID
}

// Topology is the decoded, normalized, and validated document.
type Topology struct {
	Nodes []Node
	Edges []Edge
}

// Parse decodes a yaml document into a Topology, normalizing per-kind
// options and validating it against spec.md §6's rules.
func Parse(data []byte) (*Topology, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: decode topology yaml: %w", err)
	}
	return FromDocument(&doc)
}

// FromDocument normalizes and validates an already-decoded Document.
func FromDocument(doc *Document) (*Topology, error) {
	top := &Topology{
		Nodes: make([]Node, 0, len(doc.Nodes)),
	}

	for _, nd := range doc.Nodes {
		kind, err := parseKind(nd.Kind)
		if err != nil {
			return nil, fmt.Errorf("config: node %d: %w", nd.ID, err)
		}
		node := Node{ID: nd.ID, Kind: kind, Neighbors: append([]netid.ID(nil), nd.Neighbors...)}
		if kind == netid.Drone {
			var opts DroneOptions
			if nd.Options != nil {
				if err := mapstructure.Decode(nd.Options, &opts); err != nil {
					return nil, fmt.Errorf("config: node %d: decode drone options: %w", nd.ID, err)
				}
			}
			node.Options = opts
		}
		top.Nodes = append(top.Nodes, node)
	}

	edges, err := buildEdges(top.Nodes)
	if err != nil {
		return nil, err
	}
	top.Edges = edges

	if err := Validate(top); err != nil {
		return nil, err
	}
	return top, nil
}

func parseKind(s string) (netid.Kind, error) {
	switch s {
	case "drone":
		return netid.Drone, nil
	case "client":
		return netid.Client, nil
	case "server":
		return netid.Server, nil
	default:
		return 0, fmt.Errorf("unknown node kind %q", s)
	}
}
