package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Payload is the unit of data moving between nodes. Parsers produce one,
// transforms reshape it, connectors send it.
type Payload = map[string]interface{}

// NodeType identifies a node executor. The set is closed; flows referencing
// an unknown type are rejected at save time.
type NodeType string

const (
	// Triggers
	NodeWebhook    NodeType = "webhook"
	NodeScheduler  NodeType = "scheduler"
	NodeManual     NodeType = "manual"
	NodeSFTPPoller NodeType = "sftp-poller"
	NodeBlobPoller NodeType = "blob-poller"
	NodeInterface  NodeType = "interface"

	// Parse and transform
	NodeJSONParser   NodeType = "json-parser"
	NodeCSVParser    NodeType = "csv-parser"
	NodeXMLParser    NodeType = "xml-parser"
	NodeObjectMapper NodeType = "object-mapper"
	NodeValidator    NodeType = "validator"

	// Control flow
	NodeConditional NodeType = "conditional"
	NodeJoin        NodeType = "join"
	NodeParallel    NodeType = "parallel"

	// Connectors
	NodeHTTPSource      NodeType = "http-source"
	NodeHTTPDestination NodeType = "http-destination"
	NodeDBConnector     NodeType = "db-connector"
	NodeSFTPConnector   NodeType = "sftp-connector"
	NodeBlobConnector   NodeType = "blob-connector"
	NodeQueueProducer   NodeType = "queue-producer"

	// Emitters
	NodeEgress NodeType = "egress"
)

// IsTrigger reports whether the node type can start a run.
func (t NodeType) IsTrigger() bool {
	switch t {
	case NodeWebhook, NodeScheduler, NodeManual, NodeSFTPPoller, NodeBlobPoller, NodeInterface:
		return true
	}
	return false
}

// KnownNodeTypes is the closed executor set, used by flow validation.
var KnownNodeTypes = map[NodeType]bool{
	NodeWebhook: true, NodeScheduler: true, NodeManual: true,
	NodeSFTPPoller: true, NodeBlobPoller: true, NodeInterface: true,
	NodeJSONParser: true, NodeCSVParser: true, NodeXMLParser: true,
	NodeObjectMapper: true, NodeValidator: true,
	NodeConditional: true, NodeJoin: true, NodeParallel: true,
	NodeHTTPSource: true, NodeHTTPDestination: true, NodeDBConnector: true,
	NodeSFTPConnector: true, NodeBlobConnector: true, NodeQueueProducer: true,
	NodeEgress: true,
}

// Node is one vertex of a flow graph.
type Node struct {
	ID       string                 `json:"id"`
	Type     NodeType               `json:"type"`
	Name     string                 `json:"name,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty"`
	Retries  *int                   `json:"retries,omitempty"` // nil means engine default
	Disabled bool                   `json:"disabled,omitempty"`
}

// ConfigString returns a string config value, "" when absent.
func (n Node) ConfigString(key string) string {
	v, ok := n.Config[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// ConfigInt returns an int config value, def when absent or unparseable.
// JSON decoding hands numbers over as float64.
func (n Node) ConfigInt(key string, def int) int {
	v, ok := n.Config[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if parsed, err := strconv.Atoi(t); err == nil {
			return parsed
		}
	}
	return def
}

// ConfigBool returns a bool config value, def when absent. String forms
// "true"/"false" are accepted since YAML imports may carry them.
func (n Node) ConfigBool(key string, def bool) bool {
	v, ok := n.Config[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if parsed, err := strconv.ParseBool(t); err == nil {
			return parsed
		}
	}
	return def
}

// ConfigHas reports whether the key is set at all.
func (n Node) ConfigHas(key string) bool {
	_, ok := n.Config[key]
	return ok
}

// Edge is a directed connection between two nodes. Label steers routing out
// of conditional nodes ("Success"/"Failure"/custom) and identifies join
// streams ("A"/"B"). Unlabeled edges are unconditional.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// FailureLabel marks the edge taken when a node exhausts its retry budget.
const FailureLabel = "failure"

// IsFailure reports whether the edge routes failures.
func (e Edge) IsFailure() bool {
	return strings.EqualFold(e.Label, FailureLabel)
}

// Flow is a stored workflow definition. Nodes and Edges form a DAG walked by
// the orchestrator; Slug addresses the flow's webhook trigger. Schemas holds
// named validation schemas that validator nodes reference by schemaRef.
type Flow struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	Slug          string                 `json:"slug,omitempty"`
	Nodes         []Node                 `json:"nodes"`
	Edges         []Edge                 `json:"edges"`
	Schemas       map[string]interface{} `json:"schemas,omitempty"`
	Enabled       bool                   `json:"enabled"`
	EmulationMode bool                   `json:"emulationMode,omitempty"`
	ActiveVersion string                 `json:"activeVersion,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// NodeByID looks a node up by id.
func (f *Flow) NodeByID(id string) (Node, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing returns edges leaving the given node, in definition order.
func (f *Flow) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range f.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns edges entering the given node, in definition order.
func (f *Flow) Incoming(nodeID string) []Edge {
	var in []Edge
	for _, e := range f.Edges {
		if e.To == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// TriggerNodes returns all enabled trigger nodes.
func (f *Flow) TriggerNodes() []Node {
	var out []Node
	for _, n := range f.Nodes {
		if n.Type.IsTrigger() && !n.Disabled {
			out = append(out, n)
		}
	}
	return out
}

// NodesOfType returns all nodes with the given type.
func (f *Flow) NodesOfType(t NodeType) []Node {
	var out []Node
	for _, n := range f.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// Validate checks structural integrity: ids unique and non-empty, types
// known, edges referencing existing nodes, at least one trigger, and no
// cycles. Executor-specific config checks happen at execution registry level.
func (f *Flow) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("flow name is required")
	}
	if len(f.Nodes) == 0 {
		return fmt.Errorf("flow has no nodes")
	}

	seen := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("node with empty id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		if !KnownNodeTypes[n.Type] {
			return fmt.Errorf("node %q has unknown type %q", n.ID, n.Type)
		}
	}

	for _, e := range f.Edges {
		if !seen[e.From] {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("node %q connects to itself", e.From)
		}
	}

	if len(f.TriggerNodes()) == 0 {
		hasTriggerType := false
		for _, n := range f.Nodes {
			if n.Type.IsTrigger() {
				hasTriggerType = true
				break
			}
		}
		if !hasTriggerType {
			return fmt.Errorf("flow has no trigger node")
		}
	}

	if err := f.checkAcyclic(); err != nil {
		return err
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the graph.
func (f *Flow) checkAcyclic() error {
	indegree := make(map[string]int, len(f.Nodes))
	adj := make(map[string][]string, len(f.Nodes))
	for _, n := range f.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range f.Edges {
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	queue := make([]string, 0, len(f.Nodes))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(f.Nodes) {
		return fmt.Errorf("flow graph contains a cycle")
	}
	return nil
}

// ReachableFrom returns the set of node ids reachable from start, start
// included. The orchestrator restricts a run to this set.
func (f *Flow) ReachableFrom(start string) map[string]bool {
	reach := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range f.Edges {
			if e.From == id && !reach[e.To] {
				reach[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return reach
}
