// Package script models the funnel script graph: nodes with an outbound
// message and choices, grouped into named stages. Scripts are immutable per
// version; loaders validate the graph once and the rest of the engine treats
// it as read-only.
package script

import (
	"encoding/json"
	"fmt"
	"os"
)

// Choice is one answer a user may pick at a node. A nil NextNodeID marks the
// choice as terminal.
type Choice struct {
	Label      string  `json:"label"`
	NextNodeID *string `json:"next_node_id"`
}

// Node is one script position.
type Node struct {
	ID      string   `json:"id"`
	Message string   `json:"message"`
	Choices []Choice `json:"choices"`
}

// Stage groups nodes under a name ("welcome", "qualification", ...). Stages
// feed phase classification only, never validation.
type Stage struct {
	Name    string   `json:"name"`
	NodeIDs []string `json:"node_ids"`
}

// Script is a directed graph of nodes, entered at EntryNodeID.
type Script struct {
	ID          string  `json:"id"`
	Version     int     `json:"version"`
	Name        string  `json:"name"`
	EntryNodeID string  `json:"entry_node_id"`
	Nodes       []Node  `json:"nodes"`
	Stages      []Stage `json:"stages"`

	byID map[string]*Node
}

// Load reads and validates a script from a JSON file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a script from JSON bytes.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode script: %w", err)
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) init() error {
	s.byID = make(map[string]*Node, len(s.Nodes))
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("script %s: node %d has no id", s.ID, i)
		}
		if _, dup := s.byID[n.ID]; dup {
			return fmt.Errorf("script %s: duplicate node id %q", s.ID, n.ID)
		}
		s.byID[n.ID] = n
	}
	if _, ok := s.byID[s.EntryNodeID]; !ok {
		return fmt.Errorf("script %s: entry node %q not found", s.ID, s.EntryNodeID)
	}
	for _, n := range s.Nodes {
		for _, c := range n.Choices {
			if c.NextNodeID == nil {
				continue
			}
			if _, ok := s.byID[*c.NextNodeID]; !ok {
				return fmt.Errorf("script %s: node %q choice %q references missing node %q",
					s.ID, n.ID, c.Label, *c.NextNodeID)
			}
		}
	}
	for _, st := range s.Stages {
		for _, id := range st.NodeIDs {
			if _, ok := s.byID[id]; !ok {
				return fmt.Errorf("script %s: stage %q references missing node %q", s.ID, st.Name, id)
			}
		}
	}
	return nil
}

// Node returns the node with the given id, or nil if the script has none.
func (s *Script) Node(id string) *Node {
	if s.byID == nil {
		s.byID = make(map[string]*Node, len(s.Nodes))
		for i := range s.Nodes {
			s.byID[s.Nodes[i].ID] = &s.Nodes[i]
		}
	}
	return s.byID[id]
}

// Entry returns the script's entry node.
func (s *Script) Entry() *Node {
	return s.Node(s.EntryNodeID)
}

// TerminalNode reports whether the node is an end of the script: it does not
// exist, or it has no outbound choices.
func (s *Script) TerminalNode(id string) bool {
	n := s.Node(id)
	return n == nil || len(n.Choices) == 0
}
