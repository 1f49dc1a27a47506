package parts

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Requirement is the number of a part a complete board must show.
type Requirement struct {
	Part  Part
	Count int
}

// Requirements is the required-parts table. Order is significant: missing
// parts are reported in table order.
type Requirements []Requirement

// DefaultRequirements returns the table for the reference board.
func DefaultRequirements() Requirements {
	return Requirements{
		{Part: RaspberryPico, Count: 1},
		{Part: Hole, Count: 4},
		{Part: Bootsel, Count: 1},
		{Part: Oscillator, Count: 1},
		{Part: USB, Count: 1},
		{Part: Chipset, Count: 1},
	}
}

// Count returns the required count for p, or 0.
func (r Requirements) Count(p Part) int {
	for _, req := range r {
		if req.Part == p {
			return req.Count
		}
	}
	return 0
}

// Validate rejects duplicates, negative counts and the Unknown bucket.
func (r Requirements) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("parts: required table is empty")
	}
	seen := make(map[Part]bool, len(r))
	for _, req := range r {
		switch {
		case req.Part == "":
			return fmt.Errorf("parts: required table has an empty part name")
		case req.Part == Unknown:
			return fmt.Errorf("parts: %q cannot be required", Unknown)
		case req.Count < 0:
			return fmt.Errorf("parts: %s has negative count %d", req.Part, req.Count)
		case seen[req.Part]:
			return fmt.Errorf("parts: %s listed twice", req.Part)
		}
		seen[req.Part] = true
	}
	return nil
}

// ParseRequirements decodes an ordered mapping of part name to count,
// keeping the document order.
func ParseRequirements(node *yaml.Node) (Requirements, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parts: line %d: required parts must be a mapping", node.Line)
	}

	out := make(Requirements, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		n, err := strconv.Atoi(val.Value)
		if err != nil || val.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("parts: line %d: count for %q must be an integer", val.Line, key.Value)
		}
		out = append(out, Requirement{Part: Part(key.Value), Count: n})
	}
	return out, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *Requirements) UnmarshalYAML(node *yaml.Node) error {
	out, err := ParseRequirements(node)
	if err != nil {
		return err
	}
	*r = out
	return nil
}

// MarshalYAML encodes the table as an ordered mapping.
func (r Requirements) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, req := range r {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: string(req.Part)},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(req.Count)},
		)
	}
	return node, nil
}
