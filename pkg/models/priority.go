package models

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Priority orders ready tasks. Higher values dispatch first.
type Priority int

const (
	// PriorityLow is for background work.
	PriorityLow Priority = 0
	// PriorityNormal is the default priority.
	PriorityNormal Priority = 1
	// PriorityHigh is for work that should jump the queue.
	PriorityHigh Priority = 2
	// PriorityCritical is for work that must run before anything else.
	PriorityCritical Priority = 3
)

// String returns the level name, or the number for custom priorities.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParsePriority accepts a level name or an integer.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}

// UnmarshalYAML lets manifests write priorities as names or numbers.
func (p *Priority) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParsePriority(node.Value)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
