package model

import (
	"fmt"
	"strings"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight orders priorities: high=1 < normal=2 < low=3. Unknown values sort as normal.
func (p Priority) Weight() int64 {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ParsePriority accepts "", low, normal, high (case-insensitive). Empty means normal.
func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityLow:
		return PriorityLow, nil
	default:
		return "", Validation(fmt.Sprintf("unknown priority %q", raw))
	}
}
