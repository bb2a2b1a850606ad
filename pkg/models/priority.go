package models

import (
	"strconv"
	"strings"
)

// PriorityHeader is the request header a producer uses to select a priority level.
const PriorityHeader = "X-Priority"

// Priority is a job service class. Lower values take precedence; level 0 is
// always served first when it has work.
type Priority int

const (
	PriorityMax Priority = iota
	PriorityHigh
	PriorityLow
)

// DefaultPriority is used when a request carries no usable priority header.
const DefaultPriority = PriorityHigh

func (p Priority) String() string {
	switch p {
	case PriorityMax:
		return "max"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "level" + strconv.Itoa(int(p))
	}
}

// ParsePriority reads a priority from a level name or an integer level.
// Unparsable values yield DefaultPriority and false. Integer levels are not
// range checked here; the queue corrects levels it does not have.
func ParsePriority(value string) (Priority, bool) {
	value = strings.ToLower(strings.TrimSpace(value))

	switch value {
	case "":
		return DefaultPriority, false
	case "max":
		return PriorityMax, true
	case "high":
		return PriorityHigh, true
	case "low":
		return PriorityLow, true
	}

	level, err := strconv.Atoi(value)
	if err != nil {
		return DefaultPriority, false
	}

	return Priority(level), true
}
