// Package navigator steps through an ordered event sequence.
package navigator

import (
	"fmt"
	"strings"

	"github.com/somnolab/psg-viewer/internal/models"
	"github.com/somnolab/psg-viewer/internal/utils"
)

// Command names a navigation transition.
type Command string

const (
	CommandFirst Command = "first"
	CommandPrev  Command = "prev"
	CommandNext  Command = "next"
	CommandLast  Command = "last"
)

// ParseCommand maps user input onto a Command.
func ParseCommand(s string) (Command, error) {
	switch cmd := Command(strings.ToLower(strings.TrimSpace(s))); cmd {
	case CommandFirst, CommandPrev, CommandNext, CommandLast:
		return cmd, nil
	case "previous":
		return CommandPrev, nil
	default:
		return "", utils.ValidationError("navigate", fmt.Sprintf("unknown command %q", s))
	}
}

// Navigator is a saturating cursor. It is not safe for concurrent use; the
// orchestrator serialises access.
type Navigator struct {
	events []models.AHIEvent
	cursor int
}

// New returns a Navigator positioned at the first event, or empty.
func New(events []models.AHIEvent) *Navigator {
	n := &Navigator{}
	n.Reset(events)
	return n
}

// Reset replaces the event list and rewinds the cursor.
func (n *Navigator) Reset(events []models.AHIEvent) {
	n.events = events
	n.cursor = 0
}

// Apply performs cmd. Transitions clamp at the boundaries and never fail.
func (n *Navigator) Apply(cmd Command) {
	switch cmd {
	case CommandFirst:
		n.First()
	case CommandPrev:
		n.Prev()
	case CommandNext:
		n.Next()
	case CommandLast:
		n.Last()
	}
}

func (n *Navigator) First() { n.Seek(0) }

func (n *Navigator) Last() { n.Seek(len(n.events) - 1) }

func (n *Navigator) Next() { n.Seek(n.cursor + 1) }

func (n *Navigator) Prev() { n.Seek(n.cursor - 1) }

// Seek moves to index i, clamped into range.
func (n *Navigator) Seek(i int) {
	if len(n.events) == 0 {
		n.cursor = 0
		return
	}
	n.cursor = min(max(i, 0), len(n.events)-1)
}

// Current returns the selected event; ok is false when the sequence is empty.
func (n *Navigator) Current() (models.AHIEvent, bool) {
	if len(n.events) == 0 {
		return models.AHIEvent{}, false
	}
	return n.events[n.cursor], true
}

// Index returns the cursor, or -1 when empty.
func (n *Navigator) Index() int {
	if len(n.events) == 0 {
		return -1
	}
	return n.cursor
}

func (n *Navigator) Len() int { return len(n.events) }

func (n *Navigator) Empty() bool { return len(n.events) == 0 }

// IsFirst reports whether backwards movement is exhausted. True when empty.
func (n *Navigator) IsFirst() bool { return n.cursor == 0 }

// IsLast reports whether forwards movement is exhausted. True when empty.
func (n *Navigator) IsLast() bool { return len(n.events) == 0 || n.cursor == len(n.events)-1 }
