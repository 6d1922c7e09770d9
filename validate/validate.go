// Package validate checks request-level inputs before they reach the room
// registry: game keys, room identifiers, player colors, and variant
// definitions. Each check aggregates everything wrong with a value instead
// of stopping at the first fault, so a caller can report one actionable
// message.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/rulewire/rulewire/game/event"
)

// Errors aggregates every fault found in one value.
type Errors []string

func (e Errors) Error() string {
	return strings.Join(e, "; ")
}

// Err returns the aggregate as an error, or nil when nothing was recorded.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

func (e *Errors) add(format string, args ...interface{}) {
	*e = append(*e, fmt.Sprintf(format, args...))
}

// keyPattern constrains game keys to a shape every surface can round trip:
// lowercase snake_case starting with a letter.
var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const maxKeyLength = 64

// Key checks a game registry key.
func Key(key string) error {
	var errs Errors
	if key == "" {
		errs.add("game key is empty")
		return errs.Err()
	}
	if len(key) > maxKeyLength {
		errs.add("game key is longer than %d characters", maxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		errs.add("game key %q must be lowercase snake_case starting with a letter", key)
	}
	return errs.Err()
}

// RoomID checks a room identifier. Rooms are issued as UUIDs.
func RoomID(id string) error {
	var errs Errors
	if id == "" {
		errs.add("room id is empty")
		return errs.Err()
	}
	if _, err := uuid.Parse(id); err != nil {
		errs.add("room id %q is not a valid UUID", id)
	}
	return errs.Err()
}

// PlayerColor checks a participant color against the known candidates.
func PlayerColor(color string) error {
	var errs Errors
	if color == "" {
		errs.add("player color is empty")
		return errs.Err()
	}
	if _, err := event.ParsePlayerID(color); err != nil {
		candidates := event.Candidates()
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = string(c)
		}
		errs.add("unknown player color %q (valid: %s)", color, strings.Join(names, ", "))
	}
	return errs.Err()
}

// Range checks an inclusive draw interval.
func Range(min, max int32) error {
	var errs Errors
	if min > max {
		errs.add("range start %d is above end %d", min, max)
	}
	return errs.Err()
}

// Variant checks a variant definition's fields. The kind's meaning is up to
// the registering side; here only its presence is required.
func Variant(key, kind string, min, max int32) error {
	var errs Errors
	if err := Key(key); err != nil {
		errs = append(errs, err.(Errors)...)
	}
	if kind == "" {
		errs.add("variant kind is empty")
	}
	if err := Range(min, max); err != nil {
		errs = append(errs, err.(Errors)...)
	}
	return errs.Err()
}
