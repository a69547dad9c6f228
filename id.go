package sidekick

import (
	"errors"
	"fmt"
	"strings"
)

// CheckID validates a proposal or space id before it becomes part of an
// artifact filename. Ids must be a single path segment.
func CheckID(id string) error {
	switch {
	case id == "":
		return Wrap(ReasonInvalidRequest, errors.New("empty id"))
	case strings.ContainsAny(id, "/\\\x00"), strings.Contains(id, ".."):
		return Wrap(ReasonInvalidRequest, fmt.Errorf("invalid id %q", id))
	}
	return nil
}
