// Package lifecycle encodes the order status/assignment state machine and
// the coupling between the two: an unassigned order belongs to the feed,
// and assigning a worker pulls it out of the feed into work.
package lifecycle

import (
	"fmt"
	"strings"

	"github.com/fieldserv/api/internal/enum"
)

// allowedTransitions defines valid status transitions.
// Key is current status, value is the set of statuses it can transition to.
// Any non-terminal status can fall back to the feed when the assignee is cleared.
var allowedTransitions = map[string][]string{
	enum.StatusNew:        {enum.StatusInProgress, enum.StatusInFeed},
	enum.StatusInFeed:     {enum.StatusInProgress},
	enum.StatusInProgress: {enum.StatusCompleted, enum.StatusInFeed},
}

// CanTransition checks whether moving from current to next is allowed.
// Completed is terminal. A no-op transition is always allowed.
func CanTransition(current, next string) bool {
	if current == next {
		return true
	}
	for _, s := range allowedTransitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

// Resolve computes the effective status of a record after a mutation,
// enforcing the assignee/status coupling regardless of what was requested:
//
//   - no assignee means В ленте, always
//   - an assigned order is never В ленте; leaving the feed lands В работе
//
// requested may be empty, meaning "keep the current status". Legacy records
// that already violate the coupling are corrected rather than rejected.
func Resolve(current, requested string, hasAssignee bool) string {
	status := requested
	if status == "" {
		status = current
	}

	if !hasAssignee {
		if status == enum.StatusCompleted {
			// Completed orders keep their terminal status even when the
			// assignee reference is gone.
			return enum.StatusCompleted
		}
		return enum.StatusInFeed
	}

	if status == enum.StatusInFeed {
		return enum.StatusInProgress
	}
	return status
}

// MissingCategoriesError reports which attachment categories block a
// finish action.
type MissingCategoriesError struct {
	Missing []string
}

func (e *MissingCategoriesError) Error() string {
	return fmt.Sprintf("attachments missing for: %s", strings.Join(e.Missing, ", "))
}

// CheckFinish verifies the finish guard: every attachment category must
// hold at least one file.
func CheckFinish(attachments map[string][]string) error {
	var missing []string
	for _, category := range enum.Categories {
		if len(attachments[category]) == 0 {
			missing = append(missing, category)
		}
	}
	if len(missing) > 0 {
		return &MissingCategoriesError{Missing: missing}
	}
	return nil
}
