package engine

import (
	"fmt"

	"signoff/internal/domain"
)

// InvalidTransitionError indicates the requested action fails its guard
// given the document's current stage flags. No state is mutated.
type InvalidTransitionError struct {
	Action domain.Action
	Stage  int
	Flags  domain.StageFlags
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s(stage %d) with flags {lead:%t ba:%t directorate:%t}",
		e.Action, e.Stage, e.Flags.ProjectLead, e.Flags.BusinessAreaLead, e.Flags.Directorate)
}

// ConcurrentModificationError indicates another writer committed the
// document first; the caller must retry with fresh state.
type ConcurrentModificationError struct {
	PK      string
	Version int64
}

func (e ConcurrentModificationError) Error() string {
	return fmt.Sprintf("document %s was modified concurrently (version %d is stale)", e.PK, e.Version)
}

// ValidationError indicates a required field or precondition is missing
// on the document itself.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
