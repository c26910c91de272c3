package importer

import (
	"errors"
	"fmt"

	"github.com/njoerd114/journalrelay/internal/backend"
)

// State is a step of the per-entry state machine:
//
//	PENDING → {RESOLVED_EXISTING, TO_CREATE} → {SKIPPED, CREATED, UPDATED} → DONE | FAILED
type State string

const (
	StatePending          State = "PENDING"
	StateResolvedExisting State = "RESOLVED_EXISTING"
	StateToCreate         State = "TO_CREATE"
	StateSkipped          State = "SKIPPED"
	StateCreated          State = "CREATED"
	StateUpdated          State = "UPDATED"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

// Outcome is where one entry ended up.
type Outcome struct {
	EntryID string

	// Action is SKIPPED, CREATED, or UPDATED; for failed entries it is the
	// last state reached before the failure.
	Action State

	// Final is DONE or FAILED.
	Final State

	RemoteID string
	Err      error
}

// Failure describes one failed entry for the run report.
type Failure struct {
	EntryID string
	Kind    backend.Kind
	// Message is the raw backend payload when there is one, else the error
	// text.
	Message string
	Err     error
}

func newFailure(entryID string, err error) Failure {
	msg := backend.RawPayload(err)
	if msg == "" {
		msg = err.Error()
	}
	return Failure{EntryID: entryID, Kind: backend.KindOf(err), Message: msg, Err: err}
}

// Result aggregates one import run.
type Result struct {
	RunID string

	Created int
	Updated int
	Skipped int
	Failed  int

	Failures []Failure
	Outcomes []Outcome

	// DryRun results count would-be transitions; nothing was written.
	DryRun bool

	// Cancelled is set when the run stopped before the source was
	// exhausted. CutoffID is the first entry that was not processed.
	Cancelled bool
	CutoffID  string
}

// Total is the number of entries that reached a terminal state.
func (r *Result) Total() int { return r.Created + r.Updated + r.Skipped + r.Failed }

func (r *Result) record(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.Final == StateFailed {
		r.Failed++
		r.Failures = append(r.Failures, newFailure(o.EntryID, o.Err))
		return
	}
	switch o.Action {
	case StateCreated:
		r.Created++
	case StateUpdated:
		r.Updated++
	case StateSkipped:
		r.Skipped++
	}
}

// LinkError reports that linking stopped after Linked of Total
// attachments. Attachments before the failing one stay linked.
type LinkError struct {
	EntryID string
	Linked  int
	Total   int
	Err     error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("entry %s: linked %d of %d attachments: %v", e.EntryID, e.Linked, e.Total, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// IsLinkError reports whether err stems from attachment linking.
func IsLinkError(err error) bool {
	var le *LinkError
	return errors.As(err, &le)
}
