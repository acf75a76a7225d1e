package pipeline

import (
	"fmt"

	"github.com/google/uuid"
)

// runJobKind is the closed set of jobs carried on the source-run queue.
// Dispatch goes through parseRunJobKind and an exhaustive switch so an
// unknown job name is rejected at decode time, not deep inside a handler.
type runJobKind int

const (
	runJobStart runJobKind = iota
	runJobDiscover
	runJobFinalize
	runJobTransition
)

const (
	jobNameStart      = "start"
	jobNameDiscover   = "discover"
	jobNameFinalize   = "finalize"
	jobNameTransition = "stage-transition"

	jobNameProcessPage = "process-page"
	jobNameIndexPage   = "index-page"
	jobNameEmbedChunks = "embed-chunks"
	jobNameEnrichPage  = "enrich-page"
)

func parseRunJobKind(name string) (runJobKind, error) {
	switch name {
	case jobNameStart:
		return runJobStart, nil
	case jobNameDiscover:
		return runJobDiscover, nil
	case jobNameFinalize:
		return runJobFinalize, nil
	case jobNameTransition:
		return runJobTransition, nil
	default:
		return 0, fmt.Errorf("unknown source-run job %q", name)
	}
}

// StartJob asks the state machine to begin a run for a source.
type StartJob struct {
	SourceID uuid.UUID `json:"source_id"`
	Trigger  string    `json:"trigger"`
	Force    bool      `json:"force"`
}

// RunJob addresses a single run; used by discover and finalize.
type RunJob struct {
	RunID uuid.UUID `json:"run_id"`
}

// TransitionJob nudges a run toward a target stage, typically to resume
// after a worker restart. Replaying a transition already taken is a no-op.
type TransitionJob struct {
	RunID  uuid.UUID `json:"run_id"`
	Target string    `json:"target"`
}

// PageJob addresses one page unit through the process/index/embed/enrich
// chain. The page row carries the URL and tenancy; the job only needs to
// name it.
type PageJob struct {
	RunID  uuid.UUID `json:"run_id"`
	PageID uuid.UUID `json:"page_id"`
}
