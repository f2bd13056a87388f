package client

import "errors"

// Sentinel errors implementing the taxonomy in spec §7: protocol-misuse and
// timeout are distinct from a plain wrapped store error so callers can
// errors.Is them.
var (
	// ErrDoubleClaim is returned by ClaimNext when the Client already holds
	// an unfinished claim.
	ErrDoubleClaim = errors.New("client: already holds a claim")

	// ErrNoClaim is returned by Log, Checkpoint, and Finish when called
	// without an active claim.
	ErrNoClaim = errors.New("client: no active claim")

	// ErrTimeout is raised from Checkpoint when the job's deadline has
	// passed. The job has already been written to FAILED by the trip.
	ErrTimeout = errors.New("client: job timed out")
)
