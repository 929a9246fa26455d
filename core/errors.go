package core

import "errors"

var (
	// ErrEmptyMembership is returned by the overlay when it has no
	// member list to compute a leader or committee from. The overlay
	// fails closed: guessing a leader is a safety hazard.
	ErrEmptyMembership = errors.New("overlay has no membership data")

	// ErrUnknownLeader is returned when the leader of a view cannot be
	// determined.
	ErrUnknownLeader = errors.New("cannot determine the leader")

	// ErrWrongLeader marks a proposal whose sender is not the leader of
	// its view.
	ErrWrongLeader = errors.New("proposal is not from the view's leader")

	// ErrViewTooLow marks a vote request for a view at or below the
	// highest view already voted in.
	ErrViewTooLow = errors.New("view is not above the highest voted view")

	// ErrForksLockedChain marks a proposal that does not extend the
	// chain at or above the locked certificate.
	ErrForksLockedChain = errors.New("proposal forks below the locked block")

	// ErrInvalidProposal marks a structurally bad proposal, e.g. a
	// parent hash that disagrees with the embedded certificate.
	ErrInvalidProposal = errors.New("invalid proposal")

	// ErrNotCommitteeMember marks a vote or timeout from an identity
	// outside the view's committee.
	ErrNotCommitteeMember = errors.New("sender is not a committee member for the view")

	// ErrInvalidSignature marks a partial or aggregated signature that
	// fails verification.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrStaleVote marks a vote or timeout for a view that has been
	// garbage-collected.
	ErrStaleVote = errors.New("vote is below the garbage-collection horizon")

	// ErrInvalidQC marks a quorum or timeout certificate that fails the
	// weight or aggregate-signature check.
	ErrInvalidQC = errors.New("invalid certificate")

	// ErrEngineStopped is returned when submitting to a stopped engine.
	ErrEngineStopped = errors.New("engine stopped")
)
