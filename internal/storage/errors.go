package storage

import "errors"

// Sentinel errors for the Conflict class of failures named in spec §7:
// reported to the caller, never accompanied by a state mutation.
var (
	ErrDuplicateRequest       = errors.New("storage: control request id already exists")
	ErrRequestNotFound        = errors.New("storage: control request not found")
	ErrRequestAlreadyResolved = errors.New("storage: control request already resolved")
	ErrUnknownRecipient       = errors.New("storage: unknown recipient")
	ErrLeadRemoval            = errors.New("storage: cannot remove the team lead")
)
