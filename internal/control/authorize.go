package control

import (
	"fmt"

	"github.com/codex-teams/fabric/internal/fabric"
)

// ErrUnauthorized is returned by Authorize when a control request
// violates one of spec §4.2's consumer-side authorization rules. The
// caller must respond `rejected` and publish a status note naming the
// violated rule (spec §7 "Authorization violation").
type ErrUnauthorized struct {
	Rule string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("control: unauthorized: %s", e.Rule)
}

// Authorize enforces the consumer-side rules from spec §4.2 for an
// incoming request message. self is the agent evaluating the request
// (the envelope recipient); lead is the room's team lead agent name.
// requestedMode is only consulted for mode_set requests.
func Authorize(req fabric.ControlRequest, envelopeRecipient, self, lead, requestedMode string) error {
	if envelopeRecipient != self {
		return &ErrUnauthorized{Rule: "envelope recipient must equal self"}
	}

	switch req.ReqType {
	case fabric.CtlShutdown:
		if req.Sender != lead {
			return &ErrUnauthorized{Rule: "shutdown_request must originate from the team lead"}
		}
		if req.Recipient != self {
			return &ErrUnauthorized{Rule: "shutdown_request recipient mismatch"}
		}
	case fabric.CtlModeSet:
		if req.Sender != lead {
			return &ErrUnauthorized{Rule: "mode_set_request must originate from the team lead"}
		}
		if !fabric.ValidModes[requestedMode] {
			return &ErrUnauthorized{Rule: fmt.Sprintf("mode_set_request requested unknown mode %q", requestedMode)}
		}
	case fabric.CtlPlanApproval, fabric.CtlPermission:
		// Forwarded as a visibility status note to the lead; never
		// auto-approved. No sender/recipient restriction at this layer.
	default:
		return &ErrUnauthorized{Rule: fmt.Sprintf("unknown control type %q", req.ReqType)}
	}
	return nil
}
