package fabric

// ControlStatus is the three-state control request lifecycle (spec
// §4.2).
type ControlStatus string

const (
	ControlPending  ControlStatus = "pending"
	ControlApproved ControlStatus = "approved"
	ControlRejected ControlStatus = "rejected"
)

// ControlRequest is the spec §3 "Control Request" row.
type ControlRequest struct {
	RequestID    string        `json:"request_id"`
	Room         string        `json:"room"`
	ReqType      CtlType       `json:"req_type"`
	Sender       string        `json:"sender"`
	Recipient    string        `json:"recipient"`
	Body         string        `json:"body"`
	Summary      string        `json:"summary"`
	ResponseBody string        `json:"response_body"`
	Responder    string        `json:"responder"`
	Status       ControlStatus `json:"status"`
	CreatedTs    string        `json:"created_ts"`
	UpdatedTs    string        `json:"updated_ts"`
}

// ValidModes is the closed set a mode_set_request's requested mode
// must belong to (spec §4.2).
var ValidModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"plan":              true,
	"delegate":          true,
	"dontAsk":           true,
}
