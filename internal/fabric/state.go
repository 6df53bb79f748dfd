package fabric

// TeamContext is the "self, lead, teammates" slice of the State Blob
// used by the pane-bridge variant.
type TeamContext struct {
	Self      string   `json:"self"`
	Lead      string   `json:"lead"`
	Teammates []string `json:"teammates"`
}

// QueuedNudge is a cooperative notification awaiting delivery at an
// agent's next turn boundary (SPEC_FULL.md supplemented feature #4).
type QueuedNudge struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
	QueuedAt string `json:"queued_at"`
}

// StateBlob is the spec §3 "State Blob": per-session context, inbox
// replay queue, permission request queue, and UI flags used by the
// pane-bridge consumer.
type StateBlob struct {
	Team              TeamContext   `json:"team"`
	InboxReplayQueue  []int64       `json:"inbox_replay_queue"`
	PermissionQueue   []string      `json:"permission_queue"`
	QueuedNudges      []QueuedNudge `json:"queued_nudges"`
	Muted             bool          `json:"muted"`
	AutoKillOnDone    bool          `json:"auto_kill_on_done"`
}

// ControlTable is the filesystem mirror described in spec §6:
// { requests: { request_id -> record }, updatedAt }.
type ControlTable struct {
	Requests  map[string]ControlRequest `json:"requests"`
	UpdatedAt string                    `json:"updatedAt"`
}

// TeamMember is one entry of the Team Config's ordered member list
// (spec §3 "Team Config").
type TeamMember struct {
	AgentID             string   `json:"agentId"` // "name@team"
	Name                string   `json:"name"`
	Color               string   `json:"color"`
	AgentType           string   `json:"agentType"`
	Model               string   `json:"model"`
	BackendType         string   `json:"backendType"`
	Mode                string   `json:"mode"`
	PlanModeRequired    bool     `json:"planModeRequired"`
	Cwd                 string   `json:"cwd"`
	Subscriptions       []string `json:"subscriptions"`
	Role                Role     `json:"role"`
}

// TeamConfig is the per-session Team Config (spec §3).
type TeamConfig struct {
	TeamName     string       `json:"teamName"`
	CreatedAt    int64        `json:"createdAt"` // ms epoch
	UpdatedAt    int64        `json:"updatedAt"`
	LeadAgentID  string       `json:"leadAgentId"`
	ParentID     string       `json:"parentId"`
	SessionID    string       `json:"sessionId"`
	Members      []TeamMember `json:"members"`
}

// Lead returns the team's designated lead member: the explicit
// LeadAgentID if set, else members[0] by convention (spec §3).
func (t *TeamConfig) Lead() *TeamMember {
	if len(t.Members) == 0 {
		return nil
	}
	if t.LeadAgentID != "" {
		for i := range t.Members {
			if t.Members[i].AgentID == t.LeadAgentID {
				return &t.Members[i]
			}
		}
	}
	return &t.Members[0]
}
