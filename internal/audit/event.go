package audit

// Action names recorded in the audit log.
const (
	ActionUpdateStarted        = "update_started"
	ActionUpdateCompleted      = "update_completed"
	ActionUpdateFailed         = "update_failed"
	ActionRollbackCompleted    = "rollback_completed"
	ActionRollbackFailed       = "rollback_failed"
	ActionApprovalRequested    = "approval_requested"
	ActionApprovalApproved     = "approval_approved"
	ActionApprovalDenied       = "approval_denied"
	ActionApprovalExpired      = "approval_expired"
	ActionMaintenanceRequested = "maintenance_requested"
	ActionMaintenanceApproved  = "maintenance_approved"
	ActionServicesRestarted    = "services_restarted"
)

// Event is one line in the hash-chained JSONL audit log.
// Fields are fixed struct members so json.Marshal output is deterministic
// and the chain hash is reproducible.
type Event struct {
	Timestamp  string `json:"ts"`
	Action     string `json:"action"`
	Component  string `json:"component,omitempty"`
	Version    string `json:"version,omitempty"`
	Success    bool   `json:"success"`
	ApprovalID string `json:"approval_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Detail     string `json:"detail,omitempty"`
	PrevHash   string `json:"prev_hash"`
}
