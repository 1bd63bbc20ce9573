package types

import "time"

// RequestOutcome classifies a logged node request.
type RequestOutcome string

const (
	RequestOutcomeSuccess RequestOutcome = "success"
	RequestOutcomeFailed  RequestOutcome = "failed"
)

// Request types recorded in the node request log.
const (
	RequestTypePing        = "ping"
	RequestTypeSearch      = "search"
	RequestTypeAction      = "action"
	RequestTypeCollections = "collections"
)

// NodeRequest is one entry in the append-only audit and metrics log of
// outbound node calls. Entries are never mutated after insert.
type NodeRequest struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	NodeID      string         `gorm:"size:36;index" json:"node_id"`
	NodeSlug    string         `gorm:"size:255;index" json:"node_slug"`
	RequestType string         `gorm:"size:32;index" json:"request_type"`
	TraceID     string         `gorm:"size:64" json:"trace_id,omitempty"`
	Payload     string         `gorm:"type:text" json:"payload,omitempty"`
	Response    string         `gorm:"type:text" json:"response,omitempty"`
	StatusCode  int            `json:"status_code"`
	DurationMs  int64          `json:"duration_ms"`
	Outcome     RequestOutcome `gorm:"size:16;index" json:"outcome"`
	ErrorMsg    string         `gorm:"size:1024" json:"error,omitempty"`
	CallerID    string         `gorm:"size:64" json:"caller_id,omitempty"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
}

// TableName implements the gorm table naming convention.
func (NodeRequest) TableName() string { return "node_requests" }
