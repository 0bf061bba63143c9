// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"time"
)

// Domain identifies a class of synchronized data. Each domain owns its
// own snapshot, queue, and channel state; ids never cross domains.
type Domain string

const (
	DomainLeaderboard    Domain = "leaderboard"
	DomainLessonProgress Domain = "lesson-progress"
	DomainAchievements   Domain = "achievements"
	DomainChatMessages   Domain = "chat-messages"
	DomainClubDirectory  Domain = "club-directory"
)

// AllDomains lists the built-in domains in mount order.
var AllDomains = []Domain{
	DomainLeaderboard,
	DomainLessonProgress,
	DomainAchievements,
	DomainChatMessages,
	DomainClubDirectory,
}

// RecordState is the lifecycle state of a visible record.
type RecordState string

const (
	StatePending   RecordState = "pending"
	StateConfirmed RecordState = "confirmed"
	StateFailed    RecordState = "failed"
)

// Record is one domain value. ID is server-assigned once confirmed, or a
// temporary id while the record is still pending.
type Record struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	State       RecordState     `json:"state"`
	OperationID string          `json:"operation_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// OperationType names a domain write, e.g. "message.send".
type OperationType string

// Operation is a user-initiated write. RecordID is set when the write
// updates an existing entity rather than creating a new one.
type Operation struct {
	Type     OperationType   `json:"type"`
	RecordID string          `json:"record_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// PendingMutation is a write that has not been confirmed by the remote
// store. Replays are at-least-once, so consumers key on OperationID.
type PendingMutation struct {
	Domain        Domain          `json:"domain"`
	UserID        string          `json:"user_id"`
	OperationID   string          `json:"operation_id"`
	OperationType OperationType   `json:"operation_type"`
	RecordID      string          `json:"record_id,omitempty"`
	TempID        string          `json:"temp_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`

	// Attempted is set once the write has been sent. An attempted entry
	// may already have landed under its operation id, so it is never
	// folded into another write.
	Attempted bool `json:"attempted,omitempty"`

	// Covers lists the operation ids a merged entry stands for, and
	// CoveredTempIDs their optimistic records.
	Covers         []string `json:"covers,omitempty"`
	CoveredTempIDs []string `json:"covered_temp_ids,omitempty"`
}

// SubscriptionStatus is the state of a domain's push subscription.
type SubscriptionStatus string

const (
	SubscriptionDisconnected SubscriptionStatus = "disconnected"
	SubscriptionConnecting   SubscriptionStatus = "connecting"
	SubscriptionConnected    SubscriptionStatus = "connected"
	SubscriptionReconnecting SubscriptionStatus = "reconnecting"
)

// ConnectivityState combines the network signal with the channel status.
type ConnectivityState struct {
	Online       bool               `json:"online"`
	Subscription SubscriptionStatus `json:"subscription"`
}

// Phase is the coordinator lifecycle phase for a domain.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
)

// View is the continuously updated state a consumer renders.
type View struct {
	Domain       Domain            `json:"domain"`
	UserID       string            `json:"user_id"`
	Records      []Record          `json:"records"`
	Phase        Phase             `json:"phase"`
	Stale        bool              `json:"stale"`
	Degraded     bool              `json:"degraded"`
	Connectivity ConnectivityState `json:"connectivity"`
	Pending      int               `json:"pending"`
	Err          string            `json:"error,omitempty"`
}

// OutcomeKind classifies the result of a mutate call.
type OutcomeKind string

const (
	OutcomeConfirmed OutcomeKind = "applied-confirmed"
	OutcomeQueued    OutcomeKind = "applied-optimistic-queued"
	OutcomeRejected  OutcomeKind = "rejected"
)

// Outcome is returned from a mutate call. Reason is set when rejected.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Record Record      `json:"record"`
	Reason error       `json:"-"`
}
