package model

// VerdictEventType names the kind of event on the verdict topic.
type VerdictEventType string

const (
	// VerdictEventFinal carries a terminal ticket status.
	VerdictEventFinal VerdictEventType = "final"
)

// VerdictEvent is published to the verdict topic.
type VerdictEvent struct {
	Type      VerdictEventType `json:"type"`
	Ticket    TicketStatus     `json:"ticket"`
	CreatedAt int64            `json:"created_at"`
}
