package commands

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// CommandID is the full identity of one command log row.
//
// ContextID names the business entity (an election event, say), Context the
// operation kind, CorrelationID one request instance (one broker round trip)
// and NodeID the responding control component.
type CommandID struct {
	ContextID     string
	Context       string
	CorrelationID string
	NodeID        string
}

func (id CommandID) Validate() error {
	var missing []string
	if strings.TrimSpace(id.ContextID) == "" {
		missing = append(missing, "context_id")
	}
	if strings.TrimSpace(id.Context) == "" {
		missing = append(missing, "context")
	}
	if strings.TrimSpace(id.CorrelationID) == "" {
		missing = append(missing, "correlation_id")
	}
	if strings.TrimSpace(id.NodeID) == "" {
		missing = append(missing, "node_id")
	}
	if len(missing) > 0 {
		return NewError(CodePreconditionViolation, "command.id", "missing "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// Semantic drops the correlation id.
func (id CommandID) Semantic() SemanticID {
	return SemanticID{ContextID: id.ContextID, Context: id.Context, NodeID: id.NodeID}
}

func (id CommandID) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", id.ContextID, id.Context, id.CorrelationID, id.NodeID)
}

// SemanticID identifies a business operation on one node regardless of
// which request instance carried it.
type SemanticID struct {
	ContextID string
	Context   string
	NodeID    string
}

func (id SemanticID) String() string {
	return fmt.Sprintf("%s/%s/%s", id.ContextID, id.Context, id.NodeID)
}

// Command is one row of the append-only command log. A row is created with a
// request and transitions at most once to carrying a response.
type Command struct {
	ContextID       string     `gorm:"column:context_id;primaryKey;size:128;index:idx_command_semantic,priority:1" json:"context_id"`
	Context         string     `gorm:"column:context;primaryKey;size:128;index:idx_command_semantic,priority:2" json:"context"`
	CorrelationID   string     `gorm:"column:correlation_id;primaryKey;size:64;index:idx_command_correlation" json:"correlation_id"`
	NodeID          string     `gorm:"column:node_id;primaryKey;size:64;index:idx_command_semantic,priority:3" json:"node_id"`
	RequestPayload  []byte     `gorm:"column:request_payload;not null" json:"request_payload"`
	RequestTime     time.Time  `gorm:"column:request_time;not null" json:"request_time"`
	ResponsePayload []byte     `gorm:"column:response_payload" json:"response_payload,omitempty"`
	ResponseTime    *time.Time `gorm:"column:response_time" json:"response_time,omitempty"`
	// EmittedAt is set on a node once the response message left for the
	// orchestrator.
	EmittedAt       *time.Time `gorm:"column:emitted_at" json:"emitted_at,omitempty"`
	Version         int64      `gorm:"column:version;not null" json:"version"`
}

func (Command) TableName() string { return "command" }

func (c *Command) ID() CommandID {
	return CommandID{
		ContextID:     c.ContextID,
		Context:       c.Context,
		CorrelationID: c.CorrelationID,
		NodeID:        c.NodeID,
	}
}

// Answered reports whether the row carries a response.
func (c *Command) Answered() bool {
	return c != nil && c.ResponseTime != nil
}

// Emitted reports whether the response was handed to the broker.
func (c *Command) Emitted() bool {
	return c != nil && c.EmittedAt != nil
}

// SameResponse reports whether the row already carries exactly payload.
func (c *Command) SameResponse(payload []byte) bool {
	return c.Answered() && bytes.Equal(c.ResponsePayload, payload)
}

func NewRequest(id CommandID, payload []byte, at time.Time) *Command {
	return &Command{
		ContextID:      id.ContextID,
		Context:        id.Context,
		CorrelationID:  id.CorrelationID,
		NodeID:         id.NodeID,
		RequestPayload: payload,
		RequestTime:    at,
	}
}
