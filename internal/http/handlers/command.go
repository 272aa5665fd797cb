package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/http/response"
	"github.com/yungbote/cmdledger/internal/pkg/ctxutil"
	"github.com/yungbote/cmdledger/internal/services"
)

// Dispatcher is the slice of the broadcast producer the trigger endpoint needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req services.BroadcastRequest) ([]*types.Command, error)
}

type CommandHandler struct {
	commands     services.CommandService
	dispatcher   Dispatcher
	queuePattern string
	roster       []string
	known        map[string]struct{}
}

func NewCommandHandler(commands services.CommandService, dispatcher Dispatcher, queuePattern string, roster []string) *CommandHandler {
	known := make(map[string]struct{}, len(roster))
	for _, id := range roster {
		known[id] = struct{}{}
	}
	return &CommandHandler{
		commands:     commands,
		dispatcher:   dispatcher,
		queuePattern: queuePattern,
		roster:       roster,
		known:        known,
	}
}

// GET /api/commands/:correlationId
func (h *CommandHandler) GetCorrelation(c *gin.Context) {
	correlationID := c.Param("correlationId")
	ctxutil.SetCorrelationID(c.Request.Context(), correlationID)
	status, err := h.commands.CorrelationStatus(c.Request.Context(), correlationID)
	if err != nil {
		response.RespondCommandError(c, err)
		return
	}
	response.RespondOK(c, status)
}

// GET /api/operations/:contextId/:context
func (h *CommandHandler) GetOperation(c *gin.Context) {
	contextID, contextName := c.Param("contextId"), c.Param("context")
	started, err := h.commands.IsOperationStarted(c.Request.Context(), contextID, contextName)
	if err != nil {
		response.RespondCommandError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"context_id": contextID,
		"context":    contextName,
		"started":    started,
	})
}

type startOperationRequest struct {
	Payload json.RawMessage `json:"payload"`
	// NodeIDs narrows the broadcast; the configured roster is used when empty.
	NodeIDs []string `json:"node_ids"`
}

type NodeResponse struct {
	NodeID  string `json:"node_id"`
	Payload any    `json:"payload"`
}

type StartOperationResponse struct {
	CorrelationID string         `json:"correlation_id"`
	Responses     []NodeResponse `json:"responses"`
}

// POST /api/operations/:contextId/:context
func (h *CommandHandler) StartOperation(c *gin.Context) {
	var req startOperationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, string(types.CodePreconditionViolation), err)
			return
		}
	}
	payload := req.Payload
	if len(strings.TrimSpace(string(payload))) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	nodeIDs := req.NodeIDs
	if len(nodeIDs) == 0 {
		nodeIDs = h.roster
	}
	// Responses are only consumed for roster nodes; anyone else would just
	// run the broadcast into its timeout.
	for _, id := range nodeIDs {
		if _, ok := h.known[id]; !ok {
			response.RespondCommandError(c, types.NewError(types.CodePreconditionViolation,
				"command_handler.start_operation", fmt.Sprintf("node %q is not in the roster", id), nil))
			return
		}
	}

	rows, err := h.dispatcher.Dispatch(c.Request.Context(), services.BroadcastRequest{
		ContextID:    c.Param("contextId"),
		Context:      c.Param("context"),
		Payload:      payload,
		QueuePattern: h.queuePattern,
		NodeIDs:      nodeIDs,
	})
	if err != nil {
		response.RespondCommandError(c, err)
		return
	}

	out := StartOperationResponse{Responses: make([]NodeResponse, 0, len(rows))}
	for _, row := range rows {
		out.CorrelationID = row.CorrelationID
		out.Responses = append(out.Responses, NodeResponse{
			NodeID:  row.NodeID,
			Payload: responseBody(row.ResponsePayload),
		})
	}
	ctxutil.SetCorrelationID(c.Request.Context(), out.CorrelationID)
	response.RespondOK(c, out)
}

// responseBody inlines JSON responses and leaves anything else to the
// []byte encoder (base64).
func responseBody(b []byte) any {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return b
}
