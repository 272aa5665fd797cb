package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

/*
Context is the execution handle a handler receives for one command.
	- Ctx: cancellation for the run
	- ID: the full command identity (context id, context, correlation id, node id)
	- Payload: the request bytes exactly as the orchestrator sent them
	- Log: a logger already scoped to the command
Handlers must be deterministic in what they persist: they run once per
semantic identity, and whatever they return is replayed verbatim afterwards.
*/
type Context struct {
	Ctx     context.Context
	ID      types.CommandID
	Payload []byte
	Log     *logger.Logger
}

func NewContext(ctx context.Context, id types.CommandID, payload []byte, log *logger.Logger) *Context {
	if log == nil {
		log = logger.Nop()
	}
	return &Context{
		Ctx:     ctx,
		ID:      id,
		Payload: payload,
		Log:     log.With("command_id", id.String()),
	}
}

// Decode unmarshals the JSON request payload into v. An empty payload leaves
// v untouched.
func (c *Context) Decode(v any) error {
	if len(c.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return types.NewError(types.CodeSerialization, "runtime.decode", fmt.Sprintf("payload for %s", c.ID.Context), err)
	}
	return nil
}
