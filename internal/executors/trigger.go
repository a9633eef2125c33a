package executors

import (
	"context"

	"github.com/floehq/floe/pkg/schema"
)

// TriggerExecutor publishes the run's originating event payload as the
// trigger node's output so downstream templates can address it by node ID as
// well as through the trigger namespace.
type TriggerExecutor struct{}

// NewTriggerExecutor creates the trigger executor.
func NewTriggerExecutor() *TriggerExecutor { return &TriggerExecutor{} }

func (e *TriggerExecutor) Kind() schema.NodeKind { return schema.NodeKindTrigger }

func (e *TriggerExecutor) Execute(_ context.Context, req Request) (schema.NodeOutput, error) {
	if _, err := decodeConfig[schema.TriggerConfig](req.Node); err != nil {
		return schema.NodeOutput{}, err
	}
	fields := make(map[string]any, len(req.Scope.Trigger))
	for k, v := range req.Scope.Trigger {
		fields[k] = v
	}
	return schema.NodeOutput{Success: true, Fields: fields}, nil
}
