package pipeline

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pipeweave/pipeweave/internal/core"
	"github.com/pipeweave/pipeweave/internal/graph"
	"github.com/pipeweave/pipeweave/internal/registry"
)

// Validator checks a pipeline definition against the registered task defs
// and the structural rules of the graph package.
type Validator struct {
	registry *registry.Registry
	log      *zap.Logger
}

func NewValidator(reg *registry.Registry, log *zap.Logger) *Validator {
	return &Validator{registry: reg, log: log}
}

// Validate loads every task the structure names and runs the structural
// checks. Edges come from the pipeline structure, not from the task defs'
// own routing: the pipeline is the authority on its shape.
func (v *Validator) Validate(ctx context.Context, p core.Pipeline) (*graph.ValidationResult, error) {
	ids := make([]string, 0, len(p.Structure))
	for id := range p.Structure {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	found, missing, err := v.registry.LoadTasks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("validating pipeline %q: %w", p.ID, err)
	}
	serviceByTask := make(map[string]string, len(found))
	for _, t := range found {
		serviceByTask[t.ID] = t.ServiceID
	}

	nodes := make([]graph.Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, graph.Node{
			TaskID:      id,
			ServiceID:   serviceByTask[id],
			AllowedNext: p.Structure[id].AllowedNext,
		})
	}

	result := graph.Validate(nodes, missing)
	if !result.Valid {
		v.log.Debug("pipeline failed validation",
			zap.String("pipeline", p.ID),
			zap.Strings("errors", result.Errors))
	}
	return result, nil
}
