package skill

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Skill is one invokable ability an agent can reach for mid-reply. The
// engine treats every invocation as an opaque async operation: it either
// returns output or fails.
type Skill interface {
	Name() string
	DisplayName() string
	Info() *schema.ToolInfo
	Invoke(ctx context.Context, args string) (string, error)
}

// WorkflowRunner executes sub-workflow runs. Start returns the sub-run id so
// the caller can register a back-reference for confirmation routing; Await
// blocks until the run completes or ctx expires.
type WorkflowRunner interface {
	Start(ctx context.Context, workflowID, args string) (int64, error)
	Await(ctx context.Context, subRunID int64) (string, error)
}

const workflowPrefix = "workflow:"

// Registry resolves tool names emitted by models into invokable skills and
// human-readable display names.
type Registry struct {
	skills    map[string]Skill
	workflows WorkflowRunner
}

// NewRegistry builds the built-in skill set.
func NewRegistry(workflows WorkflowRunner) *Registry {
	r := &Registry{
		skills:    make(map[string]Skill),
		workflows: workflows,
	}
	if ws := newWebSearch(); ws != nil {
		r.register(ws)
	}
	r.register(newDocumentReader())
	return r
}

func (r *Registry) register(s Skill) {
	if s != nil {
		r.skills[s.Name()] = s
	}
}

// Resolve maps a tool name onto a skill. Names with the workflow prefix
// resolve to a workflow invocation bound to that workflow id.
func (r *Registry) Resolve(name string) (Skill, bool) {
	if wfID, ok := strings.CutPrefix(name, workflowPrefix); ok {
		if r.workflows == nil {
			return nil, false
		}
		return &workflowSkill{id: wfID, runner: r.workflows}, true
	}
	s, ok := r.skills[name]
	return s, ok
}

// IsWorkflow reports whether the tool name addresses a sub-workflow.
func (r *Registry) IsWorkflow(name string) bool {
	return strings.HasPrefix(name, workflowPrefix)
}

// Infos returns the tool descriptions bound into model calls.
func (r *Registry) Infos() []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(r.skills))
	for _, s := range r.skills {
		infos = append(infos, s.Info())
	}
	return infos
}
