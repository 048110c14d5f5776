package skill

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cloudwego/eino/schema"
)

// workflowSkill adapts one sub-workflow id onto the Skill surface. The actual
// execution lives behind the WorkflowRunner; the engine registers the sub-run
// id it hands back so confirmation signals can be routed to the right
// invocation.
type workflowSkill struct {
	id      string
	runner  WorkflowRunner
	onStart func(subRunID int64)

	subRunID int64
}

func (w *workflowSkill) Name() string        { return workflowPrefix + w.id }
func (w *workflowSkill) DisplayName() string { return fmt.Sprintf("Workflow %s", w.id) }

func (w *workflowSkill) Info() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: w.Name(),
		Desc: fmt.Sprintf("Run the %s sub-workflow with a JSON argument object.", w.id),
	}
}

// SubRunID exposes the id issued by Start for back-reference registration.
// Zero until Invoke has started the run.
func (w *workflowSkill) SubRunID() int64 {
	return atomic.LoadInt64(&w.subRunID)
}

func (w *workflowSkill) Invoke(ctx context.Context, args string) (string, error) {
	subRunID, err := w.runner.Start(ctx, w.id, args)
	if err != nil {
		return "", fmt.Errorf("start workflow %s: %w", w.id, err)
	}
	atomic.StoreInt64(&w.subRunID, subRunID)
	if w.onStart != nil {
		w.onStart(subRunID)
	}
	result, err := w.runner.Await(ctx, subRunID)
	if err != nil {
		return "", fmt.Errorf("workflow %s run %d: %w", w.id, subRunID, err)
	}
	return result, nil
}

// SubRunner is implemented by skills whose invocation is itself a workflow
// run with an addressable sub-run id. OnStart installs a callback fired as
// soon as the run is started, before the skill blocks awaiting the result.
type SubRunner interface {
	SubRunID() int64
	OnStart(fn func(subRunID int64))
}

func (w *workflowSkill) OnStart(fn func(subRunID int64)) { w.onStart = fn }

// LocalRunner is the in-process WorkflowRunner used until an external
// workflow engine is wired in. Runs complete immediately with a canned
// acknowledgement; results can be overridden per workflow id for tests.
type LocalRunner struct {
	mu      sync.Mutex
	nextID  int64
	results map[int64]string
}

// NewLocalRunner builds an empty local runner.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{results: make(map[int64]string)}
}

func (r *LocalRunner) Start(ctx context.Context, workflowID, args string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.results[id] = fmt.Sprintf("workflow %s completed", workflowID)
	return id, nil
}

func (r *LocalRunner) Await(ctx context.Context, subRunID int64) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	result, ok := r.results[subRunID]
	if !ok {
		return "", fmt.Errorf("unknown sub-run %d", subRunID)
	}
	delete(r.results, subRunID)
	return result, nil
}
