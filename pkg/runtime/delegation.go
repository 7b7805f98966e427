package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentarea/agentlink/pkg/a2a"
)

// ============================================================================
// SUB-TASK DELEGATION
// A parent task fans work out to sub-tasks, optionally on other runtimes.
// Sub-task inputs are enriched with the parent/delegation identity, a tail
// of recent conversation context and any shared artifacts, so the receiving
// agent can reconstruct where its work fits.
// ============================================================================

// Metadata keys attached to enriched sub-task inputs.
const (
	MetaParentTaskID    = "parentTaskId"
	MetaDelegationID    = "delegationId"
	MetaDelegationDepth = "delegationDepth"
	MetaLogContext      = "logContext"
	MetaSharedArtifacts = "sharedArtifacts"
)

// logTailSize bounds the conversation context copied into each sub-task.
const logTailSize = 5

// SubTaskSpec describes one sub-task of a delegation.
type SubTaskSpec struct {
	// ID identifies the sub-task inside the delegation. Generated when
	// empty.
	ID string

	// Input is the task input submitted to the target.
	Input *a2a.TaskInput

	// Target runs the sub-task. Nil means the delegating runtime itself.
	Target Runtime
}

// DelegationOptions controls how sub-tasks are dispatched.
type DelegationOptions struct {
	// Parallel launches every sub-task before awaiting any of them.
	// Sequential dispatch stops at the first failure.
	Parallel bool

	// MaxDepth is the remaining delegation budget. A value <= 0 rejects
	// the delegation before any sub-task is submitted.
	MaxDepth int

	// Context is recent conversation history; only the last few entries
	// are copied into each sub-task.
	Context []a2a.Message

	// SharedArtifacts are attached to every sub-task input.
	SharedArtifacts []a2a.Artifact
}

// SubTaskStatus tracks one sub-task through the delegation.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskCompleted SubTaskStatus = "completed"
	SubTaskFailed    SubTaskStatus = "failed"
)

// SubTaskResult is the outcome of one dispatched sub-task.
type SubTaskResult struct {
	SpecID string
	Status SubTaskStatus
	Task   *a2a.Task
	Err    error
}

// Delegation is the overall record of one delegateSubTask call. Status is
// completed only when every sub-task succeeded.
type Delegation struct {
	ID           string
	ParentTaskID string
	Status       a2a.TaskState
	SubTasks     []SubTaskResult
	StartedAt    time.Time
	CompletedAt  time.Time
}

// runDelegation is the shared delegation engine behind every runtime's
// DelegateSubTask.
func runDelegation(ctx context.Context, self Runtime, b *base, parentTaskID string, subTasks []SubTaskSpec, opts DelegationOptions) (*Delegation, error) {
	del := &Delegation{
		ID:           "del-" + uuid.NewString()[:8],
		ParentTaskID: parentTaskID,
		StartedAt:    time.Now(),
	}

	if parentTaskID == "" {
		return nil, &DelegationError{DelegationID: del.ID, Err: fmt.Errorf("parent task id is required")}
	}
	if len(subTasks) == 0 {
		return nil, &DelegationError{DelegationID: del.ID, ParentTaskID: parentTaskID, Err: fmt.Errorf("no sub-tasks given")}
	}
	if opts.MaxDepth <= 0 {
		return nil, &DelegationError{DelegationID: del.ID, ParentTaskID: parentTaskID, Err: ErrDelegationDepth}
	}

	del.SubTasks = make([]SubTaskResult, len(subTasks))
	for i := range subTasks {
		if subTasks[i].ID == "" {
			subTasks[i].ID = fmt.Sprintf("sub-%s-%d", del.ID, i)
		}
		del.SubTasks[i] = SubTaskResult{SpecID: subTasks[i].ID, Status: SubTaskPending}
	}

	b.bus.Emit(Event{
		Type:     EventDelegationStarted,
		Protocol: b.proto,
		TaskID:   parentTaskID,
		Payload:  del,
	})

	dispatch := func(ctx context.Context, i int) {
		spec := subTasks[i]
		target := spec.Target
		if target == nil {
			target = self
		}

		input := enrichInput(spec.Input, parentTaskID, del.ID, opts)
		task, err := target.SubmitTask(ctx, input)
		if err != nil {
			del.SubTasks[i].Status = SubTaskFailed
			del.SubTasks[i].Err = err
			return
		}
		del.SubTasks[i].Status = SubTaskCompleted
		del.SubTasks[i].Task = task
	}

	if opts.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i := range subTasks {
			g.Go(func() error {
				dispatch(gctx, i)
				return nil
			})
		}
		// Failures are recorded per sub-task, never returned from the group.
		_ = g.Wait()
	} else {
		for i := range subTasks {
			dispatch(ctx, i)
			if del.SubTasks[i].Err != nil {
				break
			}
		}
	}

	del.CompletedAt = time.Now()

	var firstErr error
	for i := range del.SubTasks {
		if del.SubTasks[i].Err != nil {
			firstErr = del.SubTasks[i].Err
			break
		}
	}

	if firstErr != nil {
		del.Status = a2a.TaskStateFailed
		b.bus.Emit(Event{
			Type:     EventDelegationFailed,
			Protocol: b.proto,
			TaskID:   parentTaskID,
			Payload:  del,
		})
		return del, &DelegationError{DelegationID: del.ID, ParentTaskID: parentTaskID, Err: firstErr}
	}

	del.Status = a2a.TaskStateCompleted
	b.bus.Emit(Event{
		Type:     EventDelegationComplete,
		Protocol: b.proto,
		TaskID:   parentTaskID,
		Payload:  del,
	})
	return del, nil
}

// enrichInput copies the sub-task input and attaches delegation metadata.
func enrichInput(input *a2a.TaskInput, parentTaskID, delegationID string, opts DelegationOptions) *a2a.TaskInput {
	out := &a2a.TaskInput{}
	if input != nil {
		*out = *input
	}

	meta := make(map[string]any, len(out.Metadata)+5)
	for k, v := range out.Metadata {
		meta[k] = v
	}
	meta[MetaParentTaskID] = parentTaskID
	meta[MetaDelegationID] = delegationID
	meta[MetaDelegationDepth] = opts.MaxDepth - 1
	if tail := a2a.TailMessages(opts.Context, logTailSize); len(tail) > 0 {
		meta[MetaLogContext] = tail
	}
	if len(opts.SharedArtifacts) > 0 {
		meta[MetaSharedArtifacts] = opts.SharedArtifacts
	}
	out.Metadata = meta
	return out
}
