package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agentarea/agentlink/pkg/a2a"
	"github.com/agentarea/agentlink/pkg/registry"
)

// ============================================================================
// RUNTIME MANAGER
// Coordinates a set of named runtimes: one is "active", task submission can
// fall through the whole set, broadcasts fan out, and delegation history is
// collected from runtime events so a task's delegation tree can be rebuilt.
// ============================================================================

// Manager owns a name -> runtime registry. Construct one per composition
// root; there is no package-level instance.
type Manager struct {
	runtimes *registry.BaseRegistry[Runtime]
	logger   *slog.Logger

	mu     sync.RWMutex
	active string

	delMu       sync.RWMutex
	delegations map[string][]*Delegation // keyed by parent task id
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runtimes:    registry.NewBaseRegistry[Runtime](),
		logger:      logger,
		delegations: make(map[string][]*Delegation),
	}
}

// Register stores rt under name. A runtime previously registered under the
// same name is disconnected and replaced.
func (m *Manager) Register(ctx context.Context, name string, rt Runtime) error {
	if name == "" {
		return fmt.Errorf("runtime: manager: name cannot be empty")
	}
	if rt == nil {
		return fmt.Errorf("runtime: manager: runtime cannot be nil")
	}

	// Collect delegation history for the tree view.
	if err := rt.AddEventListener("manager:"+name, m.recordDelegation); err != nil {
		return fmt.Errorf("runtime: manager: %w", err)
	}

	prev, replaced := m.runtimes.Put(name, rt)
	if replaced {
		m.logger.Info("replacing registered runtime", "name", name)
		prev.RemoveEventListener("manager:" + name)
		if err := prev.DisconnectAll(ctx); err != nil {
			m.logger.Warn("disconnect of replaced runtime failed", "name", name, "error", err)
		}
	}

	m.mu.Lock()
	if m.active == "" {
		m.active = name
	}
	m.mu.Unlock()
	return nil
}

// Unregister disconnects and removes the named runtime.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	rt, ok := m.runtimes.Get(name)
	if !ok {
		return fmt.Errorf("runtime: manager: unknown runtime %q", name)
	}

	rt.RemoveEventListener("manager:" + name)
	if err := rt.DisconnectAll(ctx); err != nil {
		m.logger.Warn("disconnect on unregister failed", "name", name, "error", err)
	}
	if err := m.runtimes.Remove(name); err != nil {
		return err
	}

	m.mu.Lock()
	if m.active == name {
		m.active = ""
		if names := m.runtimes.Names(); len(names) > 0 {
			m.active = names[0]
		}
	}
	m.mu.Unlock()
	return nil
}

// Get returns the named runtime.
func (m *Manager) Get(name string) (Runtime, bool) {
	return m.runtimes.Get(name)
}

// Names returns the registered runtime names.
func (m *Manager) Names() []string {
	return m.runtimes.Names()
}

// SetActive marks the named runtime as the preferred submission target.
func (m *Manager) SetActive(name string) error {
	if _, ok := m.runtimes.Get(name); !ok {
		return fmt.Errorf("runtime: manager: unknown runtime %q", name)
	}
	m.mu.Lock()
	m.active = name
	m.mu.Unlock()
	return nil
}

// Active returns the active runtime, or nil when none is registered.
func (m *Manager) Active() Runtime {
	m.mu.RLock()
	name := m.active
	m.mu.RUnlock()

	if name == "" {
		return nil
	}
	rt, _ := m.runtimes.Get(name)
	return rt
}

// SubmitTaskToAny submits the task to the best available runtime: one
// speaking preferredProtocol first, then the active runtime, then any
// registered one. When the chosen runtime fails, every other registered
// runtime is tried before the original error is re-raised.
func (m *Manager) SubmitTaskToAny(ctx context.Context, input *a2a.TaskInput, preferredProtocol a2a.Protocol) (*a2a.Task, error) {
	names := m.runtimes.Names()
	if len(names) == 0 {
		return nil, ErrNoRuntimes
	}

	first := m.pickRuntime(names, preferredProtocol)
	firstRt, _ := m.runtimes.Get(first)

	task, firstErr := firstRt.SubmitTask(ctx, input)
	if firstErr == nil {
		return task, nil
	}
	m.logger.Warn("task submission failed, trying remaining runtimes",
		"runtime", first, "error", firstErr)

	for _, name := range names {
		if name == first {
			continue
		}
		rt, ok := m.runtimes.Get(name)
		if !ok {
			continue
		}
		if task, err := rt.SubmitTask(ctx, input); err == nil {
			return task, nil
		} else {
			m.logger.Debug("fallback submission failed", "runtime", name, "error", err)
		}
	}
	return nil, firstErr
}

func (m *Manager) pickRuntime(names []string, preferred a2a.Protocol) string {
	if preferred != "" {
		for _, name := range names {
			if rt, ok := m.runtimes.Get(name); ok && rt.ProtocolType() == preferred {
				return name
			}
		}
	}

	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()
	if active != "" {
		if _, ok := m.runtimes.Get(active); ok {
			return active
		}
	}
	return names[0]
}

// Broadcast sends the message to every registered runtime passing the
// filter. It succeeds when at least one runtime accepted the message; when
// every runtime fails the error aggregates all causes.
func (m *Manager) Broadcast(ctx context.Context, msg a2a.Message, filter func(Runtime) bool) (map[string]*a2a.Task, error) {
	names := m.runtimes.Names()

	targets := make([]string, 0, len(names))
	for _, name := range names {
		rt, ok := m.runtimes.Get(name)
		if !ok {
			continue
		}
		if filter != nil && !filter(rt) {
			continue
		}
		targets = append(targets, name)
	}
	if len(targets) == 0 {
		return nil, ErrNoRuntimes
	}

	var (
		mu      sync.Mutex
		results = make(map[string]*a2a.Task, len(targets))
		errs    []error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range targets {
		rt, _ := m.runtimes.Get(name)
		g.Go(func() error {
			task, err := rt.SubmitTask(gctx, &a2a.TaskInput{Message: msg})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return nil
			}
			results[name] = task
			return nil
		})
	}
	_ = g.Wait()

	if len(results) == 0 {
		return nil, &BroadcastError{Errs: errs}
	}
	for _, err := range errs {
		m.logger.Warn("broadcast target failed", "error", err)
	}
	return results, nil
}

// ============================================================================
// DELEGATION TREE
// ============================================================================

// TaskNode is one task in a delegation tree.
type TaskNode struct {
	TaskID   string
	SpecID   string
	Status   SubTaskStatus
	Children []*TaskNode
}

// recordDelegation captures completed and failed delegations from runtime
// events.
func (m *Manager) recordDelegation(ev Event) {
	if ev.Type != EventDelegationComplete && ev.Type != EventDelegationFailed {
		return
	}
	del, ok := ev.Payload.(*Delegation)
	if !ok {
		return
	}

	m.delMu.Lock()
	m.delegations[del.ParentTaskID] = append(m.delegations[del.ParentTaskID], del)
	m.delMu.Unlock()
}

// DelegationTree rebuilds the tree of sub-tasks rooted at taskID from the
// recorded delegation history.
func (m *Manager) DelegationTree(taskID string) *TaskNode {
	m.delMu.RLock()
	defer m.delMu.RUnlock()
	return m.buildNode(taskID, "", SubTaskCompleted, make(map[string]bool))
}

func (m *Manager) buildNode(taskID, specID string, status SubTaskStatus, seen map[string]bool) *TaskNode {
	node := &TaskNode{TaskID: taskID, SpecID: specID, Status: status}
	if seen[taskID] {
		return node
	}
	seen[taskID] = true

	for _, del := range m.delegations[taskID] {
		for i := range del.SubTasks {
			sub := &del.SubTasks[i]
			childID := sub.SpecID
			if sub.Task != nil {
				childID = sub.Task.ID
			}
			node.Children = append(node.Children, m.buildNode(childID, sub.SpecID, sub.Status, seen))
		}
	}
	return node
}
