package fleet

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-ai/flotilla/pkg/eventbus"
)

// pendingTask is a task awaiting its result from a node.
type pendingTask struct {
	task       Task
	nodeID     string
	assignedAt time.Time
	timer      *time.Timer
	done       chan taskOutcome
}

type taskOutcome struct {
	result map[string]any
	err    error
}

func (p *pendingTask) resolve(result map[string]any) {
	select {
	case p.done <- taskOutcome{result: result}:
	default:
	}
}

func (p *pendingTask) reject(err error) {
	select {
	case p.done <- taskOutcome{err: err}:
	default:
	}
}

// AssignTask dispatches a task to the best available node and blocks until
// the node reports a result, the task times out, or ctx is cancelled.
func (m *Manager) AssignTask(ctx context.Context, task Task) (map[string]any, error) {
	if task.ToolName == "" {
		return nil, &ErrorInfo{Code: ErrCodeInvalidPayload, Message: "tool name is required"}
	}

	nodeID, err := m.selectNode(task.Capability)
	if err != nil {
		return nil, err
	}

	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = m.config.TaskTimeout
	}

	p := &pendingTask{
		task:       task,
		nodeID:     nodeID,
		assignedAt: time.Now(),
		done:       make(chan taskOutcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() { m.timeoutTask(task.TaskID) })

	m.pendingMu.Lock()
	m.pending[task.TaskID] = p
	m.pendingMu.Unlock()

	m.mu.Lock()
	if node, ok := m.nodes[nodeID]; ok {
		node.Stats.Active++
		node.Stats.Total++
		node.Status = NodeStatusBusy
	}
	if m.assigned[nodeID] == nil {
		m.assigned[nodeID] = make(map[string]struct{})
	}
	m.assigned[nodeID][task.TaskID] = struct{}{}
	m.mu.Unlock()

	// The payload carries everything a subscriber needs to execute the task,
	// so remote nodes following the task feed never have to call back for it.
	m.bus.Publish(eventbus.EventTaskAssigned, map[string]any{
		"task_id":    task.TaskID,
		"node_id":    nodeID,
		"tool_name":  task.ToolName,
		"tool_args":  task.ToolArgs,
		"capability": task.Capability,
		"timeout_ms": timeout.Milliseconds(),
		"metadata":   task.Metadata,
	})
	m.logger.Debug("task assigned", "task_id", task.TaskID, "node_id", nodeID, "tool", task.ToolName)

	select {
	case outcome := <-p.done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		// The task keeps running on the node; only the caller gives up.
		return nil, ctx.Err()
	}
}

// SelectNode picks a dispatch target for external callers, e.g. the chat
// pipeline routing an LLM call.
func (m *Manager) SelectNode(capability string) (string, error) {
	return m.selectNode(capability)
}

// selectNode picks the dispatch target: online nodes are preferred over
// busy ones; among online, lowest load ratio wins; among only busy, highest
// capacity then fewest active tasks.
func (m *Manager) selectNode(capability string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var online, busy []*Node
	for _, node := range m.nodes {
		if node.Status != NodeStatusOnline && node.Status != NodeStatusBusy {
			continue
		}
		if capability != "" && !node.HasCapability(capability) {
			continue
		}
		if node.Status == NodeStatusOnline {
			online = append(online, node)
		} else {
			busy = append(busy, node)
		}
	}

	if len(online) > 0 {
		sort.Slice(online, func(i, j int) bool {
			ri := float64(online[i].Stats.Active) / float64(online[i].MaxConcurrentTasks)
			rj := float64(online[j].Stats.Active) / float64(online[j].MaxConcurrentTasks)
			if ri != rj {
				return ri < rj
			}
			return online[i].ID < online[j].ID
		})
		return online[0].ID, nil
	}
	if len(busy) > 0 {
		sort.Slice(busy, func(i, j int) bool {
			if busy[i].MaxConcurrentTasks != busy[j].MaxConcurrentTasks {
				return busy[i].MaxConcurrentTasks > busy[j].MaxConcurrentTasks
			}
			if busy[i].Stats.Active != busy[j].Stats.Active {
				return busy[i].Stats.Active < busy[j].Stats.Active
			}
			return busy[i].ID < busy[j].ID
		})
		return busy[0].ID, nil
	}

	msg := "no node is available"
	if capability != "" {
		msg = fmt.Sprintf("no available node with capability %q", capability)
	}
	return "", &ErrorInfo{Code: ErrCodeNoAvailableNode, Message: msg}
}

// HandleTaskResult settles a pending task from a node's report. Unknown
// task ids are logged and ignored.
func (m *Manager) HandleTaskResult(nodeID string, result TaskResult) {
	m.pendingMu.Lock()
	p, ok := m.pending[result.TaskID]
	if ok {
		delete(m.pending, result.TaskID)
	}
	m.pendingMu.Unlock()

	if !ok {
		m.logger.Warn("result for unknown task", "task_id", result.TaskID, "node_id", nodeID)
		return
	}
	p.timer.Stop()

	m.settleTask(p, result.Success)

	m.bus.Publish(eventbus.EventTaskCompleted, map[string]any{
		"task_id": result.TaskID,
		"node_id": p.nodeID,
		"success": result.Success,
	})

	if result.Success {
		p.resolve(result.Result)
		if len(result.Delegations) > 0 {
			go m.dispatchDelegations(result.TaskID, result.Delegations)
		}
	} else {
		msg := result.Error
		if msg == "" {
			msg = "task failed"
		}
		p.reject(fmt.Errorf("%s", msg))
	}
}

// settleTask removes the task from the node's assignment set and updates
// stats.
func (m *Manager) settleTask(p *pendingTask, success bool) {
	elapsed := time.Since(p.assignedAt)

	m.mu.Lock()
	if set, ok := m.assigned[p.nodeID]; ok {
		delete(set, p.task.TaskID)
	}
	node, ok := m.nodes[p.nodeID]
	var statusChange bool
	var old NodeStatus
	if ok {
		if node.Stats.Active > 0 {
			node.Stats.Active--
		}
		if success {
			node.Stats.Completed++
		} else {
			node.Stats.Failed++
		}
		// Running average over completed and failed tasks.
		finished := node.Stats.Completed + node.Stats.Failed
		node.Stats.AvgResponseMs += (float64(elapsed.Milliseconds()) - node.Stats.AvgResponseMs) / float64(finished)
		now := time.Now()
		node.Stats.LastTaskAt = &now

		if node.Stats.Active == 0 && node.Status == NodeStatusBusy {
			old = node.Status
			node.Status = NodeStatusOnline
			statusChange = true
		}
	}
	m.mu.Unlock()

	if statusChange {
		m.publishStatusChange(p.nodeID, old, NodeStatusOnline)
	}
}

// timeoutTask rejects a pending task that exceeded its deadline.
func (m *Manager) timeoutTask(taskID string) {
	m.pendingMu.Lock()
	p, ok := m.pending[taskID]
	if ok {
		delete(m.pending, taskID)
	}
	m.pendingMu.Unlock()
	if !ok {
		return
	}

	m.settleTask(p, false)
	m.bus.Publish(eventbus.EventTaskTimeout, map[string]any{
		"task_id": taskID,
		"node_id": p.nodeID,
	})
	m.logger.Warn("task timed out", "task_id", taskID, "node_id", p.nodeID)
	p.reject(fmt.Errorf("task_%s_timeout", taskID))
}

// dispatchDelegations assigns follow-up tasks requested by a completed
// task. Dispatch failures are logged, never propagated to the original
// caller.
func (m *Manager) dispatchDelegations(sourceTaskID string, delegations []Delegation) {
	for _, d := range delegations {
		if d.ToolName == "" {
			m.logger.Warn("delegation without tool name ignored", "source_task_id", sourceTaskID)
			continue
		}

		meta := make(map[string]string, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			meta[k] = v
		}
		meta["sourceTaskId"] = sourceTaskID

		task := Task{
			TaskID:     d.TaskID,
			ToolName:   d.ToolName,
			ToolArgs:   d.Args,
			Capability: d.Capability,
			Timeout:    d.Timeout,
			Metadata:   meta,
		}
		go func(t Task) {
			if _, err := m.AssignTask(context.Background(), t); err != nil {
				m.logger.Warn("delegation dispatch failed",
					"source_task_id", sourceTaskID, "tool", t.ToolName, "error", err)
			}
		}(task)
	}
}

// PendingTaskCount returns the number of tasks awaiting results.
func (m *Manager) PendingTaskCount() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}
