package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flotilla-ai/flotilla/pkg/eventbus"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/lock"
	"github.com/flotilla-ai/flotilla/pkg/quota"
	"github.com/flotilla-ai/flotilla/pkg/store"
)

// Config holds the fleet manager settings.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	TaskTimeout       time.Duration `yaml:"task_timeout" json:"task_timeout" mapstructure:"task_timeout"`
	NodesFile         string        `yaml:"nodes_file" json:"nodes_file" mapstructure:"nodes_file"`
}

// SetDefaults applies defaults for missing fields.
func (c *Config) SetDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 60 * time.Second
	}
}

// Manager owns the node table and everything dispatched through it.
type Manager struct {
	config    Config
	quota     *quota.Controller
	bus       *eventbus.Bus
	providers *llm.Registry
	nodesFile *store.JSONFile
	locks     *lock.Manager
	logger    *slog.Logger

	mu       sync.RWMutex
	nodes    map[string]*Node
	assigned map[string]map[string]struct{} // nodeID -> taskIDs

	pendingMu sync.Mutex
	pending   map[string]*pendingTask

	streamsMu sync.Mutex
	streams   map[string]context.CancelFunc

	monitorStop chan struct{}
	monitorOnce sync.Once
}

// NewManager creates a fleet manager. nodesFile and locks may be nil, which
// disables durable node persistence.
func NewManager(cfg Config, qc *quota.Controller, bus *eventbus.Bus, providers *llm.Registry, nodesFile *store.JSONFile, locks *lock.Manager, logger *slog.Logger) (*Manager, error) {
	cfg.SetDefaults()
	if qc == nil {
		return nil, fmt.Errorf("quota controller is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		config:    cfg,
		quota:     qc,
		bus:       bus,
		providers: providers,
		nodesFile: nodesFile,
		locks:     locks,
		logger:    logger.With("component", "fleet"),
		nodes:     make(map[string]*Node),
		assigned:  make(map[string]map[string]struct{}),
		pending:   make(map[string]*pendingTask),
		streams:   make(map[string]context.CancelFunc),
	}
	if err := m.loadNodes(); err != nil {
		return nil, err
	}
	return m, nil
}

// Register upserts a node and publishes node_registered.
func (m *Manager) Register(info RegisterInfo) (*Node, error) {
	if info.ID == "" {
		return nil, &ErrorInfo{Code: ErrCodeInvalidPayload, Message: "node id is required"}
	}

	status := info.Status
	if status == "" {
		status = NodeStatusOnline
	}
	nodeType := info.Type
	if nodeType == "" {
		nodeType = NodeTypeWorker
	}
	maxTasks := info.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = 1
	}

	personas := info.Personas
	if nodeType == NodeTypeHub {
		personas = dedup(personas)
	} else if len(personas) > 1 {
		personas = personas[:1]
	}

	now := time.Now()
	node := &Node{
		ID:                 info.ID,
		Name:               info.Name,
		Type:               nodeType,
		Status:             status,
		Capabilities:       info.Capabilities,
		Tools:              info.Tools,
		MaxConcurrentTasks: maxTasks,
		RegisteredAt:       now,
		LastHeartbeat:      now,
		LastSeen:           now,
		ConnectionID:       info.ConnectionID,
		Personas:           personas,
	}

	m.mu.Lock()
	if existing, ok := m.nodes[info.ID]; ok {
		// Re-registration keeps accumulated stats and the original
		// registration time.
		node.RegisteredAt = existing.RegisteredAt
		node.Stats = existing.Stats
	}
	m.nodes[info.ID] = node
	snapshot := node.Clone()
	m.mu.Unlock()

	m.persistNodes()
	m.bus.Publish(eventbus.EventNodeRegistered, map[string]any{
		"node_id": node.ID,
		"name":    node.Name,
		"type":    string(node.Type),
		"status":  string(node.Status),
	})
	m.logger.Info("node registered", "node_id", node.ID, "type", node.Type, "capabilities", node.Capabilities)
	return snapshot, nil
}

// Heartbeat refreshes a node's liveness and merges reported stats.
func (m *Manager) Heartbeat(nodeID string, payload HeartbeatPayload, connectionID string) error {
	m.mu.Lock()
	node, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return &ErrorInfo{Code: ErrCodeNodeNotFound, Message: fmt.Sprintf("node %s is not registered", nodeID)}
	}

	now := time.Now()
	node.LastHeartbeat = now
	node.LastSeen = now
	if connectionID != "" {
		node.ConnectionID = connectionID
	}
	if payload.ActiveTasks != nil {
		node.Stats.Active = *payload.ActiveTasks
	}
	if payload.AvgResponseMs != nil {
		node.Stats.AvgResponseMs = *payload.AvgResponseMs
	}

	oldStatus := node.Status
	if payload.Status != "" {
		node.Status = payload.Status
	} else if node.Status == NodeStatusOffline || node.Status == NodeStatusUnknown {
		node.Status = NodeStatusOnline
	}
	newStatus := node.Status
	m.mu.Unlock()

	m.bus.Publish(eventbus.EventNodeHeartbeat, map[string]any{
		"node_id": nodeID,
		"status":  string(newStatus),
	})
	if oldStatus != newStatus {
		m.publishStatusChange(nodeID, oldStatus, newStatus)
	}
	return nil
}

// ConnectionClosed marks every node bound to the connection offline.
func (m *Manager) ConnectionClosed(connectionID string) {
	if connectionID == "" {
		return
	}

	var affected []string
	m.mu.Lock()
	for id, node := range m.nodes {
		if node.ConnectionID == connectionID && node.Status != NodeStatusOffline {
			node.Status = NodeStatusOffline
			affected = append(affected, id)
		}
	}
	m.mu.Unlock()

	for _, id := range affected {
		m.bus.Publish(eventbus.EventNodeDisconnected, map[string]any{
			"node_id":       id,
			"connection_id": connectionID,
		})
	}
	if len(affected) > 0 {
		m.persistNodes()
		m.logger.Info("connection closed, nodes offline", "connection_id", connectionID, "nodes", affected)
	}
}

// Unregister removes a node.
func (m *Manager) Unregister(nodeID string) error {
	m.mu.Lock()
	_, ok := m.nodes[nodeID]
	if ok {
		delete(m.nodes, nodeID)
		delete(m.assigned, nodeID)
	}
	m.mu.Unlock()

	if !ok {
		return &ErrorInfo{Code: ErrCodeNodeNotFound, Message: fmt.Sprintf("node %s is not registered", nodeID)}
	}
	m.persistNodes()
	m.bus.Publish(eventbus.EventNodeUnregistered, map[string]any{"node_id": nodeID})
	m.logger.Info("node unregistered", "node_id", nodeID)
	return nil
}

// GetNode returns a copy of the node, or nil.
func (m *Manager) GetNode(nodeID string) *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if node, ok := m.nodes[nodeID]; ok {
		return node.Clone()
	}
	return nil
}

// ListNodes returns copies of all nodes.
func (m *Manager) ListNodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		out = append(out, node.Clone())
	}
	return out
}

// StartMonitor launches the heartbeat monitor loop.
func (m *Manager) StartMonitor() {
	m.monitorOnce.Do(func() {
		m.monitorStop = make(chan struct{})
		go m.monitorLoop()
	})
}

// Close stops the monitor, aborts in-flight streams, and fails pending
// tasks.
func (m *Manager) Close() {
	if m.monitorStop != nil {
		select {
		case <-m.monitorStop:
		default:
			close(m.monitorStop)
		}
	}

	m.streamsMu.Lock()
	for _, cancel := range m.streams {
		cancel()
	}
	m.streams = make(map[string]context.CancelFunc)
	m.streamsMu.Unlock()

	m.pendingMu.Lock()
	pending := make([]*pendingTask, 0, len(m.pending))
	for _, p := range m.pending {
		pending = append(pending, p)
	}
	m.pending = make(map[string]*pendingTask)
	m.pendingMu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
		p.reject(fmt.Errorf("fleet manager shutting down"))
	}
}

func (m *Manager) monitorLoop() {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.monitorStop:
			return
		case <-ticker.C:
			m.CheckHeartbeats()
		}
	}
}

// CheckHeartbeats transitions nodes with stale heartbeats to offline.
func (m *Manager) CheckHeartbeats() {
	cutoff := time.Now().Add(-m.config.HeartbeatTimeout)

	type transition struct {
		nodeID string
		from   NodeStatus
	}
	var stale []transition

	m.mu.Lock()
	for id, node := range m.nodes {
		if node.Status != NodeStatusOffline && node.LastHeartbeat.Before(cutoff) {
			stale = append(stale, transition{nodeID: id, from: node.Status})
			node.Status = NodeStatusOffline
		}
	}
	m.mu.Unlock()

	for _, tr := range stale {
		m.publishStatusChange(tr.nodeID, tr.from, NodeStatusOffline)
		m.logger.Warn("node heartbeat timed out", "node_id", tr.nodeID)
	}
	if len(stale) > 0 {
		m.persistNodes()
	}
}

func (m *Manager) publishStatusChange(nodeID string, from, to NodeStatus) {
	m.bus.Publish(eventbus.EventNodeStatusChange, map[string]any{
		"node_id":    nodeID,
		"old_status": string(from),
		"new_status": string(to),
	})
}

// setStatus updates a node's status under the table lock and publishes the
// change. No-op for unknown nodes.
func (m *Manager) setStatus(nodeID string, status NodeStatus) {
	m.mu.Lock()
	node, ok := m.nodes[nodeID]
	var old NodeStatus
	if ok {
		old = node.Status
		node.Status = status
	}
	m.mu.Unlock()

	if ok && old != status {
		m.publishStatusChange(nodeID, old, status)
	}
}

func (m *Manager) loadNodes() error {
	if m.nodesFile == nil {
		return nil
	}
	var nodes []*Node
	found, err := m.nodesFile.Load(&nodes)
	if err != nil {
		return fmt.Errorf("failed to load node table: %w", err)
	}
	if !found {
		return nil
	}

	m.mu.Lock()
	for _, node := range nodes {
		// A restart severs every connection; liveness must be re-proven.
		node.Status = NodeStatusOffline
		node.ConnectionID = ""
		node.Stats.Active = 0
		m.nodes[node.ID] = node
	}
	m.mu.Unlock()
	m.logger.Info("node table restored", "count", len(nodes))
	return nil
}

// persistNodes writes the node table snapshot under the distributed lock.
// Persistence failures are logged, not fatal: the in-memory table stays
// authoritative.
func (m *Manager) persistNodes() {
	if m.nodesFile == nil {
		return
	}

	m.mu.RLock()
	snapshot := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		snapshot = append(snapshot, node.Clone())
	}
	m.mu.RUnlock()

	save := func() error { return m.nodesFile.Save(snapshot) }
	var err error
	if m.locks != nil {
		err = m.locks.WithLock(context.Background(), "nodes", save)
	} else {
		err = save()
	}
	if err != nil {
		m.logger.Error("failed to persist node table", "error", err)
	}
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
