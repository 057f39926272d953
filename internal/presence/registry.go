// Package presence announces scribe nodes on the bus and tracks their
// heartbeats so presenters can discover which transcribers are reachable.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Descriptor is what a node advertises about itself.
type Descriptor struct {
	Runtime string `json:"runtime"`
	Capture string `json:"capture"`
	STT     string `json:"stt"`
}

type NodeInfo struct {
	ID         string     `json:"id"`
	Descriptor Descriptor `json:"descriptor"`
	State      string     `json:"state"`
	LastSeen   time.Time  `json:"last_seen"`
	Healthy    bool       `json:"healthy"`
}

type announceMessage struct {
	NodeID     string     `json:"node_id"`
	Descriptor Descriptor `json:"descriptor"`
	State      string     `json:"state"`
	Timestamp  time.Time  `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg    config.PresenceConfig
	local  Descriptor
	state  func() string
	log    *slog.Logger
	bus    *bus.Client
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	meter  metric.Meter
}

// NewRegistry subscribes to node traffic, announces the local node and
// starts heartbeating. state reports the local recording state and may be nil.
func NewRegistry(ctx context.Context, cfg config.PresenceConfig, local Descriptor, state func() string, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if busClient == nil {
		return nil, fmt.Errorf("presence requires a bus connection")
	}
	if state == nil {
		state = func() string { return "" }
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		state:  state,
		log:    log.With(slog.String("component", "presence"), slog.String("node_id", cfg.NodeID)),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-scribe/presence"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) announceSubject() string {
	return r.cfg.SubjectPrefix + ".announce"
}

func (r *Registry) heartbeatSubject(nodeID string) string {
	return r.cfg.SubjectPrefix + ".heartbeat." + nodeID
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(r.announceSubject(), r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(r.heartbeatSubject("*"), r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return conn.Flush()
}

func (r *Registry) interval() time.Duration {
	return time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.evaluateHealth(now)
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:     r.cfg.NodeID,
		Descriptor: r.local,
		State:      r.state(),
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(r.announceSubject(), payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, &msg.Descriptor, msg.State, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.NodeID,
		State:     r.state(),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(r.heartbeatSubject(r.cfg.NodeID), payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	known := r.known(announcement.NodeID)
	r.updateNode(announcement.NodeID, &announcement.Descriptor, announcement.State, announcement.Timestamp)
	// A newcomer has not seen earlier announcements; answer with ours.
	if !known && announcement.NodeID != r.cfg.NodeID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, nil, hb.State, hb.Timestamp)
}

func (r *Registry) known(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return ok
}

func (r *Registry) updateNode(nodeID string, desc *Descriptor, state string, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if desc != nil {
		node.Descriptor = *desc
	}
	if state != "" {
		node.State = state
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node's own heartbeats are arriving.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.NodeID]
	return ok && node.Healthy
}

// Nodes returns the known nodes sorted by ID, optionally filtered.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func WithState(state string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return node.State == state
	}
}

func WithSTTMode(mode string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return node.Descriptor.STT == mode
	}
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("scribe.presence.nodes", metric.WithDescription("Number of known scribe nodes"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("scribe.presence.healthy", metric.WithDescription("Number of scribe nodes with fresh heartbeats"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, ok := r.counts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) counts() (total, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		total++
		if node.Healthy {
			healthy++
		}
	}
	return total, healthy
}
