package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"zigbee-profiles/internal/commission"
	"zigbee-profiles/internal/gateway"
)

// ErrTimeout is returned when zigbee2mqtt does not answer a request in time.
var ErrTimeout = errors.New("bridge request timed out")

// RequestError is a request zigbee2mqtt answered with a non-ok status.
type RequestError struct {
	Request string
	Status  string
	Message string
}

func (e *RequestError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "status " + e.Status
	}
	return fmt.Sprintf("zigbee2mqtt %s: %s", e.Request, msg)
}

const (
	requestBind      = "device/bind"
	requestReporting = "device/configure_reporting"
)

var _ gateway.Gateway = (*Gateway)(nil)

// Gateway is a gateway.Gateway backed by the zigbee2mqtt bridge API.
type Gateway struct {
	client pahomqtt.Client
	cfg    Config
	logger *slog.Logger

	// Inventory from <base>/bridge/devices. changed is closed and replaced
	// on every update.
	mu          sync.RWMutex
	devices     map[string]*gateway.DeviceInfo
	coordinator string
	changed     chan struct{}
	// Devices whose interview succeeded before the inventory carried their
	// model id.
	awaiting map[string]string

	pendMu  sync.Mutex
	pending map[string]chan bridgeResponse

	hookMu       sync.Mutex
	connectHooks []func()

	onJoined      func(gateway.DeviceJoinedEvent)
	onInterviewed func(gateway.DeviceInterviewedEvent)
	onLeft        func(gateway.DeviceLeftEvent)
}

// NewGateway creates a zigbee2mqtt gateway with its own MQTT client.
func NewGateway(cfg Config, logger *slog.Logger) *Gateway {
	g := newGateway(nil, cfg, logger)
	g.client = NewClient(cfg, logger, g.handleConnect)
	return g
}

func newGateway(client pahomqtt.Client, cfg Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		client:   client,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "z2m"),
		devices:  make(map[string]*gateway.DeviceInfo),
		changed:  make(chan struct{}),
		awaiting: make(map[string]string),
		pending:  make(map[string]chan bridgeResponse),
	}
}

// Client returns the underlying MQTT client.
func (g *Gateway) Client() pahomqtt.Client {
	return g.client
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config {
	return g.cfg
}

// OnConnect registers fn to run after every (re)connect.
func (g *Gateway) OnConnect(fn func()) {
	g.hookMu.Lock()
	g.connectHooks = append(g.connectHooks, fn)
	g.hookMu.Unlock()
}

// Start connects to the broker and subscribes to the bridge topics.
func (g *Gateway) Start(ctx context.Context) error {
	if g.client.IsConnected() {
		g.handleConnect()
		return nil
	}
	timeout := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return Connect(g.client, timeout)
}

// Close disconnects from the broker.
func (g *Gateway) Close() error {
	if g.client.IsConnected() {
		g.client.Disconnect(250)
	}
	return nil
}

func (g *Gateway) handleConnect() {
	g.subscribe()
	g.hookMu.Lock()
	hooks := append([]func(){}, g.connectHooks...)
	g.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (g *Gateway) subscribe() {
	base := g.cfg.BaseTopic
	subs := map[string]pahomqtt.MessageHandler{
		base + "/bridge/devices":                      g.handleDevices,
		base + "/bridge/event":                        g.handleEvent,
		base + "/bridge/response/" + requestBind:      g.handleResponse,
		base + "/bridge/response/" + requestReporting: g.handleResponse,
	}
	for topic, h := range subs {
		token := g.client.Subscribe(topic, 1, h)
		if !token.WaitTimeout(5 * time.Second) {
			g.logger.Warn("subscribe timeout", "topic", topic)
			continue
		}
		if err := token.Error(); err != nil {
			g.logger.Error("subscribe", "topic", topic, "err", err)
		}
	}
	g.logger.Info("subscribed to bridge", "base", base)
}

// OnDeviceJoined sets the handler for joins and announces.
func (g *Gateway) OnDeviceJoined(h func(gateway.DeviceJoinedEvent)) { g.onJoined = h }

// OnDeviceInterviewed sets the handler for successful interviews.
func (g *Gateway) OnDeviceInterviewed(h func(gateway.DeviceInterviewedEvent)) {
	g.onInterviewed = h
}

// OnDeviceLeft sets the handler for leaves.
func (g *Gateway) OnDeviceLeft(h func(gateway.DeviceLeftEvent)) { g.onLeft = h }

// bridgeDevice is one entry of <base>/bridge/devices.
type bridgeDevice struct {
	IEEEAddress        string `json:"ieee_address"`
	FriendlyName       string `json:"friendly_name"`
	Type               string `json:"type"`
	ModelID            string `json:"model_id"`
	Manufacturer       string `json:"manufacturer"`
	InterviewCompleted bool   `json:"interview_completed"`
	Endpoints          map[string]struct {
		Clusters struct {
			Input  []string `json:"input"`
			Output []string `json:"output"`
		} `json:"clusters"`
	} `json:"endpoints"`
}

func (d bridgeDevice) info() *gateway.DeviceInfo {
	info := &gateway.DeviceInfo{
		IEEEAddress:  d.IEEEAddress,
		FriendlyName: d.FriendlyName,
		Type:         d.Type,
		ModelID:      d.ModelID,
		Manufacturer: d.Manufacturer,
		Interviewed:  d.InterviewCompleted,
		Endpoints:    make(map[uint8]gateway.EndpointInfo, len(d.Endpoints)),
	}
	for key, ep := range d.Endpoints {
		id, err := strconv.ParseUint(key, 10, 8)
		if err != nil {
			continue
		}
		info.Endpoints[uint8(id)] = gateway.EndpointInfo{
			InClusters:  ep.Clusters.Input,
			OutClusters: ep.Clusters.Output,
		}
	}
	return info
}

func (g *Gateway) handleDevices(_ pahomqtt.Client, msg pahomqtt.Message) {
	var list []bridgeDevice
	if err := json.Unmarshal(msg.Payload(), &list); err != nil {
		g.logger.Warn("invalid bridge/devices payload", "err", err)
		return
	}

	devices := make(map[string]*gateway.DeviceInfo, len(list))
	coordinator := ""
	for _, d := range list {
		if d.IEEEAddress == "" {
			continue
		}
		devices[d.IEEEAddress] = d.info()
		if d.Type == "Coordinator" {
			coordinator = d.IEEEAddress
		}
	}

	var ready []gateway.DeviceInterviewedEvent
	g.mu.Lock()
	g.devices = devices
	if coordinator != "" {
		g.coordinator = coordinator
	}
	for ieee, friendly := range g.awaiting {
		d, ok := devices[ieee]
		if !ok || d.ModelID == "" {
			continue
		}
		delete(g.awaiting, ieee)
		ready = append(ready, interviewedEvent(d, friendly))
	}
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()

	g.logger.Debug("inventory updated", "devices", len(devices))
	for _, evt := range ready {
		g.fireInterviewed(evt)
	}
}

func interviewedEvent(d *gateway.DeviceInfo, friendly string) gateway.DeviceInterviewedEvent {
	if friendly == "" {
		friendly = d.FriendlyName
	}
	return gateway.DeviceInterviewedEvent{
		IEEEAddress:  d.IEEEAddress,
		FriendlyName: friendly,
		ModelID:      d.ModelID,
		Manufacturer: d.Manufacturer,
	}
}

type bridgeEvent struct {
	Type string `json:"type"`
	Data struct {
		IEEEAddress  string `json:"ieee_address"`
		FriendlyName string `json:"friendly_name"`
		Status       string `json:"status"`
	} `json:"data"`
}

func (g *Gateway) handleEvent(_ pahomqtt.Client, msg pahomqtt.Message) {
	var evt bridgeEvent
	if err := json.Unmarshal(msg.Payload(), &evt); err != nil {
		g.logger.Warn("invalid bridge/event payload", "err", err)
		return
	}
	ieee := evt.Data.IEEEAddress
	if ieee == "" {
		return
	}

	switch evt.Type {
	case "device_joined", "device_announce":
		g.logger.Debug("device joined", "ieee", ieee, "event", evt.Type)
		if g.onJoined != nil {
			g.onJoined(gateway.DeviceJoinedEvent{IEEEAddress: ieee, FriendlyName: evt.Data.FriendlyName})
		}
	case "device_interview":
		switch evt.Data.Status {
		case "successful":
			g.mu.Lock()
			d, ok := g.devices[ieee]
			if !ok || d.ModelID == "" {
				// Model id arrives with the next inventory.
				g.awaiting[ieee] = evt.Data.FriendlyName
				g.mu.Unlock()
				return
			}
			g.mu.Unlock()
			g.fireInterviewed(interviewedEvent(d, evt.Data.FriendlyName))
		case "failed":
			g.logger.Warn("device interview failed", "ieee", ieee, "name", evt.Data.FriendlyName)
		}
	case "device_leave", "device_removed":
		g.mu.Lock()
		delete(g.awaiting, ieee)
		g.mu.Unlock()
		if g.onLeft != nil {
			g.onLeft(gateway.DeviceLeftEvent{IEEEAddress: ieee, FriendlyName: evt.Data.FriendlyName})
		}
	}
}

func (g *Gateway) fireInterviewed(evt gateway.DeviceInterviewedEvent) {
	g.logger.Debug("device interviewed", "ieee", evt.IEEEAddress, "model", evt.ModelID)
	if g.onInterviewed != nil {
		g.onInterviewed(evt)
	}
}

// Devices returns the current inventory sorted by IEEE address.
func (g *Gateway) Devices() []gateway.DeviceInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]gateway.DeviceInfo, 0, len(g.devices))
	for _, d := range g.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IEEEAddress < out[j].IEEEAddress })
	return out
}

// Device waits until ieee appears in the inventory with at least one
// endpoint, or ctx ends.
func (g *Gateway) Device(ctx context.Context, ieee string) (*gateway.DeviceInfo, error) {
	for {
		g.mu.RLock()
		d, ok := g.devices[ieee]
		changed := g.changed
		g.mu.RUnlock()
		if ok && len(d.Endpoints) > 0 {
			cp := *d
			return &cp, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("device %s not in inventory: %w", ieee, ctx.Err())
		}
	}
}

// Coordinator returns the coordinator endpoint devices bind to. It waits
// for the first inventory if none arrived yet.
func (g *Gateway) Coordinator(ctx context.Context) (commission.Endpoint, error) {
	for {
		g.mu.RLock()
		ieee := g.coordinator
		changed := g.changed
		g.mu.RUnlock()
		if ieee != "" {
			return commission.Endpoint{Device: ieee, ID: gateway.CoordinatorEndpoint}, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return commission.Endpoint{}, fmt.Errorf("coordinator not in inventory: %w", ctx.Err())
		}
	}
}

// Bind binds clusters on ep to target.
func (g *Gateway) Bind(ctx context.Context, ep, target commission.Endpoint, clusters []string) error {
	return g.request(ctx, requestBind, map[string]any{
		"from":          ep.Device,
		"from_endpoint": ep.ID,
		"to":            target.Device,
		"to_endpoint":   target.ID,
		"clusters":      clusters,
	})
}

// ConfigureReporting configures attribute reporting on ep.
func (g *Gateway) ConfigureReporting(ctx context.Context, ep commission.Endpoint, r commission.Reporting) error {
	return g.request(ctx, requestReporting, map[string]any{
		"id":                      ep.String(),
		"cluster":                 r.Cluster,
		"attribute":               r.Attribute,
		"minimum_report_interval": r.Min,
		"maximum_report_interval": r.Max,
		"reportable_change":       r.Change,
	})
}

type bridgeResponse struct {
	Data        json.RawMessage `json:"data"`
	Status      string          `json:"status"`
	Error       string          `json:"error"`
	Transaction string          `json:"transaction"`
}

func (g *Gateway) handleResponse(_ pahomqtt.Client, msg pahomqtt.Message) {
	var resp bridgeResponse
	if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
		g.logger.Warn("invalid bridge response", "topic", msg.Topic(), "err", err)
		return
	}
	if resp.Transaction == "" {
		return
	}
	g.pendMu.Lock()
	ch, ok := g.pending[resp.Transaction]
	delete(g.pending, resp.Transaction)
	g.pendMu.Unlock()
	if !ok {
		g.logger.Debug("response for unknown transaction", "transaction", resp.Transaction)
		return
	}
	ch <- resp
}

// request publishes a bridge request and waits for the response carrying
// the same transaction id.
func (g *Gateway) request(ctx context.Context, name string, payload map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	tx := uuid.NewString()
	payload["transaction"] = tx
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	ch := make(chan bridgeResponse, 1)
	g.pendMu.Lock()
	g.pending[tx] = ch
	g.pendMu.Unlock()
	defer func() {
		g.pendMu.Lock()
		delete(g.pending, tx)
		g.pendMu.Unlock()
	}()

	topic := g.cfg.BaseTopic + "/bridge/request/" + name
	token := g.client.Publish(topic, 1, false, data)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", name, err)
		}
	case <-ctx.Done():
		return requestErr(ctx, name, tx)
	}

	select {
	case resp := <-ch:
		if resp.Status != "ok" {
			return &RequestError{Request: name, Status: resp.Status, Message: resp.Error}
		}
		return nil
	case <-ctx.Done():
		return requestErr(ctx, name, tx)
	}
}

func requestErr(ctx context.Context, name, tx string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s (transaction %s): %w", name, tx, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", name, ctx.Err())
}
