package mqtt

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// fakeClient is an in-memory pahomqtt.Client. onPublish runs synchronously
// for every publish, standing in for zigbee2mqtt.
type fakeClient struct {
	mu        sync.Mutex
	connected bool
	subs      map[string]pahomqtt.MessageHandler
	published []published
	onPublish func(topic string, payload []byte)
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, subs: make(map[string]pahomqtt.MessageHandler)}
}

func (c *fakeClient) IsConnected() bool      { return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.connected }
func (c *fakeClient) Connect() pahomqtt.Token {
	c.connected = true
	return doneToken(nil)
}
func (c *fakeClient) Disconnect(quiesce uint) { c.connected = false }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	c.mu.Lock()
	c.published = append(c.published, published{Topic: topic, Retained: retained, Payload: data})
	hook := c.onPublish
	c.mu.Unlock()
	if hook != nil {
		hook(topic, data)
	}
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	c.subs[topic] = callback
	c.mu.Unlock()
	return doneToken(nil)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, callback)
	}
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()
	return doneToken(nil)
}

func (c *fakeClient) AddRoute(topic string, callback pahomqtt.MessageHandler) {
	c.Subscribe(topic, 0, callback)
}

func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// deliver hands payload to the subscriber of topic, if any.
func (c *fakeClient) deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.subs[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, &fakeMessage{topic: topic, payload: payload})
	return true
}

func (c *fakeClient) deliverJSON(topic string, v any) bool {
	data, _ := json.Marshal(v)
	return c.deliver(topic, data)
}

// Published returns publishes to topic, oldest first.
func (c *fakeClient) Published(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, p := range c.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeClient) last(topic string) (published, bool) {
	ps := c.Published(topic)
	if len(ps) == 0 {
		return published{}, false
	}
	return ps[len(ps)-1], true
}

// respond makes the fake answer bridge requests. An empty status leaves
// the request unanswered.
func (c *fakeClient) respond(base string, answer func(request string, req map[string]any) (status, errMsg string)) {
	prefix := base + "/bridge/request/"
	c.onPublish = func(topic string, payload []byte) {
		if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
			return
		}
		name := topic[len(prefix):]
		var req map[string]any
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
		status, errMsg := answer(name, req)
		if status == "" {
			return
		}
		c.deliverJSON(base+"/bridge/response/"+name, map[string]any{
			"data":        req,
			"status":      status,
			"error":       errMsg,
			"transaction": req["transaction"],
		})
	}
}

// inventory is a zigbee2mqtt bridge/devices payload with a coordinator and
// one sensor exposing the given endpoints.
func inventory(sensor, model string, eps ...string) []map[string]any {
	endpoints := make(map[string]any)
	for _, ep := range eps {
		endpoints[ep] = map[string]any{
			"clusters": map[string]any{
				"input":  []string{"genBasic", "msTemperatureMeasurement"},
				"output": []string{},
			},
		}
	}
	return []map[string]any{
		{
			"ieee_address":        "0x00124b0000000001",
			"friendly_name":       "Coordinator",
			"type":                "Coordinator",
			"interview_completed": true,
			"endpoints":           map[string]any{"1": map[string]any{}},
		},
		{
			"ieee_address":        sensor,
			"friendly_name":       "boiler",
			"type":                "Router",
			"model_id":            model,
			"manufacturer":        "ESPRESSIF",
			"interview_completed": true,
			"endpoints":           endpoints,
		},
	}
}
