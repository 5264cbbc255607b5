package mqtt

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"zigbee-profiles/internal/commission"
	"zigbee-profiles/internal/gateway"
)

const (
	testCoordinator = "0x00124b0000000001"
	testSensor      = "0x8c65a3fffe000001"
)

func startGateway(t *testing.T, cfg Config) (*Gateway, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	g := newGateway(client, cfg, newTestLogger())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return g, client
}

func TestGatewaySubscribes(t *testing.T) {
	_, client := startGateway(t, Config{})
	for _, topic := range []string{
		"zigbee2mqtt/bridge/devices",
		"zigbee2mqtt/bridge/event",
		"zigbee2mqtt/bridge/response/device/bind",
		"zigbee2mqtt/bridge/response/device/configure_reporting",
	} {
		if _, ok := client.subs[topic]; !ok {
			t.Errorf("not subscribed to %s", topic)
		}
	}
}

func TestGatewayConnectHooks(t *testing.T) {
	client := newFakeClient()
	g := newGateway(client, Config{}, newTestLogger())
	calls := 0
	g.OnConnect(func() { calls++ })
	g.OnConnect(func() { calls++ })
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("hooks called %d times, want 2", calls)
	}
}

func TestGatewayInventory(t *testing.T) {
	g, client := startGateway(t, Config{})
	client.deliverJSON("zigbee2mqtt/bridge/devices", inventory(testSensor, "esp32c6", "10", "11"))

	devices := g.Devices()
	if len(devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(devices))
	}
	if devices[0].IEEEAddress != testCoordinator {
		t.Errorf("devices not sorted: %s first", devices[0].IEEEAddress)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	coord, err := g.Coordinator(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if coord != (commission.Endpoint{Device: testCoordinator, ID: gateway.CoordinatorEndpoint}) {
		t.Errorf("coordinator = %v", coord)
	}

	d, err := g.Device(ctx, testSensor)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(d.EndpointIDs(), []uint8{10, 11}) {
		t.Errorf("endpoints = %v", d.EndpointIDs())
	}
	if d.ModelID != "esp32c6" || d.FriendlyName != "boiler" || !d.Interviewed {
		t.Errorf("device = %+v", d)
	}
	if got := d.Endpoints[10].InClusters; !reflect.DeepEqual(got, []string{"genBasic", "msTemperatureMeasurement"}) {
		t.Errorf("in clusters = %v", got)
	}
	if _, err := d.Endpoint(12); !errors.Is(err, commission.ErrEndpointNotFound) {
		t.Errorf("Endpoint(12) err = %v, want ErrEndpointNotFound", err)
	}
}

func TestGatewayDeviceWaitsForInventory(t *testing.T) {
	g, client := startGateway(t, Config{})

	done := make(chan *gateway.DeviceInfo, 1)
	go func() {
		d, err := g.Device(context.Background(), testSensor)
		if err != nil {
			t.Error(err)
		}
		done <- d
	}()

	// An inventory without the sensor does not satisfy the wait.
	client.deliverJSON("zigbee2mqtt/bridge/devices", inventory("0x0000000000000002", "other", "1"))
	select {
	case <-done:
		t.Fatal("Device returned before the sensor appeared")
	case <-time.After(20 * time.Millisecond):
	}

	client.deliverJSON("zigbee2mqtt/bridge/devices", inventory(testSensor, "esp32c6", "10"))
	select {
	case d := <-done:
		if d == nil || d.IEEEAddress != testSensor {
			t.Errorf("device = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("Device did not return")
	}
}

func TestGatewayDeviceTimeout(t *testing.T) {
	g, _ := startGateway(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.Device(ctx, testSensor); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if _, err := g.Coordinator(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("coordinator err = %v, want DeadlineExceeded", err)
	}
}

func TestGatewayBind(t *testing.T) {
	g, client := startGateway(t, Config{})
	var got map[string]any
	client.respond("zigbee2mqtt", func(name string, req map[string]any) (string, string) {
		if name == requestBind {
			got = req
		}
		return "ok", ""
	})

	ep := commission.Endpoint{Device: testSensor, ID: 10}
	coord := commission.Endpoint{Device: testCoordinator, ID: 1}
	if err := g.Bind(context.Background(), ep, coord, []string{"msTemperatureMeasurement"}); err != nil {
		t.Fatal(err)
	}

	if got["from"] != testSensor || got["from_endpoint"] != float64(10) {
		t.Errorf("from = %v/%v", got["from"], got["from_endpoint"])
	}
	if got["to"] != testCoordinator || got["to_endpoint"] != float64(1) {
		t.Errorf("to = %v/%v", got["to"], got["to_endpoint"])
	}
	if !reflect.DeepEqual(got["clusters"], []any{"msTemperatureMeasurement"}) {
		t.Errorf("clusters = %v", got["clusters"])
	}
	if tx, _ := got["transaction"].(string); tx == "" {
		t.Error("request has no transaction id")
	}
	if len(g.pending) != 0 {
		t.Errorf("pending requests left: %d", len(g.pending))
	}
}

func TestGatewayConfigureReporting(t *testing.T) {
	g, client := startGateway(t, Config{})
	var got map[string]any
	client.respond("zigbee2mqtt", func(name string, req map[string]any) (string, string) {
		got = req
		return "ok", ""
	})

	ep := commission.Endpoint{Device: testSensor, ID: 11}
	rep := commission.Reporting{Cluster: "msTemperatureMeasurement", Attribute: "measuredValue", Min: 30, Max: 600, Change: 5}
	if err := g.ConfigureReporting(context.Background(), ep, rep); err != nil {
		t.Fatal(err)
	}

	want := map[string]any{
		"id":                      testSensor + "/11",
		"cluster":                 "msTemperatureMeasurement",
		"attribute":               "measuredValue",
		"minimum_report_interval": float64(30),
		"maximum_report_interval": float64(600),
		"reportable_change":       float64(5),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestGatewayRequestError(t *testing.T) {
	g, client := startGateway(t, Config{})
	client.respond("zigbee2mqtt", func(string, map[string]any) (string, string) {
		return "error", "Failed to bind: MAC_NO_ACK"
	})

	err := g.Bind(context.Background(), commission.Endpoint{Device: testSensor, ID: 10}, commission.Endpoint{Device: testCoordinator, ID: 1}, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want *RequestError", err)
	}
	if reqErr.Request != requestBind || reqErr.Message != "Failed to bind: MAC_NO_ACK" {
		t.Errorf("request error = %+v", reqErr)
	}
	if err.Error() != "zigbee2mqtt device/bind: Failed to bind: MAC_NO_ACK" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestGatewayRequestTimeout(t *testing.T) {
	g, client := startGateway(t, Config{RequestTimeout: 20 * time.Millisecond})
	client.respond("zigbee2mqtt", func(string, map[string]any) (string, string) { return "", "" })

	err := g.Bind(context.Background(), commission.Endpoint{Device: testSensor, ID: 10}, commission.Endpoint{Device: testCoordinator, ID: 1}, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
	if len(g.pending) != 0 {
		t.Errorf("pending requests left: %d", len(g.pending))
	}
}

func TestGatewayRequestCanceled(t *testing.T) {
	g, client := startGateway(t, Config{})
	client.respond("zigbee2mqtt", func(string, map[string]any) (string, string) { return "", "" })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Bind(ctx, commission.Endpoint{Device: testSensor, ID: 10}, commission.Endpoint{Device: testCoordinator, ID: 1}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want Canceled", err)
	}
}

func TestGatewayResponseCorrelation(t *testing.T) {
	g, client := startGateway(t, Config{RequestTimeout: 50 * time.Millisecond})
	// Answer with a foreign transaction first; it must not resolve the request.
	client.respond("zigbee2mqtt", func(name string, req map[string]any) (string, string) {
		client.deliverJSON("zigbee2mqtt/bridge/response/"+name, map[string]any{
			"status": "error", "error": "not yours", "transaction": "other",
		})
		return "ok", ""
	})

	if err := g.Bind(context.Background(), commission.Endpoint{Device: testSensor, ID: 10}, commission.Endpoint{Device: testCoordinator, ID: 1}, nil); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestGatewayEvents(t *testing.T) {
	g, client := startGateway(t, Config{})
	var joined []gateway.DeviceJoinedEvent
	var interviewed []gateway.DeviceInterviewedEvent
	var left []gateway.DeviceLeftEvent
	g.OnDeviceJoined(func(e gateway.DeviceJoinedEvent) { joined = append(joined, e) })
	g.OnDeviceInterviewed(func(e gateway.DeviceInterviewedEvent) { interviewed = append(interviewed, e) })
	g.OnDeviceLeft(func(e gateway.DeviceLeftEvent) { left = append(left, e) })

	event := func(typ, status string) map[string]any {
		return map[string]any{
			"type": typ,
			"data": map[string]any{"ieee_address": testSensor, "friendly_name": "boiler", "status": status},
		}
	}

	client.deliverJSON("zigbee2mqtt/bridge/event", event("device_joined", ""))
	client.deliverJSON("zigbee2mqtt/bridge/event", event("device_interview", "started"))
	client.deliverJSON("zigbee2mqtt/bridge/event", event("device_interview", "successful"))
	if len(joined) != 1 || joined[0].FriendlyName != "boiler" {
		t.Errorf("joined = %+v", joined)
	}
	if len(interviewed) != 0 {
		t.Fatalf("interviewed fired before model id was known: %+v", interviewed)
	}

	// The inventory published after the interview carries the model id.
	client.deliverJSON("zigbee2mqtt/bridge/devices", inventory(testSensor, "esp32c6", "10", "11"))
	if len(interviewed) != 1 {
		t.Fatalf("interviewed = %+v", interviewed)
	}
	want := gateway.DeviceInterviewedEvent{IEEEAddress: testSensor, FriendlyName: "boiler", ModelID: "esp32c6", Manufacturer: "ESPRESSIF"}
	if interviewed[0] != want {
		t.Errorf("interviewed = %+v, want %+v", interviewed[0], want)
	}

	// Known model: fires immediately; a later inventory does not fire again.
	client.deliverJSON("zigbee2mqtt/bridge/event", event("device_interview", "successful"))
	client.deliverJSON("zigbee2mqtt/bridge/devices", inventory(testSensor, "esp32c6", "10", "11"))
	if len(interviewed) != 2 {
		t.Errorf("interviewed = %d, want 2", len(interviewed))
	}

	client.deliverJSON("zigbee2mqtt/bridge/event", event("device_leave", ""))
	if len(left) != 1 || left[0].IEEEAddress != testSensor {
		t.Errorf("left = %+v", left)
	}
}

func TestGatewayIgnoresMalformedPayloads(t *testing.T) {
	g, client := startGateway(t, Config{})
	client.deliver("zigbee2mqtt/bridge/devices", []byte("not json"))
	client.deliver("zigbee2mqtt/bridge/event", []byte("{"))
	client.deliver("zigbee2mqtt/bridge/response/device/bind", []byte("[]"))
	if len(g.Devices()) != 0 {
		t.Error("malformed inventory accepted")
	}
}

func TestGatewayCommissionsESP32C6(t *testing.T) {
	g, client := startGateway(t, Config{})
	client.deliverJSON("zigbee2mqtt/bridge/devices", inventory(testSensor, "esp32c6", "10", "11"))

	var requests []string
	client.respond("zigbee2mqtt", func(name string, req map[string]any) (string, string) {
		switch name {
		case requestBind:
			requests = append(requests, "bind "+req["from"].(string))
		case requestReporting:
			requests = append(requests, "report "+req["id"].(string))
		}
		return "ok", ""
	})

	ctx := context.Background()
	d, err := g.Device(ctx, testSensor)
	if err != nil {
		t.Fatal(err)
	}
	coord, err := g.Coordinator(ctx)
	if err != nil {
		t.Fatal(err)
	}
	res := commission.Run(ctx, g, d, coord, &esp32c6, commission.WithLogger(newTestLogger()))
	if err := res.Err(); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"bind " + testSensor,
		"report " + testSensor + "/10",
		"bind " + testSensor,
		"report " + testSensor + "/11",
	}
	if !reflect.DeepEqual(requests, want) {
		t.Errorf("requests = %v, want %v", requests, want)
	}
}
