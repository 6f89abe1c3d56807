package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/pnvantage/internal/component"
	"github.com/HerbHall/pnvantage/internal/event"
	"github.com/HerbHall/pnvantage/internal/metrics"
	"github.com/HerbHall/pnvantage/internal/profinet/ar"
	"github.com/HerbHall/pnvantage/internal/profinet/authority"
	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"github.com/HerbHall/pnvantage/internal/profinet/dcp"
	"github.com/HerbHall/pnvantage/internal/registry"
	"github.com/HerbHall/pnvantage/pkg/models"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeController records calls and returns canned errors keyed by method.
type fakeController struct {
	mu      sync.Mutex
	devices map[string]models.RTU
	errs    map[string]error
	calls   []string
}

func newFakeController() *fakeController {
	return &fakeController{
		devices: map[string]models.RTU{
			"water-rtu-01": {StationName: "water-rtu-01", SlotCount: 4, ConnectionState: models.ConnectionOffline},
		},
		errs: make(map[string]error),
	}
}

func (f *fakeController) call(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.errs[name]
}

func (f *fakeController) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeController) AddDevice(_ context.Context, spec registry.DeviceSpec) (models.RTU, error) {
	if err := f.call("add"); err != nil {
		return models.RTU{}, err
	}
	if err := spec.Normalize(); err != nil {
		return models.RTU{}, err
	}
	rtu := models.RTU{StationName: spec.StationName, SlotCount: spec.SlotCount, ConnectionState: models.ConnectionOffline}
	f.mu.Lock()
	f.devices[spec.StationName] = rtu
	f.mu.Unlock()
	return rtu, nil
}

func (f *fakeController) RemoveDevice(_ context.Context, name string) error {
	if err := f.call("remove " + name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[name]; !ok {
		return ar.ErrUnknownDevice
	}
	delete(f.devices, name)
	return nil
}

func (f *fakeController) Connect(_ context.Context, name string) error {
	return f.call("connect " + name)
}

func (f *fakeController) Disconnect(_ context.Context, name string) error {
	return f.call("disconnect " + name)
}

func (f *fakeController) WriteActuator(_ context.Context, name string, slot int, cmd models.Command, duty uint8) error {
	return f.call(fmt.Sprintf("write %s %d %s %d", name, slot, cmd, duty))
}

func (f *fakeController) WriteActuatorEpoch(_ context.Context, name string, slot int, cmd models.Command, duty uint8, epoch uint32) error {
	return f.call(fmt.Sprintf("write %s %d %s %d @%d", name, slot, cmd, duty, epoch))
}

func (f *fakeController) RequestAuthority(_ context.Context, name string) error {
	return f.call("request " + name)
}

func (f *fakeController) ReleaseAuthority(_ context.Context, name string) error {
	return f.call("release " + name)
}

func (f *fakeController) ReadRecord(_ context.Context, name string, index uint16) ([]byte, error) {
	if err := f.call(fmt.Sprintf("read %s %#04x", name, index)); err != nil {
		return nil, err
	}
	return []byte{0xde, 0xad}, nil
}

func (f *fakeController) WriteRecord(_ context.Context, name string, index uint16, data []byte) error {
	return f.call(fmt.Sprintf("writerec %s %#04x %x", name, index, data))
}

func (f *fakeController) Snapshot(name string) (models.RTU, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rtu, ok := f.devices[name]
	if !ok {
		return rtu, fmt.Errorf("%s: %w", name, ar.ErrUnknownDevice)
	}
	return rtu, nil
}

func (f *fakeController) Devices() []models.RTU {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RTU, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}

type fakeScanner struct{ devices []dcp.Device }

func (f fakeScanner) Scan(context.Context) []dcp.Device { return f.devices }

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	s := New("127.0.0.1:0", opts, zap.NewNop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		ts.Close()
	})
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeProblem(t *testing.T, resp *http.Response) Problem {
	t.Helper()
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	var p Problem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func TestHealth(t *testing.T) {
	reg := component.NewRegistry(zap.NewNop())
	loop := component.NewLoop("link", func(ctx context.Context) error { <-ctx.Done(); return nil }, nil, zap.NewNop())
	require.NoError(t, reg.Register(loop))
	ts := newTestServer(t, Options{Components: reg})

	resp := do(t, ts, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status     string            `json:"status"`
		Service    string            `json:"service"`
		Components []componentStatus `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "pnvantage", body.Service)
	assert.Equal(t, []componentStatus{{Name: "link", Running: false}}, body.Components)

	require.NoError(t, reg.StartAll(context.Background()))
	t.Cleanup(func() { _ = reg.StopAll(context.Background()) })
	resp = do(t, ts, http.MethodGet, "/api/v1/health", "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestRTUs_AddGetRemove(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, Options{Controller: ctrl})

	resp := do(t, ts, http.MethodPost, "/api/v1/rtus", `{"station_name":"pump-02","ip_address":"192.168.1.51","slot_count":3}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/api/v1/rtus/pump-02", resp.Header.Get("Location"))

	resp = do(t, ts, http.MethodGet, "/api/v1/rtus/pump-02", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rtu models.RTU
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rtu))
	assert.Equal(t, 3, rtu.SlotCount)

	resp = do(t, ts, http.MethodGet, "/api/v1/rtus", "")
	var list []models.RTU
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 2)

	resp = do(t, ts, http.MethodDelete, "/api/v1/rtus/pump-02", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/api/v1/rtus/pump-02", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	p := decodeProblem(t, resp)
	assert.Equal(t, ProblemTypeNotFound, p.Type)
	assert.Equal(t, "/api/v1/rtus/pump-02", p.Instance)
}

func TestRTUs_BadBodies(t *testing.T) {
	ts := newTestServer(t, Options{Controller: newFakeController()})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"not json", http.MethodPost, "/api/v1/rtus", `{`},
		{"unknown field", http.MethodPost, "/api/v1/rtus", `{"station":"x"}`},
		{"invalid name", http.MethodPost, "/api/v1/rtus", `{"station_name":"Bad Name","slot_count":2}`},
		{"authority action", http.MethodPost, "/api/v1/rtus/water-rtu-01/authority", `{"action":"steal"}`},
		{"slot not a number", http.MethodPut, "/api/v1/rtus/water-rtu-01/slots/x", `{"command":"ON"}`},
		{"unknown command", http.MethodPut, "/api/v1/rtus/water-rtu-01/slots/3", `{"command":"TOGGLE"}`},
		{"record index", http.MethodGet, "/api/v1/rtus/water-rtu-01/records/70000", ""},
		{"record data", http.MethodPut, "/api/v1/rtus/water-rtu-01/records/0x10", `{"data":"zz"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, ts, tt.method, tt.path, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if p := decodeProblem(t, resp); p.Type != ProblemTypeBadRequest {
				t.Errorf("type = %q, want %q", p.Type, ProblemTypeBadRequest)
			}
		})
	}
}

func TestRTUs_Actions(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, Options{Controller: ctrl})

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		status   int
		wantCall string
	}{
		{"connect", http.MethodPost, "/api/v1/rtus/water-rtu-01/connect", "", http.StatusAccepted, "connect water-rtu-01"},
		{"disconnect", http.MethodPost, "/api/v1/rtus/water-rtu-01/disconnect", "", http.StatusOK, "disconnect water-rtu-01"},
		{"request authority", http.MethodPost, "/api/v1/rtus/water-rtu-01/authority", `{"action":"request"}`, http.StatusOK, "request water-rtu-01"},
		{"release authority", http.MethodPost, "/api/v1/rtus/water-rtu-01/authority", `{"action":"release"}`, http.StatusOK, "release water-rtu-01"},
		{"write slot", http.MethodPut, "/api/v1/rtus/water-rtu-01/slots/3", `{"command":"pwm","duty":128}`, http.StatusOK, "write water-rtu-01 3 PWM 128"},
		{"write slot with epoch", http.MethodPut, "/api/v1/rtus/water-rtu-01/slots/3", `{"command":"ON","epoch":42}`, http.StatusOK, "write water-rtu-01 3 ON 0 @42"},
		{"read record", http.MethodGet, "/api/v1/rtus/water-rtu-01/records/0xF000", "", http.StatusOK, "read water-rtu-01 0xf000"},
		{"write record", http.MethodPut, "/api/v1/rtus/water-rtu-01/records/4660", `{"data":"0102"}`, http.StatusNoContent, "writerec water-rtu-01 0x1234 0102"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, ts, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if got := ctrl.lastCall(); got != tt.wantCall {
				t.Errorf("call = %q, want %q", got, tt.wantCall)
			}
		})
	}
}

func TestRTUs_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		wantType string
	}{
		{"authority denied", fmt.Errorf("x: %w", ar.ErrAuthorityDenied), http.StatusConflict, ProblemTypeAuthority},
		{"replay", fmt.Errorf("x: %w", authority.ErrReplayRejected), http.StatusConflict, ProblemTypeAuthority},
		{"invalid state", ar.ErrInvalidState, http.StatusConflict, ProblemTypeConflict},
		{"invalid slot", registry.ErrInvalidSlot, http.StatusBadRequest, ProblemTypeBadRequest},
		{"timeout", ar.ErrConnectTimeout, http.StatusGatewayTimeout, ProblemTypeGatewayTimeout},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, ProblemTypeGatewayTimeout},
		{"record", ar.ErrRecordNotFound, http.StatusBadGateway, ProblemTypeBadGateway},
		{"unknown", fmt.Errorf("disk on fire"), http.StatusInternalServerError, ProblemTypeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.errs["write water-rtu-01 3 ON 0"] = tt.err
			ts := newTestServer(t, Options{Controller: ctrl})

			resp := do(t, ts, http.MethodPut, "/api/v1/rtus/water-rtu-01/slots/3", `{"command":"ON"}`)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if p := decodeProblem(t, resp); p.Type != tt.wantType {
				t.Errorf("type = %q, want %q", p.Type, tt.wantType)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{Controller: newFakeController(), RateLimit: 0.001, Burst: 1})

	resp := do(t, ts, http.MethodPost, "/api/v1/rtus/water-rtu-01/connect", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = do(t, ts, http.MethodPost, "/api/v1/rtus/water-rtu-01/connect", "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, ProblemTypeRateLimited, decodeProblem(t, resp).Type)

	// Reads are not limited.
	resp = do(t, ts, http.MethodGet, "/api/v1/rtus/water-rtu-01", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDiscover(t *testing.T) {
	scanner := fakeScanner{devices: []dcp.Device{{
		MAC:         codec.MAC{0x00, 0x0e, 0xcf, 0x00, 0x00, 0x50},
		StationName: "water-rtu-01",
		VendorID:    0x012a,
	}}}
	ts := newTestServer(t, Options{Scanner: scanner})

	resp := do(t, ts, http.MethodPost, "/api/v1/discover", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []discoveredDevice
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "00:0e:cf:00:00:50", got[0].MAC)
	assert.Equal(t, "water-rtu-01", got[0].StationName)
	assert.Equal(t, "PROFIBUS Nutzerorganisation e.V.", got[0].Manufacturer)
	assert.Empty(t, got[0].IP)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Reconnects.WithLabelValues("water-rtu-01").Inc()
	ts := newTestServer(t, Options{Gatherer: reg})

	resp := do(t, ts, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), `station="water-rtu-01"`)
}

func TestRoutesDisabledWithoutDependencies(t *testing.T) {
	ts := newTestServer(t, Options{})
	for _, path := range []string{"/api/v1/rtus", "/metrics", "/api/v1/events"} {
		resp := do(t, ts, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestEvents_StreamsFilteredTopics(t *testing.T) {
	bus := event.NewBus(zap.NewNop())
	ts := newTestServer(t, Options{Events: bus})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?topic=profinet.device."
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// The subscription is registered after the upgrade; publish until the
	// first event arrives.
	received := make(chan event.Event, 1)
	go func() {
		var e event.Event
		if err := wsjson.Read(ctx, conn, &e); err == nil {
			received <- e
		}
	}()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case e := <-received:
			assert.Equal(t, event.TopicDeviceState, e.Topic)
			return
		case <-tick.C:
			_ = bus.Publish(ctx, event.Event{Topic: event.TopicDeviceSeen, Payload: "filtered out"})
			_ = bus.Publish(ctx, event.Event{Topic: event.TopicDeviceState, Payload: ar.StateChange{Station: "water-rtu-01"}})
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}

func TestTopicFilter(t *testing.T) {
	tests := []struct {
		filter topicFilter
		topic  string
		want   bool
	}{
		{nil, "anything", true},
		{topicFilter{"profinet.device.state"}, "profinet.device.state", true},
		{topicFilter{"profinet.device.state"}, "profinet.device.sample", false},
		{topicFilter{"profinet.device."}, "profinet.device.sample", true},
		{topicFilter{"profinet.device."}, "profinet.dcp.device_seen", false},
	}
	for _, tt := range tests {
		if got := tt.filter.match(tt.topic); got != tt.want {
			t.Errorf("%v.match(%q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}
