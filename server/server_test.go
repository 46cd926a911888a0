package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dotside-studios/davi-pay-agent/metrics"
	"github.com/dotside-studios/davi-pay-agent/pay"
	"github.com/dotside-studios/davi-pay-agent/paybridge"
	"github.com/dotside-studios/davi-pay-agent/protocol"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAgent struct {
	server  *Server
	plugin  *pay.Plugin
	kernel  *pay.MockKernel
	printer *pay.MockPrinter
	events  *StatusBridge
	metrics *metrics.AppMetrics
	url     string
}

func newTestAgent(t *testing.T, mutate func(*Config)) *testAgent {
	t.Helper()

	kernel := pay.NewMockKernel()
	printer := &pay.MockPrinter{}
	cfg := pay.DefaultConfig()
	cfg.SettleDelay = time.Millisecond
	plugin := pay.NewPlugin(kernel, printer, cfg, nil)

	events := NewStatusBridge()
	plugin.OnStatus(func(s protocol.StatusPayload) { events.SendDeviceStatus(s) })

	reg := metrics.NewRegistry()
	m := metrics.NewAppMetrics(reg)
	dispatcher := m.InstrumentDispatcher(plugin)

	config := Config{
		Port:           0,
		SessionTimeout: time.Minute,
		MetricsPath:    "/metrics",
		Registry:       reg,
		Metrics:        m,
	}
	if mutate != nil {
		mutate(&config)
	}

	handler := NewPayHandler(paybridge.New(dispatcher), dispatcher, plugin, events, nil)
	srv, err := New(config, handler)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)

	t.Cleanup(func() {
		srv.Stop()
		events.Close()
		plugin.OnDestroy()
	})

	return &testAgent{
		server:  srv,
		plugin:  plugin,
		kernel:  kernel,
		printer: printer,
		events:  events,
		metrics: m,
		url:     "127.0.0.1:" + port,
	}
}

func (a *testAgent) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.url+"/ws"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// every client is greeted with the current status
	msg := readMessage(t, conn)
	require.Equal(t, protocol.WSTypeDeviceStatus, msg["type"])
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readResponse skips status broadcasts until the reply to id arrives.
func readResponse(t *testing.T, conn *websocket.Conn, id string) map[string]any {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg["type"] == protocol.WSTypeDeviceStatus {
			continue
		}
		require.Equal(t, id, msg["id"], "unexpected message %v", msg)
		return msg
	}
}

func request(t *testing.T, conn *websocket.Conn, id, typ string, payload map[string]any) map[string]any {
	t.Helper()
	require.NoError(t, conn.WriteJSON(protocol.WebSocketRequest{ID: id, Type: typ, Payload: payload}))
	return readResponse(t, conn, id)
}

func TestPayCommandsOverWebSocket(t *testing.T) {
	agent := newTestAgent(t, nil)
	agent.kernel.Reader.AutoCardUID = "04A1B2C3"
	agent.kernel.Reader.AutoDelay = 5 * time.Millisecond
	conn := agent.dial(t, "")

	resp := request(t, conn, "1", "connect", nil)
	assert.Equal(t, "connectResult", resp["type"])
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "Connected", resp["payload"])

	resp = request(t, conn, "2", "checkCard", nil)
	assert.Equal(t, "checkCardResult", resp["type"])
	assert.Equal(t, true, resp["success"])
	card := resp["payload"].(map[string]any)
	assert.Equal(t, "NFC", card["type"])
	assert.Equal(t, "04A1B2C3", card["uuid"])

	resp = request(t, conn, "3", "cancelCheckCard", nil)
	assert.Equal(t, "cancelCheckCardResult", resp["type"])
	assert.Equal(t, true, resp["success"])

	resp = request(t, conn, "4", "print", map[string]any{"content": "RECEIPT"})
	assert.Equal(t, "printResult", resp["type"])
	assert.Equal(t, "Printed", resp["payload"])
	assert.Equal(t, []any{"RECEIPT"}, agent.printer.Printed())

	resp = request(t, conn, "5", "status", nil)
	status := resp["payload"].(map[string]any)
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, "04A1B2C3", status["lastCard"].(map[string]any)["uuid"])

	assert.Equal(t, 1.0, testutil.ToFloat64(agent.metrics.CommandsTotal.WithLabelValues("checkCard", "success")))
}

func TestFailuresOverWebSocket(t *testing.T) {
	agent := newTestAgent(t, nil)
	conn := agent.dial(t, "")

	resp := request(t, conn, "1", "checkCard", nil)
	assert.Equal(t, "checkCardResult", resp["type"])
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "SDK not connected", resp["error"])

	resp = request(t, conn, "2", "print", nil)
	assert.Equal(t, protocol.WSTypeError, resp["type"])
	assert.Equal(t, protocol.ErrCodeInvalidRequest, resp["payload"].(map[string]any)["code"])
}

func TestExecOverWebSocket(t *testing.T) {
	agent := newTestAgent(t, nil)
	conn := agent.dial(t, "")

	resp := request(t, conn, "1", "exec", map[string]any{"service": "SunmiPay", "action": "connect"})
	assert.Equal(t, "execResult", resp["type"])
	assert.Equal(t, true, resp["success"])

	resp = request(t, conn, "2", "exec", map[string]any{"service": "Other", "action": "connect", "args": []any{}})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "Invalid service: Other", resp["error"])

	resp = request(t, conn, "3", "exec", map[string]any{"service": "SunmiPay"})
	assert.Equal(t, protocol.WSTypeError, resp["type"])
}

func TestRequestErrors(t *testing.T) {
	agent := newTestAgent(t, nil)
	conn := agent.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, protocol.WSTypeError, msg["type"])
	assert.Equal(t, protocol.ErrCodeParse, msg["payload"].(map[string]any)["code"])

	resp := request(t, conn, "7", "writeRequest", nil)
	assert.Equal(t, protocol.WSTypeError, resp["type"])
	assert.Equal(t, protocol.ErrCodeUnknownType, resp["payload"].(map[string]any)["code"])
}

func TestRateLimit(t *testing.T) {
	agent := newTestAgent(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	conn := agent.dial(t, "")

	resp := request(t, conn, "1", "status", nil)
	assert.Equal(t, "statusResult", resp["type"])

	resp = request(t, conn, "2", "status", nil)
	assert.Equal(t, protocol.WSTypeError, resp["type"])
	assert.Equal(t, protocol.ErrCodeRateLimited, resp["payload"].(map[string]any)["code"])
	assert.Equal(t, 1.0, testutil.ToFloat64(agent.metrics.WSRejected.WithLabelValues(RejectRateLimited)))
}

func TestFirstComeSession(t *testing.T) {
	agent := newTestAgent(t, nil)
	first := agent.dial(t, "")

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+agent.url+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(agent.metrics.WSRejected.WithLabelValues(RejectSessionClaimed)))

	first.Close()
	require.Eventually(t, func() bool { return agent.server.Clients() == 0 }, time.Second, 10*time.Millisecond)
	agent.dial(t, "")
}

func TestAPISecret(t *testing.T) {
	agent := newTestAgent(t, func(c *Config) { c.APISecret = "s3cret" })

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+agent.url+"/ws?secret=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	agent.dial(t, "?secret=s3cret")
}

func TestSessionExpiryClosesClient(t *testing.T) {
	agent := newTestAgent(t, func(c *Config) { c.SessionTimeout = 50 * time.Millisecond })
	conn := agent.dial(t, "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestLeavingClientReleasesReader(t *testing.T) {
	cases := map[string]func(*Config){
		"client closes":   nil,
		"session expires": func(c *Config) { c.SessionTimeout = 150 * time.Millisecond },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			agent := newTestAgent(t, mutate)
			conn := agent.dial(t, "")

			resp := request(t, conn, "1", "connect", nil)
			require.Equal(t, true, resp["success"])

			require.NoError(t, conn.WriteJSON(protocol.WebSocketRequest{ID: "2", Type: "checkCard"}))
			require.True(t, agent.kernel.Reader.WaitForCheck(time.Second))
			require.True(t, agent.plugin.Status().CheckActive)

			if mutate == nil {
				conn.Close()
			}

			require.Eventually(t, func() bool { return agent.server.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
			assert.False(t, agent.plugin.Status().CheckActive)
			assert.Equal(t, []string{"cancel", "check", "cancel"}, agent.kernel.Reader.Ops())
			assert.True(t, agent.plugin.Status().Connected, "pausing keeps the kernel bound")
		})
	}
}

func TestStatusBroadcast(t *testing.T) {
	agent := newTestAgent(t, nil)
	conn := agent.dial(t, "")

	require.NoError(t, conn.WriteJSON(protocol.WebSocketRequest{ID: "1", Type: "connect"}))

	var sawBroadcast, sawResult bool
	for !(sawBroadcast && sawResult) {
		msg := readMessage(t, conn)
		switch msg["type"] {
		case protocol.WSTypeDeviceStatus:
			if msg["payload"].(map[string]any)["connected"] == true {
				sawBroadcast = true
			}
		case "connectResult":
			sawResult = true
		}
	}
}

func TestHTTPRoutes(t *testing.T) {
	agent := newTestAgent(t, nil)
	router := agent.server.Router()

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("info", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/info", nil))

		var body map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "davi-pay-agent", body["name"])
		assert.Contains(t, body["messageTypes"], "checkCard")
		assert.Equal(t, false, body["tls"])
	})

	t.Run("preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "ws_clients"))
	})
}

func TestConfigTLSEnabled(t *testing.T) {
	assert.False(t, Config{}.TLSEnabled())
	assert.False(t, Config{CertFile: "a.crt"}.TLSEnabled())
	assert.True(t, Config{CertFile: "a.crt", KeyFile: "a.key"}.TLSEnabled())
}
