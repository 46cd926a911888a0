package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotside-studios/davi-pay-agent/config"
	"github.com/dotside-studios/davi-pay-agent/pay/remote"
	"github.com/dotside-studios/davi-pay-agent/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:           0,
			RateLimit:      100,
			RateBurst:      100,
			SessionTimeout: time.Minute,
		},
		Kernel: config.KernelConfig{
			Driver:       config.DriverMock,
			Service:      "SunmiPay",
			Vendor:       "SUNMI",
			CardTypes:    0x0C,
			CheckTimeout: time.Minute,
			SettleDelay:  time.Millisecond,
		},
		Metrics: config.MetricsConfig{Enable: true, Path: "/metrics"},
	}
}

func startAgent(t *testing.T, cfg *config.Config) (*Agent, string) {
	t.Helper()

	agent := NewAgent(cfg, zap.NewNop())
	require.NoError(t, agent.Start(context.Background()))
	t.Cleanup(agent.Stop)

	_, port, err := net.SplitHostPort(agent.Addr())
	require.NoError(t, err)
	return agent, "ws://127.0.0.1:" + port + "/ws"
}

// execJSON runs the exec command against url and waits for agent to release
// the session so the next call is not turned away.
func execJSON(t *testing.T, agent *Agent, url string, args ...string) (map[string]any, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := runExec(ctx, remote.Config{URL: url, DialTries: 1}, "SunmiPay", args, &out, zap.NewNop())

	if agent != nil {
		require.Eventually(t, func() bool { return agent.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	}

	var report map[string]any
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	}
	return report, err
}

func TestAgentLifecycle(t *testing.T) {
	agent := NewAgent(testConfig(), nil)
	assert.False(t, agent.Running())
	assert.Nil(t, agent.Bridge())
	assert.Nil(t, agent.Done())

	require.NoError(t, agent.Start(context.Background()))
	assert.True(t, agent.Running())
	assert.NotEmpty(t, agent.Addr())
	assert.Error(t, agent.Start(context.Background()), "second start")

	status, ok := agent.Status()
	require.True(t, ok)
	assert.False(t, status.Connected)
	assert.Equal(t, "SUNMI", status.Vendor)

	done := agent.Done()
	agent.Stop()
	assert.False(t, agent.Running())
	assert.Empty(t, agent.Addr())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server still running after Stop")
	}

	// restartable
	require.NoError(t, agent.Start(context.Background()))
	agent.Stop()
	agent.Stop()
}

func TestAgentUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Kernel.Driver = "bluetooth"

	agent := NewAgent(cfg, nil)
	assert.Error(t, agent.Start(context.Background()))
	assert.False(t, agent.Running())
}

func TestExecAgainstAgent(t *testing.T) {
	agent, url := startAgent(t, testConfig())

	report, err := execJSON(t, agent, url, "connect")
	require.NoError(t, err)
	assert.Equal(t, true, report["success"])
	assert.Equal(t, "Connected", report["result"])

	status, ok := agent.Status()
	require.True(t, ok)
	assert.True(t, status.Connected)

	report, err = execJSON(t, agent, url, "cancelCheckCard")
	require.NoError(t, err)
	assert.Equal(t, true, report["success"])
	assert.Nil(t, report["result"])
}

func TestExecFailureIsReported(t *testing.T) {
	agent, url := startAgent(t, testConfig())

	// no printer configured
	report, err := execJSON(t, agent, url, "print", "hello")
	require.Error(t, err)
	assert.Equal(t, false, report["success"])
	assert.NotEmpty(t, report["error"])
}

func TestExecArguments(t *testing.T) {
	_, err := execJSON(t, nil, "ws://127.0.0.1:1/ws", "refund")
	assert.ErrorContains(t, err, "unknown command")

	_, err = execJSON(t, nil, "ws://127.0.0.1:1/ws", "print")
	assert.ErrorContains(t, err, "content")
}

func TestAgentPrintsToDevice(t *testing.T) {
	device := filepath.Join(t.TempDir(), "printer")
	require.NoError(t, os.WriteFile(device, nil, 0o600))

	cfg := testConfig()
	cfg.Printer.Device = device
	agent, url := startAgent(t, cfg)

	_, err := execJSON(t, agent, url, "connect")
	require.NoError(t, err)

	report, err := execJSON(t, agent, url, "print", "RECEIPT\n")
	require.NoError(t, err)
	assert.Equal(t, true, report["success"])

	printed, err := os.ReadFile(device)
	require.NoError(t, err)
	assert.Equal(t, "RECEIPT\n", string(printed))
}

func TestAgentRemoteDriver(t *testing.T) {
	_, upstream := startAgent(t, testConfig())

	cfg := testConfig()
	cfg.Kernel.Driver = config.DriverRemote
	cfg.Kernel.Remote = config.RemoteConfig{URL: upstream, DialTries: 1}
	front, url := startAgent(t, cfg)

	_, ok := front.Status()
	assert.False(t, ok, "remote driver has no local plugin")

	report, err := execJSON(t, front, url, "connect")
	require.NoError(t, err)
	assert.Equal(t, "Connected", report["result"])
}

func TestDescribeStatus(t *testing.T) {
	terminal, check, last := describeStatus(protocol.StatusPayload{}, false)
	assert.Equal(t, []string{"Remote", "Unknown", "None"}, []string{terminal, check, last})

	terminal, check, last = describeStatus(protocol.StatusPayload{
		Connected:   true,
		CheckActive: true,
		Vendor:      "SUNMI",
		LastCard:    &protocol.CardResult{Type: "NFC", UUID: "04AABB"},
	}, true)
	assert.Equal(t, "Connected (SUNMI)", terminal)
	assert.Equal(t, "Waiting for card", check)
	assert.Equal(t, "04AABB (NFC)", last)

	_, _, last = describeStatus(protocol.StatusPayload{LastCard: &protocol.CardResult{Type: "MAG"}}, true)
	assert.Equal(t, "MAG", last)
}

func TestBuildWSURL(t *testing.T) {
	assert.Equal(t, "ws://192.168.1.5:18080/ws", buildWSURL("192.168.1.5", "18080", false))
	assert.Equal(t, "wss://localhost:443/ws", buildWSURL("localhost", "443", true))
}

func TestIcons(t *testing.T) {
	for _, icon := range [][]byte{iconData, iconDataConnected, iconDataError, iconDataStopped} {
		img, err := png.Decode(bytes.NewReader(icon))
		require.NoError(t, err)
		assert.Equal(t, iconSize, img.Bounds().Dx())
	}
}
