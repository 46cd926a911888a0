package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dotside-studios/davi-pay-agent/config"
	"github.com/dotside-studios/davi-pay-agent/metrics"
	"github.com/dotside-studios/davi-pay-agent/pay"
	"github.com/dotside-studios/davi-pay-agent/pay/libnfc"
	"github.com/dotside-studios/davi-pay-agent/pay/rawprint"
	"github.com/dotside-studios/davi-pay-agent/pay/remote"
	"github.com/dotside-studios/davi-pay-agent/paybridge"
	"github.com/dotside-studios/davi-pay-agent/protocol"
	"github.com/dotside-studios/davi-pay-agent/server"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Agent wires the payment kernel, the bridge and the WebSocket server together.
type Agent struct {
	Config *config.Config
	Logger *zap.Logger

	mu       sync.Mutex
	plugin   *pay.Plugin        // local kernel drivers
	remote   *remote.Dispatcher // remote driver
	bridge   *paybridge.Bridge
	server   *server.Server
	events   *server.StatusBridge
	registry *prometheus.Registry
	metrics  *metrics.AppMetrics
}

func NewAgent(cfg *config.Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		Config: cfg,
		Logger: logger.Named("agent"),
	}
}

// Start builds the dispatcher for the configured driver and starts serving.
// It returns once the server accepts connections.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return errors.New("agent is already running")
	}

	if a.Config.Metrics.Enable {
		a.registry = metrics.NewRegistry()
		a.metrics = metrics.NewAppMetrics(a.registry)
	}

	dispatcher, err := a.newDispatcher(ctx)
	if err != nil {
		a.Logger.Error("error initializing dispatcher", zap.String("driver", a.Config.Kernel.Driver), zap.Error(err))
		a.release()
		return err
	}
	dispatcher = a.metrics.InstrumentDispatcher(dispatcher)
	a.bridge = paybridge.New(dispatcher, paybridge.WithService(a.Config.Kernel.Service))

	var plugin server.LocalPlugin
	if a.plugin != nil {
		a.events = server.NewStatusBridge()
		events := a.events
		a.plugin.OnStatus(func(s protocol.StatusPayload) {
			if !events.SendDeviceStatus(s) {
				a.Logger.Debug("device status dropped")
			}
		})
		plugin = a.plugin
	}

	srvCfg := server.Config{
		Port:           a.Config.Server.Port,
		APISecret:      a.Config.Server.APISecret,
		CertFile:       a.Config.Server.CertFile,
		KeyFile:        a.Config.Server.KeyFile,
		MDNS:           a.Config.Server.MDNS,
		RateLimit:      a.Config.Server.RateLimit,
		RateBurst:      a.Config.Server.RateBurst,
		SessionTimeout: a.Config.Server.SessionTimeout,
		Metrics:        a.metrics,
		Logger:         a.Logger,
	}
	if a.registry != nil {
		srvCfg.MetricsPath = a.Config.Metrics.Path
		srvCfg.Registry = a.registry
	}

	srv, err := server.New(srvCfg, server.NewPayHandler(a.bridge, dispatcher, plugin, a.events, a.Logger))
	if err == nil {
		err = srv.Listen()
	}
	if err != nil {
		a.release()
		return fmt.Errorf("start server: %w", err)
	}
	a.server = srv

	a.Logger.Info("agent started",
		zap.String("driver", a.Config.Kernel.Driver),
		zap.String("service", a.bridge.Service()),
		zap.String("addr", srv.Addr()))
	return nil
}

func (a *Agent) newDispatcher(ctx context.Context) (paybridge.Dispatcher, error) {
	kc := a.Config.Kernel

	var kernel pay.Kernel
	switch kc.Driver {
	case config.DriverRemote:
		d, err := remote.Dial(ctx, remote.Config{
			URL:       kc.Remote.URL,
			APISecret: kc.Remote.APISecret,
			DialTries: kc.Remote.DialTries,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		a.remote = d
		return d, nil
	case config.DriverLibNFC:
		kernel = libnfc.New(libnfc.Config{
			Device:       kc.Device,
			Manufacturer: kc.Manufacturer,
			PollInterval: kc.PollInterval,
		}, a.Logger)
	case config.DriverMock:
		kernel = pay.NewMockKernel()
	default:
		return nil, fmt.Errorf("unknown kernel driver %q", kc.Driver)
	}

	var printer pay.Printer
	if a.Config.Printer.Device != "" {
		printer = rawprint.New(a.Config.Printer.Device, a.Logger)
	}

	a.plugin = pay.NewPlugin(kernel, printer, pay.Config{
		Service:      kc.Service,
		Vendor:       kc.Vendor,
		CardTypes:    pay.CardType(kc.CardTypes),
		CheckTimeout: kc.CheckTimeout,
		SettleDelay:  kc.SettleDelay,
	}, a.Logger)
	return a.plugin, nil
}

// Stop shuts the server down and releases the kernel.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		a.Logger.Info("agent is not running")
		return
	}

	a.Logger.Info("stopping agent")
	a.server.Stop()
	a.server = nil
	a.release()
	a.Logger.Info("agent stopped")
}

func (a *Agent) release() {
	if a.events != nil {
		a.events.Close()
		a.events = nil
	}
	if a.plugin != nil {
		if err := a.plugin.OnDestroy(); err != nil {
			a.Logger.Warn("plugin teardown failed", zap.Error(err))
		}
		a.plugin = nil
	}
	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			a.Logger.Warn("remote close failed", zap.Error(err))
		}
		a.remote = nil
	}
	a.bridge = nil
	a.registry = nil
	a.metrics = nil
}

// Running reports whether the server is up.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Addr returns the bound server address, or "" when stopped.
func (a *Agent) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ""
	}
	return a.server.Addr()
}

// Done is closed when the running server stops. It returns nil when stopped.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return nil
	}
	return a.server.Done()
}

// Bridge returns the in-process bridge, or nil when stopped.
func (a *Agent) Bridge() *paybridge.Bridge {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bridge
}

// Status returns the local plugin state. ok is false when the agent is
// stopped or forwards to a remote agent.
func (a *Agent) Status() (status protocol.StatusPayload, ok bool) {
	a.mu.Lock()
	plugin := a.plugin
	a.mu.Unlock()
	if plugin == nil {
		return protocol.StatusPayload{}, false
	}
	return plugin.Status(), true
}

// Clients returns the number of connected WebSocket clients.
func (a *Agent) Clients() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return 0
	}
	return a.server.Clients()
}
