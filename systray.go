package main

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"fyne.io/systray"
	"github.com/dotside-studios/davi-pay-agent/buildinfo"
	"github.com/dotside-studios/davi-pay-agent/paybridge"
	"github.com/dotside-studios/davi-pay-agent/protocol"
	"go.uber.org/zap"
)

const (
	statusStarting = "Starting..."
	statusRunning  = "Running"
	statusFailed   = "Failed to Start"
	statusStopped  = "Stopped"
)

// getLocalIPs returns a list of local IP addresses (excluding loopback)
func getLocalIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				ips = append(ips, ipNet.IP.String())
			}
		}
	}
	return ips
}

// SystrayApp manages the system tray interface for the pay agent
type SystrayApp struct {
	agent  *Agent
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// Menu items
	mStatus     *systray.MenuItem
	mConnection *systray.MenuItem
	mCheck      *systray.MenuItem
	mLastCard   *systray.MenuItem
	mClients    *systray.MenuItem
	mURL        *systray.MenuItem
	mCopyURL    *systray.MenuItem

	mConnect     *systray.MenuItem
	mCheckCard   *systray.MenuItem
	mCancelCheck *systray.MenuItem

	mStart *systray.MenuItem
	mStop  *systray.MenuItem
	mQuit  *systray.MenuItem
}

// NewSystrayApp creates a new systray application
func NewSystrayApp(agent *Agent) *SystrayApp {
	ctx, cancel := context.WithCancel(context.Background())
	return &SystrayApp{
		agent:  agent,
		logger: agent.Logger.Named("systray"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run starts the systray application
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

func (s *SystrayApp) onReady() {
	s.setupUI()
	s.autoStartAgent()
	s.startStatusUpdater()
	go s.handleMenuEvents()
}

func (s *SystrayApp) onExit() {
	s.cancel()
	s.agent.Stop()
}

// setupUI initializes all menu items
func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconData)
	systray.SetTooltip(buildinfo.DisplayName)

	s.mStatus = systray.AddMenuItem(statusStarting, "Agent Status")
	s.mStatus.Disable()

	s.mURL = systray.AddMenuItem("URL: Not running", "WebSocket URL")
	s.mURL.Disable()
	s.mCopyURL = systray.AddMenuItem("Copy URL", "Copy the WebSocket URL to clipboard")

	s.mClients = systray.AddMenuItem("Clients: 0", "Connected WebSocket clients")
	s.mClients.Disable()

	systray.AddSeparator()

	// Terminal section
	s.mConnection = systray.AddMenuItem("Terminal: Disconnected", "Terminal connection")
	s.mConnection.Disable()
	s.mCheck = systray.AddMenuItem("Card Check: Idle", "Card check state")
	s.mCheck.Disable()
	s.mLastCard = systray.AddMenuItem("Last Card: None", "Last card reported by the terminal")
	s.mLastCard.Disable()

	systray.AddSeparator()

	s.mConnect = systray.AddMenuItem("Connect Terminal", "Bind the payment kernel")
	s.mCheckCard = systray.AddMenuItem("Check Card", "Wait for a card")
	s.mCancelCheck = systray.AddMenuItem("Cancel Check", "Stop waiting for a card")

	systray.AddSeparator()

	s.mStart = systray.AddMenuItem("Start Agent", "Start the pay agent")
	s.mStop = systray.AddMenuItem("Stop Agent", "Stop the pay agent")
	s.mStart.Disable() // auto-starting
	s.mStop.Disable()

	systray.AddSeparator()
	s.mQuit = systray.AddMenuItem("Quit", "Quit the application")

	s.setRunning(false)
}

func (s *SystrayApp) autoStartAgent() {
	go s.handleStartAgent()
}

// startStatusUpdater polls the agent and refreshes the status section.
func (s *SystrayApp) startStatusUpdater() {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		var last trayState
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
			}

			state := s.snapshot()
			if state != last {
				s.render(state)
				last = state
			}
		}
	}()
}

// trayState is what the status section shows. It is comparable so the
// updater only touches the menu on change.
type trayState struct {
	running  bool
	clients  int
	terminal string
	check    string
	lastCard string
}

func (s *SystrayApp) snapshot() trayState {
	state := trayState{
		running: s.agent.Running(),
		clients: s.agent.Clients(),
	}
	status, ok := s.agent.Status()
	state.terminal, state.check, state.lastCard = describeStatus(status, ok)
	return state
}

func (s *SystrayApp) render(state trayState) {
	s.mClients.SetTitle("Clients: " + strconv.Itoa(state.clients))
	s.mConnection.SetTitle("Terminal: " + state.terminal)
	s.mCheck.SetTitle("Card Check: " + state.check)
	s.mLastCard.SetTitle("Last Card: " + state.lastCard)
}

// describeStatus renders the plugin status for the menu. ok is false when no
// local plugin is running.
func describeStatus(status protocol.StatusPayload, ok bool) (terminal, check, lastCard string) {
	if !ok {
		return "Remote", "Unknown", "None"
	}

	terminal = "Disconnected"
	if status.Connected {
		terminal = "Connected"
		if status.Vendor != "" {
			terminal += " (" + status.Vendor + ")"
		}
	}

	check = "Idle"
	if status.CheckActive {
		check = "Waiting for card"
	}

	lastCard = "None"
	if card := status.LastCard; card != nil {
		switch {
		case card.UUID != "":
			lastCard = card.UUID + " (" + card.Type + ")"
		case card.ATR != "":
			lastCard = card.ATR + " (" + card.Type + ")"
		default:
			lastCard = card.Type
		}
	}
	return terminal, check, lastCard
}

// handleMenuEvents processes all menu click events
func (s *SystrayApp) handleMenuEvents() {
	for {
		select {
		case <-s.mStart.ClickedCh:
			s.handleStartAgent()
		case <-s.mStop.ClickedCh:
			s.handleStopAgent()
		case <-s.mCopyURL.ClickedCh:
			if url := s.wsURL(); url != "" {
				if err := copyToClipboard(url); err != nil {
					s.logger.Warn("failed to copy to clipboard", zap.Error(err))
				} else {
					s.logger.Info("copied WebSocket URL to clipboard")
				}
			}
		case <-s.mConnect.ClickedCh:
			s.invoke(paybridge.CommandConnect)
		case <-s.mCheckCard.ClickedCh:
			s.invoke(paybridge.CommandCheckCard)
		case <-s.mCancelCheck.ClickedCh:
			s.invoke(paybridge.CommandCancelCheckCard)
		case <-s.mQuit.ClickedCh:
			systray.Quit()
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// invoke runs command through the in-process bridge and logs the outcome.
func (s *SystrayApp) invoke(command paybridge.Command) {
	bridge := s.agent.Bridge()
	if bridge == nil {
		s.logger.Warn("agent is not running", zap.String("command", command.String()))
		return
	}
	bridge.Invoke(command, nil,
		func(payload any) {
			s.logger.Info("command succeeded", zap.String("command", command.String()), zap.Any("result", payload))
		},
		func(payload any) {
			s.logger.Warn("command failed", zap.String("command", command.String()), zap.Any("error", payload))
		})
}

func (s *SystrayApp) handleStartAgent() {
	if err := s.agent.Start(s.ctx); err != nil {
		s.updateStatus(statusFailed)
		s.setRunning(false)
		return
	}
	s.updateStatus(statusRunning)
	s.setRunning(true)
}

func (s *SystrayApp) handleStopAgent() {
	s.agent.Stop()
	s.updateStatus(statusStopped)
	s.setRunning(false)
}

// setRunning toggles the menu items that need a running agent.
func (s *SystrayApp) setRunning(running bool) {
	items := []*systray.MenuItem{s.mStop, s.mCopyURL, s.mConnect, s.mCheckCard, s.mCancelCheck}
	for _, item := range items {
		if running {
			item.Enable()
		} else {
			item.Disable()
		}
	}
	if running {
		s.mStart.Disable()
		s.mURL.SetTitle("URL: " + s.wsURL())
	} else {
		s.mStart.Enable()
		s.mURL.SetTitle("URL: Not running")
	}
}

// updateStatus updates the status menu item and icon
func (s *SystrayApp) updateStatus(status string) {
	s.mStatus.SetTitle(status)

	switch status {
	case statusRunning:
		systray.SetIcon(iconDataConnected)
	case statusFailed:
		systray.SetIcon(iconDataError)
	case statusStopped:
		systray.SetIcon(iconDataStopped)
	default:
		systray.SetIcon(iconData)
	}
}

// wsURL returns the WebSocket URL clients on the network should use.
func (s *SystrayApp) wsURL() string {
	addr := s.agent.Addr()
	if addr == "" {
		return ""
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	host := "localhost"
	if ips := getLocalIPs(); len(ips) > 0 {
		host = ips[0]
	}
	return buildWSURL(host, port, s.agent.Config.Server.TLSEnabled())
}

func buildWSURL(host, port string, tls bool) string {
	scheme := "ws"
	if tls {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, net.JoinHostPort(host, port))
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		cmd = exec.Command("xclip", "-selection", "clipboard")
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	_, err = stdin.Write([]byte(text))
	if err != nil {
		return err
	}

	stdin.Close()
	return cmd.Wait()
}
