// cardiacam-monitor: live dashboard and diagnostic tool for a running
// cardiacamd.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	psutilcpu "github.com/shirou/gopsutil/v3/cpu"
	psutilmem "github.com/shirou/gopsutil/v3/mem"
)

const portFile = "/tmp/cardiacamd.port"

var (
	addr  = flag.String("addr", "", "cardiacamd address (host:port); empty discovers via "+portFile)
	once  = flag.Bool("once", false, "run a single non-interactive diagnostic pass and exit")
	every = flag.Duration("interval", time.Second, "dashboard/diagnostic poll interval")
)

func main() {
	flag.Parse()

	base, err := resolveAddr()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cardiacam-monitor: %v\n", err)
		os.Exit(1)
	}
	client := &apiClient{http: &http.Client{Timeout: 5 * time.Second}, base: base}

	if *once {
		runDiagnostics(client)
		return
	}

	m := newModel(client, *every)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "cardiacam-monitor: %v\n", err)
		os.Exit(1)
	}
}

func resolveAddr() (string, error) {
	if *addr != "" {
		return "http://" + *addr, nil
	}
	data, err := os.ReadFile(portFile)
	if err != nil {
		return "", fmt.Errorf("no -addr given and could not read %s: %w (is cardiacamd running?)", portFile, err)
	}
	port := strings.TrimSpace(string(data))
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("%s did not contain a valid port: %q", portFile, port)
	}
	return "http://127.0.0.1:" + port, nil
}

// statusPayload mirrors cardiacamd's /status response body.
type statusPayload struct {
	Version   uint64 `json:"version"`
	Serial    uint64 `json:"serial"`
	PLLLocked bool   `json:"pll_locked"`
}

// apiClient is the monitor's narrow view of the control surface: just
// enough to poll status and pull a small diagnostic frame.
type apiClient struct {
	http *http.Client
	base string
}

func (c *apiClient) status() (statusPayload, error) {
	resp, err := c.http.Get(c.base + "/status")
	if err != nil {
		return statusPayload{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return statusPayload{}, fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	var p statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return statusPayload{}, fmt.Errorf("decode status: %w", err)
	}
	return p, nil
}

// fillProbe requests a tiny frame, just to confirm the /fill path is
// alive and to report the flow status it returns.
func (c *apiClient) fillProbe() (string, error) {
	resp, err := c.http.Get(c.base + "/fill?offset=0&length=1")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "OK", nil
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		var body struct {
			Status string `json:"status"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return body.Status, nil
	}
	return "", fmt.Errorf("unexpected status %s", resp.Status)
}

// hostHealth is a one-line host resource summary, the dashboard's
// stand-in for the device's own temperature/fan telemetry, which this
// biosensor line doesn't expose.
func hostHealth() string {
	cpuPct, err := psutilcpu.Percent(0, false)
	if err != nil || len(cpuPct) == 0 {
		return "cpu=? mem=?"
	}
	vm, err := psutilmem.VirtualMemory()
	if err != nil {
		return fmt.Sprintf("cpu=%.1f%% mem=?", cpuPct[0])
	}
	return fmt.Sprintf("cpu=%.1f%% mem=%.1f%% go=%s", cpuPct[0], vm.UsedPercent, runtime.Version())
}

// runDiagnostics is the -once console mode: a short phased check
// report with no interactive dashboard.
func runDiagnostics(c *apiClient) {
	fmt.Println("Phase 1: Locating cardiacamd...")
	fmt.Printf("  using %s\n", c.base)

	fmt.Println("Phase 2: Querying /status...")
	st, err := c.status()
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  OK: version=%d serial=%d pll_locked=%t\n", st.Version, st.Serial, st.PLLLocked)

	fmt.Println("Phase 3: Probing /fill...")
	flow, err := c.fillProbe()
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  flow status: %s\n", flow)

	fmt.Println("Phase 4: Host resources...")
	fmt.Printf("  %s\n", hostHealth())

	if !st.PLLLocked {
		fmt.Println("warning: PLL not locked")
	}
}

// Styles, following the teacher's header/footer/info/error vocabulary.
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Bold(true).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF")).
			Padding(0, 1)

	lockedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#34D399")).
			Bold(true)

	unlockedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#60A5FA"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))
)

type statusMsg struct {
	payload statusPayload
	err     error
}

type resourceMsg struct {
	line string
}

type flowMsg struct {
	line string
	err  error
}

// model is the dashboard's bubbletea state: the last-known status
// snapshot, the last-known host health line, and any error from the
// most recent poll.
type model struct {
	client   *apiClient
	interval time.Duration

	status    statusPayload
	haveState bool
	flow      string
	resource  string
	err       error

	events  []string
	logView viewport.Model

	width, height int
}

const maxEvents = 200

func newModel(c *apiClient, interval time.Duration) model {
	lv := viewport.New(60, 6)
	return model{client: c, interval: interval, resource: hostHealth(), logView: lv}
}

// logEvent appends a line to the event log and scrolls the viewport to
// show it, mirroring the teacher's updateLogView/updateChatView pattern
// of re-setting viewport content on every change.
func (m *model) logEvent(line string) {
	m.events = append(m.events, line)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.logView.SetContent(strings.Join(m.events, "\n"))
	m.logView.GotoBottom()
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollStatus(m.client), pollFlow(m.client), pollResource(), tick(m.interval))
}

func pollStatus(c *apiClient) tea.Cmd {
	return func() tea.Msg {
		p, err := c.status()
		return statusMsg{payload: p, err: err}
	}
}

func pollFlow(c *apiClient) tea.Cmd {
	return func() tea.Msg {
		line, err := c.fillProbe()
		return flowMsg{line: line, err: err}
	}
}

func pollResource() tea.Cmd {
	return func() tea.Msg {
		return resourceMsg{line: hostHealth()}
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.logView.Width = m.width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(pollStatus(m.client), pollFlow(m.client), pollResource())
		}
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			prev, had := m.status, m.haveState
			m.status = msg.payload
			m.haveState = true
			if had && prev.PLLLocked != msg.payload.PLLLocked {
				state := "unlocked"
				if msg.payload.PLLLocked {
					state = "locked"
				}
				m.logEvent(fmt.Sprintf("pll %s", state))
			}
			if had && prev.Version != msg.payload.Version {
				m.logEvent(fmt.Sprintf("version -> %d", msg.payload.Version))
			}
			if had && prev.Serial != msg.payload.Serial {
				m.logEvent(fmt.Sprintf("serial -> %d", msg.payload.Serial))
			}
		} else {
			m.logEvent(fmt.Sprintf("poll error: %v", msg.err))
		}
		return m, nil

	case flowMsg:
		if msg.err == nil {
			m.flow = msg.line
		}
		return m, nil

	case resourceMsg:
		m.resource = msg.line
		return m, nil

	case tickMsg:
		return m, tea.Batch(pollStatus(m.client), pollFlow(m.client), pollResource(), tick(m.interval))
	}
	return m, nil
}

func (m model) View() string {
	header := headerStyle.Render("cardiacam monitor")

	var body string
	if !m.haveState && m.err != nil {
		body = errorStyle.Render(fmt.Sprintf("could not reach %s: %v", m.client.base, m.err))
	} else {
		lockLine := unlockedStyle.Render("UNLOCKED")
		if m.status.PLLLocked {
			lockLine = lockedStyle.Render("LOCKED")
		}
		lines := []string{
			fmt.Sprintf("version:  %d", m.status.Version),
			fmt.Sprintf("serial:   %d", m.status.Serial),
			fmt.Sprintf("pll:      %s", lockLine),
			fmt.Sprintf("flow:     %s", m.flow),
			"",
			infoStyle.Render(m.resource),
		}
		if m.err != nil {
			lines = append(lines, errorStyle.Render("last poll: "+m.err.Error()))
		}
		body = panelStyle.Render(strings.Join(lines, "\n"))
	}

	log := panelStyle.Render(m.logView.View())
	footer := footerStyle.Render("q: quit   r: refresh now")

	return lipgloss.JoinVertical(lipgloss.Left, header, body, log, footer)
}
