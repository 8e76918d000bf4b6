package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	appevents "github.com/rescp17/dropmesh/internal/app_events"
	"github.com/rescp17/dropmesh/internal/util"
	"github.com/rescp17/dropmesh/pkg/signaling"
	"github.com/rescp17/dropmesh/pkg/transfer"
)

// AppController is a send or receive controller the UI renders.
type AppController interface {
	Run(ctx context.Context) error
	UIMessages() <-chan tea.Msg
}

type Mode int

const (
	Sender Mode = iota
	Receiver
)

func (m Mode) String() string {
	if m == Receiver {
		return "receive"
	}
	return "send"
}

// controllerClosedMsg is sent once the controller's message channel closes.
type controllerClosedMsg struct{}

const nameWidth = 32

var peerColumns = []table.Column{
	{Title: "ID", Width: 24},
	{Title: "Alias", Width: 20},
	{Title: "Device", Width: 16},
}

type Model struct {
	mode      Mode
	relay     string
	messages  <-chan tea.Msg
	tracker   *transfer.Tracker
	spinner   spinner.Model
	bar       progress.Model
	peers     table.Model
	self      string
	directory map[string]signaling.Peer
	status    string
	lastError error
	finished  bool
}

func NewModel(mode Mode, relay string, messages <-chan tea.Msg, tracker *transfer.Tracker) Model {
	t := table.New(
		table.WithColumns(peerColumns),
		table.WithRows([]table.Row{}),
		table.WithHeight(1),
	)
	t.SetStyles(NewTableStyles())

	return Model{
		mode:      mode,
		relay:     relay,
		messages:  messages,
		tracker:   tracker,
		spinner:   NewSpinner(),
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage(), progress.WithWidth(30)),
		peers:     t,
		directory: make(map[string]signaling.Peer),
		status:    "Connecting to relay...",
	}
}

// listenForAppMessages is a command that waits for the next controller message.
func (m Model) listenForAppMessages() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.messages
		if !ok {
			return controllerClosedMsg{}
		}
		return msg
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForAppMessages())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "enter":
			if m.finished {
				return m, tea.Quit
			}
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case controllerClosedMsg:
		m.finished = true
		return m, tea.Quit
	case appevents.AppEvent:
		m.apply(msg)
		return m, m.listenForAppMessages()
	}
	return m, nil
}

func (m *Model) apply(ev appevents.AppEvent) {
	switch e := ev.(type) {
	case appevents.Registered:
		m.self = e.Self.ID
		m.status = m.waitingStatus()
	case appevents.PeerJoined:
		m.directory[e.Peer.ID] = e.Peer
		m.refreshPeers()
	case appevents.PeerUpdated:
		m.directory[e.Peer.ID] = e.Peer
		m.refreshPeers()
	case appevents.PeerLeft:
		delete(m.directory, e.PeerID)
		m.refreshPeers()
	case appevents.ConnectionStateChanged:
		m.status = fmt.Sprintf("%s: %s", e.RemoteID, e.State)
	case appevents.FilesDispatched:
		m.status = fmt.Sprintf("Sending %d file(s) to %s", e.Files, strings.Join(e.Peers, ", "))
	case appevents.FileSaved:
		m.status = fmt.Sprintf("Saved %s (%s)", e.Path, util.FormatSize(e.Size))
	case appevents.RelayError:
		m.lastError = fmt.Errorf("relay error: %s", e.Code)
	case appevents.SignalingError:
		m.lastError = e.Err
	case appevents.TransferFailed:
		m.lastError = fmt.Errorf("%s: %w", e.Name, e.Err)
	case appevents.Finished:
		m.finished = true
		m.lastError = e.Err
		if e.Err == nil {
			m.status = "Done."
		}
	}
}

func (m Model) waitingStatus() string {
	if m.mode == Receiver {
		return "Waiting for files..."
	}
	return "Waiting for a peer to connect..."
}

func (m *Model) refreshPeers() {
	ids := make([]string, 0, len(m.directory))
	for id := range m.directory {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		p := m.directory[id]
		rows = append(rows, table.Row{id, p.Alias, p.DeviceType})
	}
	m.peers.SetRows(rows)
	m.peers.SetHeight(len(rows) + 2)
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("dropmesh "+m.mode.String()) + "\n")
	self := m.self
	if self == "" {
		self = "(unregistered)"
	}
	b.WriteString(MutedStyle.Render(fmt.Sprintf("id %s via %s", self, m.relay)) + "\n\n")

	if len(m.directory) > 0 {
		b.WriteString(m.peers.View() + "\n\n")
	}

	for _, s := range m.tracker.Snapshot() {
		b.WriteString(m.transferLine(s) + "\n")
	}

	if m.finished {
		b.WriteString("\n" + SuccessStyle.Render(m.status) + "\n")
	} else {
		b.WriteString(fmt.Sprintf("\n %s %s\n", m.spinner.View(), m.status))
	}
	if m.lastError != nil {
		b.WriteString(ErrorStyle.Render(m.lastError.Error()) + "\n")
	}
	b.WriteString(HelpStyle.Render("Press q or ctrl + c to quit"))
	return b.String()
}

func (m Model) transferLine(s transfer.Status) string {
	arrow := "->"
	if s.Direction == transfer.DirectionReceive {
		arrow = "<-"
	}
	label := util.PadRight(fmt.Sprintf("%s %s %s", arrow, s.Peer, s.Name), nameWidth)
	line := fmt.Sprintf("%s %s %s", label, m.bar.ViewAs(s.Progress), util.FormatProgress(s.Progress))
	switch s.State {
	case transfer.TransferStateCompleted:
		return SuccessStyle.Render(line)
	case transfer.TransferStateFailed:
		return ErrorStyle.Render(line + " " + s.Error)
	default:
		return line
	}
}
