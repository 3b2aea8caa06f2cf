package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	bar "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mcdonaldj/epack/internal/config"
	"github.com/mcdonaldj/epack/internal/opener"
	"github.com/mcdonaldj/epack/internal/ports"
	"github.com/mcdonaldj/epack/internal/progress"
	"github.com/mcdonaldj/epack/internal/session"
)

// closeTimeout bounds how long quitting waits for a running job to stop.
const closeTimeout = 5 * time.Second

// State is what the model is currently doing.
type State int

const (
	IdleState State = iota
	ListingState
	ExtractingState
	DoneState
)

// Options configures the model.
type Options struct {
	Config  *config.Config
	Session *session.Session
	// Archive is listed on start when set.
	Archive string
	// Open runs the post-extract action. Defaults to the commands in Config.
	Open func(action, dir string) error
}

// Model is the main TUI model
type Model struct {
	config   *config.Config
	session  *session.Session
	archive  string
	state    State
	width    int
	height   int
	quitting bool

	// Options toggled before extracting
	createFolder bool
	deleteAfter  bool
	postAction   string

	open       func(action, dir string) error
	closeAfter bool

	// Listing view
	listing *ports.Listing
	offset  int

	// Extraction progress
	bar      bar.Model
	fraction float64
	current  string

	// Status message
	statusMsg  string
	statusKind statusKind
}

type statusKind int

const (
	statusOK statusKind = iota
	statusWarn
	statusErr
)

type tickMsg time.Time

// Key bindings
type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Extract key.Binding
	Folder  key.Binding
	Delete  key.Binding
	Abort   key.Binding
	Then    key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Extract: key.NewBinding(
		key.WithKeys("x", "enter"),
		key.WithHelp("x", "extract"),
	),
	Folder: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "create folder"),
	),
	Delete: key.NewBinding(
		key.WithKeys("D"),
		key.WithHelp("D", "delete after"),
	),
	Abort: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "abort"),
	),
	Then: key.NewBinding(
		key.WithKeys("o"),
		key.WithHelp("o", "after extract"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// NewModel creates a new TUI model
func NewModel(opts Options) *Model {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	open := opts.Open
	if open == nil {
		open = opener.FromConfig(cfg).Open
	}
	postAction := cfg.PostExtract
	if postAction == "" {
		postAction = config.PostExtractNone
	}
	return &Model{
		config:       cfg,
		session:      opts.Session,
		archive:      opts.Archive,
		createFolder: cfg.CreateFolder,
		deleteAfter:  cfg.DeleteAfterExtract,
		postAction:   postAction,
		open:         open,
		bar:          bar.New(bar.WithDefaultGradient(), bar.WithWidth(40)),
	}
}

// Init lists the archive, if there is one.
func (m *Model) Init() tea.Cmd {
	if m.archive == "" {
		m.setStatus("No archive given. Run: epack ui <archive>", statusWarn)
		return nil
	}
	return m.startList()
}

func (m *Model) startList() tea.Cmd {
	if err := m.session.ListContent(m.archive, m.onListed); err != nil {
		m.setStatus(fmt.Sprintf("Error: %v", err), statusErr)
		return nil
	}
	m.state = ListingState
	return m.tick()
}

func (m *Model) startExtract() tea.Cmd {
	if m.archive == "" || m.session.Busy() {
		return nil
	}
	req := m.request()
	if err := m.session.Extract(req, m.onProgress, m.onExtracted); err != nil {
		m.setStatus(fmt.Sprintf("Error: %v", err), statusErr)
		return nil
	}
	m.state = ExtractingState
	m.fraction = 0
	m.current = ""
	return m.tick()
}

func (m *Model) request() session.ExtractRequest {
	return session.ExtractRequest{
		Archive:       m.archive,
		Destination:   m.config.Destination,
		CreateFolder:  m.createFolder,
		DeleteArchive: m.deleteAfter,
	}
}

// tick schedules the next Poll. Only one tick chain runs at a time: it stops once
// Poll reports the job finished, and jobs only start when the session is idle.
func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.config.PollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) onListed(l ports.Listing, err error) {
	m.state = IdleState
	switch {
	case errors.Is(err, context.Canceled):
		m.setStatus("Listing cancelled", statusWarn)
	case err != nil:
		m.setStatus(fmt.Sprintf("Cannot list archive: %v", err), statusErr)
	default:
		m.listing = &l
		m.offset = 0
	}
}

func (m *Model) onProgress(fraction float64, name string) {
	m.fraction = fraction
	if name != "" {
		m.current = name
	}
}

func (m *Model) onExtracted(r progress.Result) {
	m.state = DoneState
	switch r.Status {
	case progress.StatusSuccess:
		target := m.request().Target()
		msg := fmt.Sprintf("✓ Extracted to %s", target)
		if m.deleteAfter {
			msg += " (archive deleted)"
		}
		if err := m.open(m.postAction, target); err != nil {
			m.setStatus(fmt.Sprintf("%s, but %v", msg, err), statusWarn)
		} else {
			m.setStatus(msg, statusOK)
		}
		m.closeAfter = m.postAction == config.PostExtractClose
	case progress.StatusCancelled:
		m.setStatus("Extraction cancelled", statusWarn)
	default:
		m.setStatus(fmt.Sprintf("✗ Extraction failed: %s", r.Message()), statusErr)
	}
}

func (m *Model) setStatus(msg string, kind statusKind) {
	m.statusMsg = msg
	m.statusKind = kind
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		if m.session.Poll() {
			return m, m.tick()
		}
		if m.closeAfter {
			m.closeAfter = false
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			_ = m.session.Close(ctx)
			return m, tea.Quit

		case key.Matches(msg, keys.Up):
			m.scroll(-1)

		case key.Matches(msg, keys.Down):
			m.scroll(1)

		case key.Matches(msg, keys.Extract):
			return m, m.startExtract()

		case key.Matches(msg, keys.Folder):
			if !m.session.Busy() {
				m.createFolder = !m.createFolder
			}

		case key.Matches(msg, keys.Delete):
			if !m.session.Busy() {
				m.deleteAfter = !m.deleteAfter
			}

		case key.Matches(msg, keys.Then):
			if !m.session.Busy() {
				m.postAction = nextAction(m.postAction)
			}

		case key.Matches(msg, keys.Abort):
			if m.session.Busy() {
				m.session.Abort()
				m.setStatus("Cancelling...", statusWarn)
			}
		}
	}

	return m, nil
}

// nextAction cycles through the post-extract actions.
func nextAction(current string) string {
	actions := config.PostExtractActions()
	for i, a := range actions {
		if a == current {
			return actions[(i+1)%len(actions)]
		}
	}
	return actions[0]
}

func (m *Model) visibleHeight() int {
	h := m.height - 16
	if h < 5 {
		h = 5
	}
	return h
}

func (m *Model) scroll(delta int) {
	if m.listing == nil {
		return
	}
	m.offset += delta
	maxOffset := len(m.listing.Entries) - m.visibleHeight()
	if maxOffset < 0 {
		maxOffset = 0
	}
	if m.offset > maxOffset {
		m.offset = maxOffset
	}
	if m.offset < 0 {
		m.offset = 0
	}
}

// View renders the UI
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	// Title
	b.WriteString(titleStyle.Render(" 📦 epack "))
	b.WriteString("\n\n")

	archive := m.archive
	if archive == "" {
		archive = "-"
	}
	backend := "-"
	if m.session != nil {
		backend = m.session.Backend().Name()
	}
	fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render("Archive:    "), archive)
	if m.archive != "" {
		fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render("Destination:"), m.request().Target())
	}
	fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render("Backend:    "), backend)
	fmt.Fprintf(&b, "  %s [c] create folder: %s   [D] delete after: %s   [o] then: %s\n",
		dimStyle.Render("Options:    "), toggle(m.createFolder), toggle(m.deleteAfter), onStyle.Render(m.postAction))
	b.WriteString("\n")

	b.WriteString(m.renderListing())

	// Progress
	b.WriteString("\n")
	if m.state == ExtractingState {
		b.WriteString("  ")
		b.WriteString(m.bar.ViewAs(m.fraction))
		b.WriteString("\n  ")
		b.WriteString(dimStyle.Render(truncate(m.current, 60)))
	}
	b.WriteString("\n")

	// Status
	if m.statusMsg != "" {
		switch m.statusKind {
		case statusErr:
			b.WriteString(errorBadge.Render(m.statusMsg))
		case statusWarn:
			b.WriteString(warnBadge.Render(m.statusMsg))
		default:
			b.WriteString(successBadge.Render(m.statusMsg))
		}
	}
	b.WriteString("\n")

	// Help
	help := "[↑/↓] scroll  [x] extract  [c] folder  [D] delete  [o] then  [esc] abort  [q] quit"
	b.WriteString(helpStyle.Render(help))

	return appStyle.Render(b.String())
}

func (m *Model) renderListing() string {
	var b strings.Builder

	if m.listing == nil {
		if m.state == ListingState {
			b.WriteString(dimStyle.Render("  Reading archive..."))
		}
		b.WriteString("\n")
		return b.String()
	}

	summary := fmt.Sprintf("  %d entries, %s", len(m.listing.Entries), ports.FormatSize(m.listing.TotalSize))
	b.WriteString(dimStyle.Render(summary))
	b.WriteString("\n")
	header := fmt.Sprintf("  %-10s %10s  %s", "MODE", "SIZE", "PATH")
	b.WriteString(dimStyle.Render(header))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", 70)))
	b.WriteString("\n")

	if len(m.listing.Entries) == 0 {
		b.WriteString(dimStyle.Render("  Archive is empty"))
		b.WriteString("\n")
		return b.String()
	}

	visible := m.visibleHeight()
	end := m.offset + visible
	if end > len(m.listing.Entries) {
		end = len(m.listing.Entries)
	}
	for i := m.offset; i < end; i++ {
		e := m.listing.Entries[i]
		size := ports.FormatSize(e.Size)
		style := normalStyle
		if e.IsDir {
			size = "-"
			style = selectedStyle
		}
		line := fmt.Sprintf("  %-10s %10s  %s", e.FileMode(), size, truncate(e.Path, 50))
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	if len(m.listing.Entries) > visible {
		scrollInfo := fmt.Sprintf("  Entries %d-%d of %d", m.offset+1, end, len(m.listing.Entries))
		b.WriteString(dimStyle.Render(scrollInfo))
		b.WriteString("\n")
	}
	return b.String()
}

func toggle(on bool) string {
	if on {
		return onStyle.Render("on")
	}
	return offStyle.Render("off")
}

// Run starts the TUI
func Run(opts Options) error {
	p := tea.NewProgram(NewModel(opts), tea.WithAltScreen())
	_, err := p.Run()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if cerr := opts.Session.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// Helper functions
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
