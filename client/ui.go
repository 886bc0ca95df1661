package main

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/puyokura/cmppaccount/flow"
	"github.com/sirupsen/logrus"
)

const maxNotices = 3

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#E74C3C"))

	severityStyles = map[flow.Severity]lipgloss.Style{
		flow.SeveritySuccess: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2ECC71")),
		flow.SeverityInfo:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3498DB")),
		flow.SeverityWarning: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F1C40F")),
		flow.SeverityDanger:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E74C3C")),
	}
)

// flows live as long as one connection.
type flows struct {
	enrol    *flow.Enrolment
	password *flow.PasswordChange
	reset    *flow.Reset
}

func (f *flows) close() {
	f.enrol.Close()
	f.password.Close()
}

type notice struct {
	id int
	flow.Notification
}

type noticeExpiredMsg struct {
	id int
}

type modelState struct {
	config  *Config
	network *Network
	session *session
	events  *eventSink
	log     *logrus.Entry

	flows     *flows
	gen       int
	connected bool
	host      string
	screen    string
	enrolling string // username of the last submitted enrolment
	invited   bool

	notices    []notice
	nextNotice int

	viewport  viewport.Model
	textInput textinput.Model
	messages  []string
	ready     bool
}

func initialModel(config *Config, net *Network, log *logrus.Entry) modelState {
	ti := textinput.New()
	ti.Placeholder = "Type a command, /help for a list..."
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 20

	return modelState{
		config:    config,
		network:   net,
		session:   &session{},
		events:    newEventSink(64, config.noticeDuration()),
		log:       log,
		textInput: ti,
		messages:  []string{},
	}
}

func (m modelState) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.events.wait)
}

func (m modelState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	// Panic recovery to catch crashes
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			m.log.WithField("stack", string(buf[:n])).Errorf("panic in Update: %v", r)
		}
	}()

	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.shutdown()
			return m, tea.Quit
		case tea.KeyEnter:
			if content := strings.TrimSpace(m.textInput.Value()); content != "" {
				m.textInput.SetValue("")
				cmd := m.runLine(content)
				return m, cmd
			}
		}

	case connectionMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		m.connected = true
		m.host = msg.host
		if err := m.config.SetHost(msg.host); err != nil {
			m.log.WithError(err).Warn("cannot save config")
		}
		m.openFlows()
		m.appendLine(fmt.Sprintf("Connected to %s.", msg.host))
		return m, m.network.WaitForMessage(msg.gen)

	case inboundMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		m.syncSession()
		return m, m.network.WaitForMessage(msg.gen)

	case disconnectedMsg:
		if msg.gen != m.gen {
			return m, nil
		}
		m.dropConnection()
		m.appendLine(errorStyle.Render(fmt.Sprintf("Disconnected: %v", msg.err)))
		return m, nil

	case noticeMsg:
		id := m.nextNotice
		m.nextNotice++
		m.notices = append(m.notices, notice{id: id, Notification: msg.Notification})
		if len(m.notices) > maxNotices {
			m.notices = m.notices[len(m.notices)-maxNotices:]
		}
		m.appendLine(renderNotice(msg.Notification))
		expire := tea.Tick(msg.Duration, func(time.Time) tea.Msg { return noticeExpiredMsg{id: id} })
		return m, tea.Batch(m.events.wait, expire)

	case noticeExpiredMsg:
		for i, n := range m.notices {
			if n.id == msg.id {
				m.notices = append(m.notices[:i:i], m.notices[i+1:]...)
				break
			}
		}
		return m, nil

	case navigateMsg:
		m.screen = msg.state
		m.appendLine(mutedStyle.Render("→ " + msg.state))
		return m, m.events.wait

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 3 + 1 + maxNotices
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(strings.Join(m.messages, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}
		m.textInput.Width = msg.Width

	case errMsg:
		m.appendLine(errorStyle.Render(fmt.Sprintf("Error: %v", msg)))
		return m, nil
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *modelState) runLine(content string) tea.Cmd {
	if !strings.HasPrefix(content, "/") {
		m.appendLine("Commands start with /. Type /help for a list.")
		return nil
	}
	name, args, err := parseCommand(content)
	if err != nil {
		m.appendLine(errorStyle.Render(err.Error()))
		return nil
	}

	switch name {
	case "/help":
		for _, line := range helpLines() {
			m.appendLine(line)
		}
	case "/quit":
		m.shutdown()
		return tea.Quit
	case "/connect":
		host := m.config.host()
		if len(args) == 1 {
			host = args[0]
		}
		if m.flows != nil {
			m.dropConnection()
		}
		m.gen++
		m.appendLine(fmt.Sprintf("Connecting to %s...", host))
		return m.network.Connect(host, m.gen)
	case "/disconnect":
		m.gen++
		m.dropConnection()
		m.network.Disconnect()
		m.appendLine("Disconnected.")
	case "/logout":
		m.session.Logout()
		m.invited = false
		if m.flows != nil {
			// A fresh enrolment asks for the registration status again.
			m.flows.enrol.Close()
			m.flows.enrol = flow.NewEnrolment(m.deps(), flow.EnrolmentOptions{})
		}
		m.appendLine("Signed out.")
	default:
		if m.flows == nil {
			m.appendLine("Not connected. Use /connect <host>.")
			return nil
		}
		m.runFlowCommand(name, args)
	}
	return nil
}

func (m *modelState) runFlowCommand(name string, args []string) {
	switch name {
	case "/status":
		m.flows.enrol.RegistrationStatus()
	case "/captcha":
		m.flows.enrol.GetCaptcha()
	case "/enrol":
		m.enrolling = args[0]
		err := m.flows.enrol.Enrol(flow.EnrolForm{
			Username:        args[0],
			Mail:            args[1],
			PasswordNew:     args[2],
			PasswordConfirm: args[3],
			AcceptTOS:       true,
			Captcha:         args[4],
		})
		m.reportSubmit("Enrolment submitted.", err)
	case "/passwd":
		old := args[0]
		if old == "-" {
			old = ""
		}
		err := m.flows.password.ChangePassword(old, args[1], args[2])
		m.reportSubmit("Password change submitted.", err)
	case "/reset":
		err := m.flows.reset.RequestReset(args[0], args[1])
		m.reportSubmit("Password reset requested.", err)
	}
}

// reportSubmit logs the local outcome of a submission. Validation errors are
// already shown as notifications.
func (m *modelState) reportSubmit(ok string, err error) {
	var invalid *flow.ValidationError
	switch {
	case err == nil:
		m.appendLine(mutedStyle.Render(ok))
	case errors.As(err, &invalid):
	case errors.Is(err, flow.ErrSubmitting):
		m.appendLine("An enrolment is already being submitted.")
	default:
		m.appendLine(errorStyle.Render(fmt.Sprintf("Error: %v", err)))
	}
}

func (m *modelState) deps() flow.Deps {
	return flow.Deps{
		Bus:       m.network.bus,
		Session:   m.session,
		Notifier:  m.events,
		Navigator: m.events,
		Log:       m.log,
		Component: m.config.Component,
		Timeout:   m.config.RequestTimeout,
	}
}

func (m *modelState) openFlows() {
	deps := m.deps()
	m.flows = &flows{
		enrol:    flow.NewEnrolment(deps, flow.EnrolmentOptions{SettleDelay: m.config.SettleDelay}),
		password: flow.NewPasswordChange(deps, flow.PasswordOptions{LandingState: m.config.LandingState}),
		reset:    flow.NewReset(deps),
	}
}

func (m *modelState) dropConnection() {
	if m.flows != nil {
		m.flows.close()
		m.flows = nil
	}
	m.connected = false
}

// syncSession signs in after a direct enrolment. An invitation leaves the
// session signed out until the account is activated.
func (m *modelState) syncSession() {
	if m.flows == nil {
		return
	}
	st := m.flows.enrol.State()
	switch {
	case st.Invited && !m.invited:
		m.invited = true
		m.appendLine("An invitation has been sent. Activate your account from your mail.")
	case st.Enrolled && !st.Invited && !m.session.SignedIn():
		m.session.signIn(m.enrolling)
		m.appendLine(fmt.Sprintf("Signed in as %s.", m.enrolling))
	}
}

func (m *modelState) shutdown() {
	m.dropConnection()
	m.network.Close()
}

func (m *modelState) appendLine(line string) {
	vLine := borderStyle.Render("│")
	m.messages = append(m.messages, fmt.Sprintf("%s %s %s %s", vLine, time.Now().Format("15:04"), vLine, line))
	m.viewport.SetContent(strings.Join(m.messages, "\n"))
	m.viewport.GotoBottom()
}

func (m modelState) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	for i := 0; i < maxNotices; i++ {
		b.WriteString("\n")
		if i < len(m.notices) {
			b.WriteString(renderNotice(m.notices[i].Notification))
		}
	}
	b.WriteString("\n")
	b.WriteString(strings.Repeat("─", m.viewport.Width))
	b.WriteString("\n")
	b.WriteString(m.textInput.View())
	return b.String()
}

func (m modelState) header() string {
	conn := mutedStyle.Render("offline")
	if m.connected {
		conn = severityStyles[flow.SeveritySuccess].Render("● " + m.host)
	}
	h := titleStyle.Render("cmppaccount") + " " + conn
	if m.screen != "" {
		h += " " + mutedStyle.Render("["+m.screen+"]")
	}
	return h
}

func (m modelState) statusLine() string {
	var enrol *flow.EnrolmentState
	if m.flows != nil {
		st := m.flows.enrol.State()
		enrol = &st
	}
	return renderStatus(enrol, m.session)
}

func renderStatus(st *flow.EnrolmentState, s *session) string {
	var parts []string
	if s.SignedIn() {
		parts = append(parts, "signed in as "+s.Username())
	}
	if st != nil {
		parts = append(parts,
			"registration: "+st.Registration.String(),
			"phase: "+st.Phase.String(),
			"captcha: "+captchaText(st.Captcha))
		if st.Submitting {
			parts = append(parts, "submitting...")
		}
	}
	if len(parts) == 0 {
		return mutedStyle.Render("not connected")
	}
	return mutedStyle.Render(strings.Join(parts, " | "))
}

// captchaText shows a text captcha as is and anything else by size.
func captchaText(c *flow.Captcha) string {
	if c == nil {
		return "none"
	}
	raw, err := c.Bytes()
	if err != nil {
		return "undecodable"
	}
	if len(raw) == 0 || len(raw) > 16 {
		return fmt.Sprintf("%d byte image", len(raw))
	}
	for _, b := range raw {
		if b < '!' || b > '~' {
			return fmt.Sprintf("%d byte image", len(raw))
		}
	}
	return string(raw)
}

func renderNotice(n flow.Notification) string {
	style, ok := severityStyles[n.Severity]
	if !ok {
		style = severityStyles[flow.SeverityInfo]
	}
	return style.Render(n.Title) + " " + n.Body
}
