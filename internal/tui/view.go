package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"pact/internal/backend"
	"pact/internal/community"
	"pact/internal/domain"
	"pact/internal/verify"
	"pact/internal/wizard"
)

func (m *Model) View() string {
	var body string
	switch {
	case m.modal != modalNone:
		body = m.styles.Modal.Render(m.viewModal())
	case m.showTelemetry:
		body = m.viewTelemetry()
	default:
		switch step := m.app.Wizard.State().Step; step {
		case wizard.StepDashboard:
			body = m.viewDashboard()
		case wizard.StepCommunity:
			body = m.viewCommunity()
		default:
			body = m.viewWizard()
		}
	}
	parts := []string{m.viewHeader(), "", body, ""}
	if m.status != "" {
		if m.statusErr {
			parts = append(parts, m.styles.Error.Render(m.status))
		} else {
			parts = append(parts, m.styles.Info.Render(m.status))
		}
	}
	parts = append(parts, m.help.ShortHelpView(m.helpKeys()))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *Model) viewHeader() string {
	who := m.styles.Muted.Render("signed out")
	if id, ok := m.app.Identity.Current(); ok {
		name := id.DisplayName
		if name == "" {
			name = id.UID
		}
		l := m.app.Ledger.Current()
		who = fmt.Sprintf("%s · balance %d (earned %d, burned %d)", name, l.CurrentBalance, l.LifetimeEarned, l.LifetimeBurned)
	}
	return m.styles.Header.Render("PACT") + " " + who
}

func (m *Model) helpKeys() []key.Binding {
	k := m.keys
	switch m.modal {
	case modalSignIn, modalEdit:
		return []key.Binding{k.Tab, k.Submit, k.Back}
	case modalDelete:
		return []key.Binding{k.Confirm, k.Deny}
	case modalVerify:
		return []key.Binding{k.Tab, k.Send, k.Back}
	}
	nav := []key.Binding{k.New, k.Dashboard, k.Community, k.Telemetry, k.SignIn, k.Quit}
	if m.showTelemetry {
		return nav
	}
	switch m.app.Wizard.State().Step {
	case wizard.StepDashboard:
		return append([]key.Binding{k.Up, k.Down, k.Edit, k.Delete, k.Verify, k.Dismiss}, nav...)
	case wizard.StepCommunity:
		return append([]key.Binding{k.Tab}, nav...)
	}
	return append([]key.Binding{k.Submit, k.Back}, nav...)
}

func (m *Model) viewWizard() string {
	st := m.app.Wizard.State()
	var b strings.Builder
	b.WriteString(m.styles.Title.Render(fmt.Sprintf("New pact · step %d of 4", int(st.Step))) + "\n\n")
	switch st.Step {
	case wizard.StepGoal:
		b.WriteString("What will you commit to?\n")
		b.WriteString(m.goalInput.View())
	case wizard.StepDeadline:
		b.WriteString(m.styles.Muted.Render("Goal: "+st.Draft.Goal) + "\n")
		b.WriteString("By when? (a future date)\n")
		b.WriteString(m.deadlineInput.View())
	case wizard.StepPenalty:
		b.WriteString("What happens if you miss it?\n")
		for i, c := range penaltyChoices {
			line := "  " + c.Label
			if i == m.penaltyIdx {
				line = m.styles.Selected.Render("> " + c.Label)
			}
			b.WriteString(line + "\n")
		}
		if penaltyChoices[m.penaltyIdx].Type == domain.PenaltyDonation {
			b.WriteString("\n" + m.amountInput.View())
		}
		if st.Loading {
			b.WriteString("\n" + m.spin.View() + " The contract agent is drafting your terms...")
		}
	case wizard.StepReview:
		if st.Draft.Contract != nil {
			b.WriteString(m.styles.Card.Render(m.viewContract(*st.Draft.Contract)))
		}
		switch {
		case st.Loading:
			b.WriteString("\n" + m.spin.View() + " Signing...")
		case st.AuthPending:
			b.WriteString("\n" + m.styles.Warning.Render("Sign in (ctrl+l), then press enter to sign."))
		default:
			b.WriteString("\n" + m.styles.Bold.Render("Press enter to sign this pact."))
		}
	}
	return b.String()
}

func (m *Model) viewContract(c domain.Contract) string {
	lines := []string{
		m.styles.Bold.Render(c.Goal()),
		"Deadline: " + formatDeadline(c.Deadline),
		"Penalty:  " + describePenalty(c.Penalty),
	}
	if c.ConfidenceRequired > 0 {
		lines = append(lines, fmt.Sprintf("Proof needs %d%% confidence", int(c.ConfidenceRequired*100+0.5)))
	}
	for _, t := range c.Terms {
		lines = append(lines, "• "+t)
	}
	return strings.Join(lines, "\n")
}

func (m *Model) viewDashboard() string {
	v := m.app.Contracts.View()
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Your pacts") + "\n\n")
	switch {
	case !v.SignedIn:
		b.WriteString(m.styles.Muted.Render("Sign in to see your pacts."))
		return b.String()
	case v.Err != nil:
		msg := v.Err.Message
		if v.Err.MissingIndex {
			msg += " (the store is missing an index)"
		}
		b.WriteString(m.styles.Error.Render(msg))
		return b.String()
	case v.Loading:
		b.WriteString(m.spin.View() + " Loading...")
		return b.String()
	}
	if v.Reminder != nil {
		banner := fmt.Sprintf("Reminder: %q is due %s. Press v to submit proof, r to dismiss.", v.Reminder.Goal(), untilDeadline(v.Reminder.Deadline))
		b.WriteString(m.styles.Banner.Render(banner) + "\n\n")
	}
	if len(v.Contracts) == 0 {
		b.WriteString(m.styles.Muted.Render("No pacts yet. Press ctrl+n to make one."))
		return b.String()
	}
	if m.cursor >= len(v.Contracts) {
		m.cursor = len(v.Contracts) - 1
	}
	for i, c := range v.Contracts {
		line := fmt.Sprintf("%-9s %-40s %s", statusLabel(c.Status), truncate(c.Goal(), 40), formatDeadline(c.Deadline))
		if i == m.cursor {
			b.WriteString(m.styles.Selected.Render("> "+line) + "\n")
		} else {
			b.WriteString("  " + line + "\n")
		}
	}
	return b.String()
}

func (m *Model) viewModal() string {
	switch m.modal {
	case modalSignIn:
		return m.styles.Title.Render("Sign in") + "\n\n" + m.uidInput.View() + "\n" + m.nameInput.View()
	case modalEdit:
		return m.styles.Title.Render("Edit pact") + "\n\n" + m.editGoal.View() + "\n" + m.editDate.View()
	case modalDelete:
		if m.pendingDel == nil {
			return ""
		}
		return m.styles.Warning.Render(m.pendingDel.Prompt()) + "\n" + m.styles.Bold.Render(m.pendingDel.Goal) + "\n\n" + m.styles.Muted.Render("y to void, n to keep")
	case modalVerify:
		return m.viewVerify()
	}
	return ""
}

func (m *Model) viewVerify() string {
	if m.session == nil {
		return ""
	}
	st := m.session.State()
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Verify: "+st.Contract.Goal()) + "\n\n")
	if st.Phase == verify.PhaseCollecting {
		b.WriteString(m.evidence.View() + "\n" + m.attachPath.View())
		if st.Err != nil {
			b.WriteString("\n\n" + m.styles.Error.Render(backend.UserMessage(st.Err)))
		}
		return b.String()
	}
	switch st.Phase {
	case verify.PhaseUploading:
		b.WriteString(m.spin.View() + " Uploading evidence...\n")
	case verify.PhaseSubmitting, verify.PhaseAwaitingAgents:
		b.WriteString(m.spin.View() + " Agents at work...\n")
	}
	for _, l := range st.Lines {
		b.WriteString(m.styles.Info.Render(fmt.Sprintf("[%s]", strings.ToUpper(string(l.Agent)))) + " " + l.Message + "\n")
	}
	if st.Verdict != nil {
		b.WriteString("\n" + m.viewVerdict(*st.Verdict))
	}
	if st.Err != nil {
		b.WriteString("\n" + m.styles.Error.Render(backend.UserMessage(st.Err)))
	}
	return b.String()
}

func (m *Model) viewVerdict(v domain.Verdict) string {
	status := string(v.Verification.Status)
	switch v.Verification.Status {
	case domain.VerificationSuccess:
		status = m.styles.Success.Render(status)
	case domain.VerificationFailure:
		status = m.styles.Error.Render(status)
	default:
		status = m.styles.Warning.Render(status)
	}
	lines := []string{
		fmt.Sprintf("%s · %d%% confidence", status, v.Verification.ConfidencePercent()),
	}
	if v.Verification.Reasoning != "" {
		lines = append(lines, v.Verification.Reasoning)
	}
	if v.Verification.FailureReason != "" {
		lines = append(lines, "Reason: "+v.Verification.FailureReason)
	}
	if v.Audit.Verdict != "" {
		lines = append(lines, fmt.Sprintf("Audit: %s (%s)", v.Audit.Verdict, v.Audit.Reason))
	}
	if v.Enforcement != "" {
		lines = append(lines, "Enforcement: "+v.Enforcement)
	}
	lines = append(lines, "Ledger: "+v.LedgerEffect())
	return m.styles.Card.Render(strings.Join(lines, "\n"))
}

func (m *Model) viewCommunity() string {
	var b strings.Builder
	tabs := []string{"Feed", "Leaderboard"}
	if m.board == nil {
		return m.styles.Muted.Render("Loading...")
	}
	v := m.board.View()
	for i, t := range tabs {
		if community.Tab(i) == v.Tab {
			tabs[i] = m.styles.Selected.Render("[" + t + "]")
		} else {
			tabs[i] = m.styles.Muted.Render(" " + t + " ")
		}
	}
	b.WriteString(strings.Join(tabs, " ") + "\n\n")
	if !v.Loaded {
		b.WriteString(m.spin.View() + " Loading...")
		return b.String()
	}
	switch v.Tab {
	case community.TabFeed:
		if len(v.Feed) == 0 {
			b.WriteString(m.styles.Muted.Render("Nothing here yet."))
		}
		for _, it := range v.Feed {
			delta := fmt.Sprintf("%+.0f", it.TrustScoreDelta)
			b.WriteString(fmt.Sprintf("%-18s %-9s %s %s\n", truncate(it.UserName, 18), it.Status, truncate(it.GoalDescription, 36), m.styles.Muted.Render(delta)))
		}
	case community.TabLeaderboard:
		if len(v.Leaderboard) == 0 {
			b.WriteString(m.styles.Muted.Render("Nothing here yet."))
		}
		for i, u := range v.Leaderboard {
			b.WriteString(fmt.Sprintf("%2d. %-20s trust %3.0f  completed %d\n", i+1, truncate(u.DisplayName, 20), u.TrustScore, u.ContractsCompleted))
		}
	}
	return b.String()
}

func (m *Model) viewTelemetry() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Agent telemetry") + "\n\n")
	if m.telemetry == nil {
		return b.String()
	}
	v := m.telemetry.View()
	if v.Stats == nil && len(v.Traces) == 0 {
		b.WriteString(m.spin.View() + " Loading...")
		return b.String()
	}
	if s := v.Stats; s != nil {
		b.WriteString(fmt.Sprintf("Traces %d · success %.0f%% · avg %.2fs\n", s.TotalTraces, s.SuccessRate*100, s.AvgDuration))
		names := make([]string, 0, len(s.ByName))
		for n := range s.ByName {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			b.WriteString(m.styles.Muted.Render(fmt.Sprintf("  %-28s %d", n, s.ByName[n])) + "\n")
		}
		b.WriteString("\n")
	}
	for _, t := range v.Traces {
		b.WriteString(fmt.Sprintf("%-28s %-8s %6.2fs %s\n", truncate(t.Name, 28), t.Status, t.Duration, t.StartTime))
	}
	return b.String()
}

func describePenalty(p domain.Penalty) string {
	switch p.Type {
	case domain.PenaltyDonation:
		if p.AmountUSD != nil {
			return fmt.Sprintf("donate $%.2f", *p.AmountUSD)
		}
		return "donation"
	case domain.PenaltyPublicShame:
		return "public shame post"
	case domain.PenaltyStakeBurn:
		return fmt.Sprintf("burn %d stake", domain.StakePenalty)
	}
	if p.Description != "" {
		return p.Description
	}
	return string(p.Type)
}

func statusLabel(s domain.ContractStatus) string {
	if s == "" {
		return string(domain.StatusActive)
	}
	return string(s)
}

func formatDeadline(ts domain.Timestamp) string {
	if !ts.Valid() {
		return "no deadline"
	}
	return ts.Local().Format("Mon Jan 2 15:04")
}

func untilDeadline(ts domain.Timestamp) string {
	d := time.Until(ts.Time)
	switch {
	case d <= 0:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("in %d minutes", int(d.Minutes())+1)
	default:
		return fmt.Sprintf("in %d hours", int(d.Hours())+1)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
