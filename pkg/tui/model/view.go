package model

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/modoterra/rtlstream/pkg/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	activePaneStyle = paneStyle.
			BorderForeground(lipgloss.Color("205"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}

	statusBarH := 2
	matchPaneH := max(a.height/3, 5)
	mainH := a.height - matchPaneH - statusBarH - 2
	listW := a.width*2/5 - 2
	detailW := a.width - listW - 4

	list := a.renderList(listW, mainH)
	listPane := a.paneBox(PaneList, " Subscriptions ", list, listW, mainH)

	detail := a.renderDetail(detailW, mainH)
	detailPane := a.paneBox(PaneDetail, " Detail ", detail, detailW, mainH)

	topRow := lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)

	matches := a.renderMatches(a.width-4, matchPaneH)
	matchPane := a.paneBox(PaneMatches, a.matchTitle(), matches, a.width-4, matchPaneH)

	return lipgloss.JoinVertical(lipgloss.Left, topRow, matchPane, a.renderStatusBar())
}

func (a App) paneBox(pane Pane, title, content string, w, h int) string {
	style := paneStyle
	if a.activePane == pane {
		style = activePaneStyle
	}
	return style.Width(w).Height(h).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

func (a App) renderList(w, h int) string {
	subs := a.filteredSubs()
	if len(subs) == 0 {
		if a.mode == ModeSearch {
			return dimStyle.Render("no subscriptions") + "\n\n" + a.search.View()
		}
		return dimStyle.Render("no subscriptions")
	}

	var b strings.Builder
	maxVisible := h - 2
	start := 0
	if a.selectedIdx >= maxVisible {
		start = a.selectedIdx - maxVisible + 1
	}

	for i := start; i < len(subs) && i-start < maxVisible; i++ {
		sub := subs[i]
		value := core.FormatValue(sub.LastValue)
		nameW := max(w-len(value)-4, 4)
		line := fmt.Sprintf(" %s %-*s %s", activityIndicator(sub), nameW, truncate(sub.ID, nameW), value)

		if i == a.selectedIdx {
			line = selectedStyle.Width(w).Render(line)
		}
		b.WriteString(line + "\n")
	}

	if a.mode == ModeSearch {
		b.WriteString("\n" + a.search.View())
	}

	return b.String()
}

func (a App) renderDetail(w, h int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Decoder: %s", colorStatus(a.session.Status))
	if a.session.PID > 0 {
		fmt.Fprintf(&b, " %s", dimStyle.Render(fmt.Sprintf("pid %d", a.session.PID)))
	}
	if a.eof {
		fmt.Fprintf(&b, " %s", dimStyle.Render("[EOF]"))
	}
	b.WriteString("\n")
	if p := a.session.Process; p != nil {
		fmt.Fprintf(&b, "Memory:  %s  CPU: %.1fs  Threads: %d\n", formatBytes(p.RSSBytes), p.CPUSeconds, p.Threads)
	}
	if len(a.session.Command) > 0 {
		fmt.Fprintf(&b, "Command: %s\n", dimStyle.Render(truncate(strings.Join(a.session.Command, " "), w-9)))
	}
	b.WriteString("\n")

	sub := a.selectedSub()
	if sub == nil {
		b.WriteString(dimStyle.Render("select a subscription"))
		return b.String()
	}

	fmt.Fprintf(&b, "ID:       %s\n", sub.ID)
	fmt.Fprintf(&b, "Protocol: %d\n", sub.Protocol)
	fmt.Fprintf(&b, "Model:    %s\n", sub.Model)
	if sub.DeviceID != "" {
		fmt.Fprintf(&b, "Device:   %s\n", sub.DeviceID)
	}
	if sub.Field != "" {
		fmt.Fprintf(&b, "Field:    %s\n", sub.Field)
	}
	fmt.Fprintf(&b, "Queue:    %d/%s %s\n", sub.Queued, capacityString(sub.Capacity), dimStyle.Render(sub.Overflow))
	fmt.Fprintf(&b, "Matched:  %d\n", sub.Matched)
	if sub.Dropped > 0 {
		fmt.Fprintf(&b, "Dropped:  %s\n", statusFailed.Render(fmt.Sprint(sub.Dropped)))
	}
	if sub.LastTime != "" {
		fmt.Fprintf(&b, "Last:     %s = %s\n", sub.LastTime, core.FormatValue(sub.LastValue))
	}

	return b.String()
}

func (a App) renderMatches(w, h int) string {
	sub := a.selectedSub()
	if sub == nil {
		return dimStyle.Render("no subscription selected")
	}
	ms := a.matches[sub.ID]
	if len(ms) == 0 {
		return dimStyle.Render("no matches yet")
	}

	start := 0
	if len(ms) > h-1 {
		start = len(ms) - h + 1
	}

	var b strings.Builder
	for i := start; i < len(ms); i++ {
		b.WriteString(truncate(ms[i].String(), w) + "\n")
	}
	return b.String()
}

func (a App) matchTitle() string {
	title := " Matches "
	if a.paused {
		title += dimStyle.Render("[PAUSED]") + " "
	}
	return title
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	right := "j/k:nav tab:pane /:search space:pause c:clear u:unsubscribe q:quit"
	switch a.mode {
	case ModeSearch:
		right = "enter:apply esc:cancel"
	case ModeConfirmUnsubscribe:
		right = "y:confirm n:cancel"
	}

	gap := a.width - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func activityIndicator(sub core.SubscriptionInfo) string {
	switch {
	case sub.Dropped > 0:
		return statusFailed.Render("●")
	case sub.Matched > 0:
		return statusRunning.Render("●")
	default:
		return dimStyle.Render("○")
	}
}

func colorStatus(status core.Status) string {
	s := string(status)
	if s == "" {
		s = string(core.StatusUnknown)
	}
	switch status {
	case core.StatusRunning:
		return statusRunning.Render(s)
	case core.StatusStopped:
		return statusStopped.Render(s)
	case core.StatusFailed:
		return statusFailed.Render(s)
	case core.StatusIdle:
		return statusIdle.Render(s)
	default:
		return dimStyle.Render(s)
	}
}

func capacityString(n int) string {
	if n == 0 {
		return "∞"
	}
	return fmt.Sprint(n)
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatBytes(b uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
