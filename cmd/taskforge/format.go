package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/taskforge/internal/events"
	"github.com/ShayCichocki/taskforge/pkg/models"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
)

// printStatus prints a colored symbol followed by a message.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// statusLabel colors a task status for terminal output.
func statusLabel(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return green(string(s))
	case models.TaskStatusFailed:
		return red(string(s))
	case models.TaskStatusBlocked, models.TaskStatusCancelled:
		return yellow(string(s))
	case models.TaskStatusRunning:
		return cyan(string(s))
	default:
		return string(s)
	}
}

// circuitLabel colors a circuit state for terminal output.
func circuitLabel(s models.CircuitState) string {
	switch s {
	case models.CircuitOpen:
		return red(string(s))
	case models.CircuitHalfOpen:
		return yellow(string(s))
	default:
		return green(string(s))
	}
}

// formatCounts renders non-zero status counts in lifecycle order.
func formatCounts(counts map[models.TaskStatus]int) string {
	var parts []string
	for _, s := range models.AllTaskStatuses {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, statusLabel(s)))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// describeEvent renders one journaled event as a single line.
func describeEvent(ev events.Event) string {
	var b strings.Builder
	switch ev.Type {
	case events.TypeTaskTransition:
		fmt.Fprintf(&b, "task %s: %s -> %s", ev.TaskID, ev.From, statusLabel(models.TaskStatus(ev.To)))
	case events.TypeWorkerAssigned:
		fmt.Fprintf(&b, "task %s assigned to %s", ev.TaskID, ev.WorkerID)
	case events.TypeWorkerReleased:
		fmt.Fprintf(&b, "task %s released %s", ev.TaskID, ev.WorkerID)
	case events.TypeWorkerRegistered:
		fmt.Fprintf(&b, "worker %s registered", ev.WorkerID)
	case events.TypeWorkerRemoved:
		fmt.Fprintf(&b, "worker %s removed", ev.WorkerID)
	case events.TypeCircuitStateChange:
		fmt.Fprintf(&b, "circuit %s: %s -> %s", ev.Key, ev.From, circuitLabel(models.CircuitState(ev.To)))
	case events.TypeRunStarted:
		fmt.Fprintf(&b, "run %s started", ev.RunID)
	case events.TypeRunFinished:
		fmt.Fprintf(&b, "run %s finished", ev.RunID)
	default:
		b.WriteString(string(ev.Type))
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " (%s)", ev.Message)
	}
	return b.String()
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		if s > 0 {
			return fmt.Sprintf("%dm%ds", m, s)
		}
		return fmt.Sprintf("%dm", m)
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

// formatAge formats how long ago t was.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatDuration(time.Since(t).Truncate(time.Second)) + " ago"
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
