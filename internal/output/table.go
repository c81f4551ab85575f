// Package output renders devstack state for the terminal.
//
// This package includes:
//   - Table rendering for services, packages, sites, certificates, projects,
//     the action journal, drift events and backups
//   - Progress bars and spinners for long-running operations
//   - Human-readable formatting for sizes, durations and dates
//
// Tables use plain ASCII columns; ANSI color is added only when stdout is a
// terminal and NO_COLOR is unset. Progress indicators are safe for use from
// multiple goroutines.
package output

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/blackwell-systems/devstack/internal/certs"
	"github.com/blackwell-systems/devstack/internal/inspect"
	"github.com/blackwell-systems/devstack/internal/packages"
	"github.com/blackwell-systems/devstack/internal/project"
	"github.com/blackwell-systems/devstack/internal/store"
	"github.com/blackwell-systems/devstack/internal/vhost"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// IsColorEnabled returns true if ANSI color codes should be emitted.
// It checks that os.Stdout is a TTY and that the NO_COLOR env var is not set.
func IsColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

// colorize wraps text in the given ANSI color code if color is enabled,
// otherwise returns the plain text.
func colorize(color, text string) string {
	if IsColorEnabled() {
		return color + text + colorReset
	}
	return text
}

// padColor pads text to width before coloring so escape codes do not
// disturb column alignment.
func padColor(color, text string, width int) string {
	return colorize(color, fmt.Sprintf("%-*s", width, text))
}

func rule(width int) string {
	return strings.Repeat("─", width) + "\n"
}

// RenderServiceTable renders managed services in the order given.
func RenderServiceTable(svcs []*inspect.ManagedService) string {
	if len(svcs) == 0 {
		return "No services configured.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-18s %-14s %-10s %-8s %s\n",
		"Service", "Status", "Autostart", "PID", "Ports"))
	sb.WriteString(rule(64))

	for _, s := range svcs {
		autostart := "no"
		if s.Autostart {
			autostart = "yes"
		}
		pid := "-"
		if s.MainPID != 0 {
			pid = strconv.FormatUint(uint64(s.MainPID), 10)
		}
		sb.WriteString(fmt.Sprintf("%-18s %s %-10s %-8s %s\n",
			truncate(s.Name, 18),
			padColor(statusColor(s.Status), string(s.Status), 14),
			autostart,
			pid,
			formatPorts(s.Ports)))
	}
	return sb.String()
}

func statusColor(s inspect.Status) string {
	switch s {
	case inspect.Running:
		return colorGreen
	case inspect.Stopped:
		return colorYellow
	default:
		return colorGray
	}
}

func formatPorts(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// RenderPackageTable renders catalog entries grouped under their category,
// categories in the order they first appear.
func RenderPackageTable(entries []packages.Entry) string {
	if len(entries) == 0 {
		return "No packages found.\n"
	}

	var order []string
	groups := make(map[string][]packages.Entry)
	for _, e := range entries {
		if _, ok := groups[e.Category]; !ok {
			order = append(order, e.Category)
		}
		groups[e.Category] = append(groups[e.Category], e)
	}

	var sb strings.Builder
	for i, cat := range order {
		if i > 0 {
			sb.WriteString("\n")
		}
		if cat == "" {
			cat = "Other"
		}
		sb.WriteString(cat + "\n")
		sb.WriteString(rule(72))
		for _, e := range groups[order[i]] {
			state := "available"
			color := colorGray
			switch {
			case e.Installed:
				state = "installed"
				color = colorGreen
				if e.Version != "" {
					state += " " + e.Version
				}
			case !e.Available:
				state = "unavailable"
				color = colorRed
			}
			sb.WriteString(fmt.Sprintf("  %-16s %s %s\n",
				truncate(e.ID, 16),
				padColor(color, truncate(state, 24), 24),
				truncate(e.Description, 28)))
		}
	}
	return sb.String()
}

// RenderSiteTable renders virtual hosts sorted by hostname.
func RenderSiteTable(sites []vhost.Site) string {
	if len(sites) == 0 {
		return "No virtual hosts found.\n"
	}

	sorted := make([]vhost.Site, len(sites))
	copy(sorted, sites)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Hostname < sorted[j].Hostname
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-24s %-7s %-5s %-4s %-8s %s\n",
		"Hostname", "Engine", "PHP", "TLS", "State", "Document Root"))
	sb.WriteString(rule(80))

	for _, s := range sorted {
		php := s.PHPVersion
		if php == "" {
			php = "-"
		}
		tls := "no"
		if s.TLS {
			tls = "yes"
		}
		state, color := "disabled", colorYellow
		if s.Enabled {
			state, color = "enabled", colorGreen
		}
		sb.WriteString(fmt.Sprintf("%-24s %-7s %-5s %-4s %s %s\n",
			truncate(s.Hostname, 24),
			s.Engine,
			php,
			tls,
			padColor(color, state, 8),
			s.DocumentRoot))
	}
	return sb.String()
}

// RenderCertTable renders certificates with their remaining validity.
func RenderCertTable(bundles []*certs.Bundle, now time.Time) string {
	if len(bundles) == 0 {
		return "No certificates found.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-28s %-12s %-14s %s\n",
		"Hostname", "Expires", "Validity", "Trusted"))
	sb.WriteString(rule(64))

	for _, b := range bundles {
		validity, color := formatValidity(b.NotAfter.Sub(now))
		if b.NotAfter.IsZero() {
			validity, color = "unreadable", colorGray
		}
		trusted := "no"
		if b.Trusted {
			trusted = "yes"
		}
		expires := "-"
		if !b.NotAfter.IsZero() {
			expires = b.NotAfter.Format("2006-01-02")
		}
		sb.WriteString(fmt.Sprintf("%-28s %-12s %s %s\n",
			truncate(b.Hostname, 28),
			expires,
			padColor(color, validity, 14),
			trusted))
	}
	return sb.String()
}

func formatValidity(left time.Duration) (string, string) {
	days := int(left.Hours() / 24)
	switch {
	case left <= 0:
		return "expired", colorRed
	case days < 30:
		return fmt.Sprintf("%d days left", days), colorYellow
	default:
		return fmt.Sprintf("%d days left", days), colorGreen
	}
}

// RenderProjectTable renders projects in the order given.
func RenderProjectTable(projects []project.Project) string {
	if len(projects) == 0 {
		return "No projects found.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-20s %-10s %-28s %s\n",
		"Project", "Type", "URL", "Path"))
	sb.WriteString(rule(80))

	for _, p := range projects {
		sb.WriteString(fmt.Sprintf("%-20s %-10s %-28s %s\n",
			truncate(p.Name, 20),
			truncate(p.Type, 10),
			truncate(p.URL, 28),
			p.Path))
	}
	return sb.String()
}

// RenderHistoryTable renders journalled privileged actions, newest first as
// returned by the store.
func RenderHistoryTable(records []*store.ActionRecord) string {
	if len(records) == 0 {
		return "No actions recorded.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-16s %-20s %-11s %-8s %s\n",
		"When", "Action", "Outcome", "Took", "Arguments"))
	sb.WriteString(rule(80))

	for _, r := range records {
		sb.WriteString(fmt.Sprintf("%-16s %-20s %s %-8s %s\n",
			truncate(formatRelativeTime(r.StartedAt), 16),
			truncate(r.Kind, 20),
			padColor(outcomeColor(r.Outcome), r.Outcome, 11),
			formatDuration(r.Duration),
			truncate(strings.Join(r.Args, " "), 40)))
	}
	return sb.String()
}

func outcomeColor(outcome string) string {
	switch outcome {
	case store.OutcomeSucceeded:
		return colorGreen
	case store.OutcomeRejected:
		return colorYellow
	case store.OutcomeFailed, store.OutcomeDenied:
		return colorRed
	default:
		return colorGray
	}
}

// RenderDriftTable renders drift events.
func RenderDriftTable(events []*store.DriftEvent) string {
	if len(events) == 0 {
		return "No drift recorded.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-16s %-14s %s\n", "When", "Change", "Path"))
	sb.WriteString(rule(64))
	for _, ev := range events {
		sb.WriteString(fmt.Sprintf("%-16s %-14s %s\n",
			truncate(formatRelativeTime(ev.Timestamp), 16),
			truncate(ev.Op, 14),
			ev.Path))
	}
	return sb.String()
}

// RenderBackupTable renders saved backups.
func RenderBackupTable(backups []*store.Backup) string {
	if len(backups) == 0 {
		return "No backups found.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-5s %-20s %-6s %-8s %-32s %s\n",
		"ID", "Created", "Kind", "Size", "Target", "Reason"))
	sb.WriteString(rule(88))

	for _, b := range backups {
		sb.WriteString(fmt.Sprintf("%-5d %-20s %-6s %-8s %-32s %s\n",
			b.ID,
			b.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			b.Kind,
			formatSize(b.SizeBytes),
			truncate(b.Target, 32),
			b.Reason))
	}
	return sb.String()
}

// formatSize converts bytes to human-readable size.
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.0f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.0f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatDuration renders short durations for the journal.
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}

// formatRelativeTime converts a timestamp to relative time (e.g., "2 days ago").
func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour")
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day")
	case diff < 30*24*time.Hour:
		return plural(int(diff.Hours()/24/7), "week")
	case diff < 365*24*time.Hour:
		return plural(int(diff.Hours()/24/30), "month")
	default:
		return plural(int(diff.Hours()/24/365), "year")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
