// Package ui renders errors and status lines for people.
//
// Every error a manager returns falls into one category. The category picks
// the wording, the color and, for the HTTP API, the status code; nothing in
// devstack prints a bare "error occurred".
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/fault"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#CA8A04"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#2563EB"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#16A34A"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Italic(true)
	boldStyle    = lipgloss.NewStyle().Bold(true)
	outputStyle  = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderLeft(true).
			PaddingLeft(1)
)

// Category is the user-facing class of a failure.
type Category string

const (
	Permission     Category = "permission"
	Validation     Category = "validation"
	AlreadyInState Category = "already-in-state"
	NotInstalled   Category = "not-installed"
	CommandFailure Category = "command-failure"
	Unexpected     Category = "unexpected"
)

// Informational reports whether c describes an expected condition rather
// than a failure.
func (c Category) Informational() bool {
	return c == AlreadyInState || c == NotInstalled
}

// Categorize classifies err.
func Categorize(err error) Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, broker.ErrAuthenticationDenied),
		errors.Is(err, broker.ErrAuthenticationUnavailable):
		return Permission
	case errors.Is(err, fault.InvalidInput),
		errors.Is(err, broker.ErrDisallowedAction):
		return Validation
	case errors.Is(err, fault.AlreadyExists):
		return AlreadyInState
	case errors.Is(err, fault.NotInstalled):
		return NotInstalled
	case errors.Is(err, fault.ConfigurationInvalid),
		errors.Is(err, fault.StateTransitionFailed),
		errors.Is(err, broker.ErrCommandFailed):
		return CommandFailure
	default:
		return Unexpected
	}
}

// Message is an error broken into the parts a person reads.
type Message struct {
	Category   Category `json:"category"`
	Title      string   `json:"error"`
	Detail     string   `json:"detail,omitempty"`
	Diagnostic string   `json:"diagnostic,omitempty"`
	Hint       string   `json:"hint,omitempty"`
}

// Describe explains err. The captured output of a failed privileged command
// is carried verbatim in Diagnostic.
func Describe(err error) Message {
	m := Message{
		Category:   Categorize(err),
		Detail:     err.Error(),
		Diagnostic: strings.TrimSpace(broker.Diagnostic(err)),
	}

	switch m.Category {
	case Permission:
		if errors.Is(err, broker.ErrAuthenticationUnavailable) {
			m.Title = "No way to gain administrator rights"
			m.Hint = "install polkit (pkexec) or sudo, or set 'escalation' in the config file"
		} else {
			m.Title = "Administrator authentication was declined"
			m.Hint = "nothing was changed; run the command again and approve the prompt"
		}
	case Validation:
		m.Title = "Invalid request"
		m.Detail = fault.Detail(err)
	case AlreadyInState:
		m.Title = "Already done"
		m.Detail = fault.Detail(err)
	case NotInstalled:
		m.Title = "Not installed"
		m.Detail = fault.Detail(err)
		m.Hint = "see 'devstack pkg list' for installable packages"
	case CommandFailure:
		switch {
		case errors.Is(err, fault.ConfigurationInvalid):
			m.Title = "The web server rejected its configuration"
			m.Hint = "the previous configuration is still being served; fix the site and retry"
		case errors.Is(err, fault.StateTransitionFailed):
			m.Title = "The change did not take effect"
		default:
			m.Title = "A system command failed"
		}
	default:
		m.Title = "Unexpected error"
	}
	return m
}

// FormatError returns a styled multi-line rendering of err.
func FormatError(err error) string {
	m := Describe(err)

	title := errorStyle.Render("Error: " + m.Title)
	if m.Category.Informational() {
		title = infoStyle.Render(m.Title)
	}

	out := title + "\n"
	if m.Detail != "" {
		out += "  " + m.Detail + "\n"
	}
	if m.Diagnostic != "" {
		out += outputStyle.Render(m.Diagnostic) + "\n"
	}
	if m.Hint != "" {
		out += "  " + hintStyle.Render("Hint: "+m.Hint) + "\n"
	}
	return out
}

// Success prints a green success message.
func Success(msg string) {
	fmt.Println(successStyle.Render(msg))
}

// Warn prints a yellow warning message.
func Warn(msg string) {
	fmt.Println(warnStyle.Render("Warning: " + msg))
}

// Bold renders text in bold.
func Bold(s string) string {
	return boldStyle.Render(s)
}

// Hint renders text in dim italic.
func Hint(s string) string {
	return hintStyle.Render(s)
}

// ErrNotInteractive is returned by Confirm when no terminal is attached and
// the caller did not pre-approve.
var ErrNotInteractive = fault.New(fault.InvalidInput, "confirmation required; re-run with --yes")

// Confirm asks a yes/no question. assumeYes skips the prompt.
func Confirm(title, description string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return false, ErrNotInteractive
	}

	var ok bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Password asks for a secret without echoing it.
func Password(title string) (string, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return "", fault.Errorf(fault.InvalidInput, "%s: no terminal to prompt on", title)
	}

	var secret string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("must not be empty")
					}
					return nil
				}).
				Value(&secret),
		),
	).Run()
	if err != nil {
		return "", err
	}
	return secret, nil
}
