package inspect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// commandOutput runs a read-only command. Mocked in tests.
var commandOutput = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Dpkg answers package questions from the dpkg database and apt cache.
type Dpkg struct{}

// Installed reports whether id is fully installed. dpkg-query exits 1 for
// packages it has never heard of, which is a normal answer here.
func (Dpkg) Installed(ctx context.Context, id string) (bool, string, error) {
	out, err := commandOutput(ctx, "dpkg-query", "-W", "-f=${db:Status-Status} ${Version}\n", id)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, "", nil
		}
		return false, "", fmt.Errorf("dpkg-query %s: %w", id, err)
	}
	installed, version := parseDpkgStatus(string(out))
	return installed, version, nil
}

func parseDpkgStatus(out string) (bool, string) {
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	status, version, _ := strings.Cut(line, " ")
	if status != "installed" {
		return false, ""
	}
	return true, strings.TrimSpace(version)
}

// Available reports which ids have an installation candidate.
func (Dpkg) Available(ctx context.Context, ids []string) (map[string]bool, error) {
	args := append([]string{"policy"}, ids...)
	out, err := commandOutput(ctx, "apt-cache", args...)
	if err != nil {
		return nil, fmt.Errorf("apt-cache policy: %w", err)
	}
	avail := parseAptPolicy(string(out))
	for _, id := range ids {
		if _, ok := avail[id]; !ok {
			avail[id] = false
		}
	}
	return avail, nil
}

// parseAptPolicy reads "apt-cache policy" output:
//
//	nginx:
//	  Installed: (none)
//	  Candidate: 1.24.0-2ubuntu7
func parseAptPolicy(out string) map[string]bool {
	avail := make(map[string]bool)
	var current string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line[0] != ' ' && strings.HasSuffix(line, ":") {
			current = strings.TrimSuffix(line, ":")
			continue
		}
		trimmed := strings.TrimSpace(line)
		if current != "" && strings.HasPrefix(trimmed, "Candidate:") {
			candidate := strings.TrimSpace(strings.TrimPrefix(trimmed, "Candidate:"))
			avail[current] = candidate != "" && candidate != "(none)"
		}
	}
	return avail
}

// Journal returns the last lines of a unit's journal.
func (i *Inspector) Journal(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := commandOutput(ctx, "journalctl", "-u", UnitName(name), "-n", fmt.Sprint(lines), "--no-pager", "-o", "short-iso")
	if err != nil {
		return "", fmt.Errorf("journalctl %s: %w", name, err)
	}
	return string(out), nil
}
