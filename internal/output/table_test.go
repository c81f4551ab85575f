package output

import (
	"strings"
	"testing"
	"time"

	"github.com/blackwell-systems/devstack/internal/certs"
	"github.com/blackwell-systems/devstack/internal/inspect"
	"github.com/blackwell-systems/devstack/internal/packages"
	"github.com/blackwell-systems/devstack/internal/project"
	"github.com/blackwell-systems/devstack/internal/store"
	"github.com/blackwell-systems/devstack/internal/vhost"
)

func TestRenderServiceTable(t *testing.T) {
	tests := []struct {
		name     string
		services []*inspect.ManagedService
		contains []string
	}{
		{
			name:     "empty",
			contains: []string{"No services configured"},
		},
		{
			name: "running and absent",
			services: []*inspect.ManagedService{
				{Name: "nginx", Status: inspect.Running, Autostart: true, Ports: []int{80, 443}, MainPID: 812},
				{Name: "redis", Status: inspect.NotInstalled},
			},
			contains: []string{"nginx", "running", "yes", "812", "80,443", "redis", "not-installed", "-"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RenderServiceTable(tt.services)
			for _, expected := range tt.contains {
				if !strings.Contains(result, expected) {
					t.Errorf("RenderServiceTable() missing %q\nGot:\n%s", expected, result)
				}
			}
		})
	}
}

func TestRenderPackageTable_GroupsByCategory(t *testing.T) {
	entries := []packages.Entry{
		{ID: "nginx", Category: "Web Servers", Installed: true, Version: "1.24.0", Available: true},
		{ID: "apache2", Category: "Web Servers", Available: true},
		{ID: "mongodb-org", Category: "Databases"},
	}

	result := RenderPackageTable(entries)
	for _, expected := range []string{"Web Servers", "installed 1.24.0", "available", "Databases", "unavailable"} {
		if !strings.Contains(result, expected) {
			t.Errorf("RenderPackageTable() missing %q\nGot:\n%s", expected, result)
		}
	}
	if strings.Index(result, "Web Servers") > strings.Index(result, "Databases") {
		t.Errorf("categories out of order:\n%s", result)
	}
	if strings.Count(result, "Web Servers") != 1 {
		t.Errorf("category heading repeated:\n%s", result)
	}

	if got := RenderPackageTable(nil); !strings.Contains(got, "No packages found") {
		t.Errorf("RenderPackageTable(nil) = %q", got)
	}
}

func TestRenderSiteTable_SortedByHostname(t *testing.T) {
	sites := []vhost.Site{
		{Hostname: "shop.test", Engine: "nginx", DocumentRoot: "/srv/shop/public", PHPVersion: "8.3", TLS: true, Enabled: true},
		{Hostname: "blog.test", Engine: "apache", DocumentRoot: "/srv/blog"},
	}

	result := RenderSiteTable(sites)
	if strings.Index(result, "blog.test") > strings.Index(result, "shop.test") {
		t.Errorf("sites not sorted:\n%s", result)
	}
	for _, expected := range []string{"8.3", "enabled", "disabled", "/srv/shop/public"} {
		if !strings.Contains(result, expected) {
			t.Errorf("RenderSiteTable() missing %q\nGot:\n%s", expected, result)
		}
	}
	// Input is not reordered.
	if sites[0].Hostname != "shop.test" {
		t.Error("RenderSiteTable() mutated its input")
	}
}

func TestRenderCertTable(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	bundles := []*certs.Bundle{
		{Hostname: "shop.test", NotAfter: now.Add(200 * 24 * time.Hour), Trusted: true},
		{Hostname: "old.test", NotAfter: now.Add(-time.Hour)},
		{Hostname: "soon.test", NotAfter: now.Add(10*24*time.Hour + time.Hour)},
		{Hostname: "broken.test"},
	}

	result := RenderCertTable(bundles, now)
	for _, expected := range []string{"200 days left", "expired", "10 days left", "unreadable", "2026-12-18"} {
		if !strings.Contains(result, expected) {
			t.Errorf("RenderCertTable() missing %q\nGot:\n%s", expected, result)
		}
	}
}

func TestRenderProjectTable(t *testing.T) {
	result := RenderProjectTable([]project.Project{
		{Name: "shop", Type: "Laravel", URL: "https://shop.test", Path: "/home/dev/Projects/shop"},
	})
	for _, expected := range []string{"shop", "Laravel", "https://shop.test", "/home/dev/Projects/shop"} {
		if !strings.Contains(result, expected) {
			t.Errorf("RenderProjectTable() missing %q\nGot:\n%s", expected, result)
		}
	}
}

func TestRenderHistoryTable(t *testing.T) {
	now := time.Now()
	records := []*store.ActionRecord{
		{Kind: "service.restart", Args: []string{"nginx"}, Outcome: store.OutcomeSucceeded, StartedAt: now.Add(-5 * time.Minute), Duration: 420 * time.Millisecond},
		{Kind: "hosts.write", Outcome: store.OutcomeDenied, StartedAt: now.Add(-2 * time.Hour), Duration: 3 * time.Second},
	}

	result := RenderHistoryTable(records)
	for _, expected := range []string{"service.restart", "nginx", "succeeded", "420ms", "5 minutes ago", "denied", "3.0s", "2 hours ago"} {
		if !strings.Contains(result, expected) {
			t.Errorf("RenderHistoryTable() missing %q\nGot:\n%s", expected, result)
		}
	}
}

func TestRenderDriftTable(t *testing.T) {
	result := RenderDriftTable([]*store.DriftEvent{
		{Path: "/etc/hosts", Op: "WRITE", Timestamp: time.Now().Add(-time.Hour)},
	})
	for _, expected := range []string{"/etc/hosts", "WRITE", "1 hour ago"} {
		if !strings.Contains(result, expected) {
			t.Errorf("RenderDriftTable() missing %q\nGot:\n%s", expected, result)
		}
	}
}

func TestRenderBackupTable(t *testing.T) {
	result := RenderBackupTable([]*store.Backup{
		{ID: 7, CreatedAt: time.Now(), Kind: "hosts", Target: "/etc/hosts", Reason: "before adding shop.test", SizeBytes: 2048},
	})
	for _, expected := range []string{"7", "hosts", "2 KB", "/etc/hosts", "before adding shop.test"} {
		if !strings.Contains(result, expected) {
			t.Errorf("RenderBackupTable() missing %q\nGot:\n%s", expected, result)
		}
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{512, "512 B"},
		{2048, "2 KB"},
		{5 * 1024 * 1024, "5 MB"},
		{3 * 1024 * 1024 * 1024 / 2, "1.5 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Now()
	tests := []struct {
		t    time.Time
		want string
	}{
		{time.Time{}, "never"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-1 * time.Minute), "1 minute ago"},
		{now.Add(-3 * time.Hour), "3 hours ago"},
		{now.Add(-2 * 24 * time.Hour), "2 days ago"},
		{now.Add(-14 * 24 * time.Hour), "2 weeks ago"},
		{now.Add(-400 * 24 * time.Hour), "1 year ago"},
	}
	for _, tt := range tests {
		if got := formatRelativeTime(tt.t); got != tt.want {
			t.Errorf("formatRelativeTime(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "-"},
		{15 * time.Millisecond, "15ms"},
		{2500 * time.Millisecond, "2.5s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("very-long-hostname.test", 10); got != "very-lo..." {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
}
