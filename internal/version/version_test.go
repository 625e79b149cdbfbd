package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()

	if got := UserAgent(); got != "blindspot/1.2.3" {
		t.Errorf("UserAgent() = %q, want blindspot/1.2.3", got)
	}
	if info := Get(); info.Version != "1.2.3" || !strings.Contains(info.Platform, "/") {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestApplyBuildSettings(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	tests := []struct {
		name       string
		info       Info
		wantCommit string
		wantDate   string
	}{
		{"fills unknown", Info{GitCommit: "unknown", BuildDate: "unknown"}, "0123456789ab", "2026-01-02T03:04:05Z"},
		{"ldflags win", Info{GitCommit: "abc1234", BuildDate: "yesterday"}, "abc1234", "yesterday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := tt.info
			applyBuildSettings(&info, settings)
			if info.GitCommit != tt.wantCommit || info.BuildDate != tt.wantDate {
				t.Errorf("got %s/%s, want %s/%s", info.GitCommit, info.BuildDate, tt.wantCommit, tt.wantDate)
			}
			if !info.Modified {
				t.Error("Modified should be set")
			}
			if !strings.HasSuffix(info.String(), "dirty") {
				t.Errorf("String() = %q", info.String())
			}
		})
	}
}
