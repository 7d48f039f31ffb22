package provisioner

import (
	"strings"
	"testing"
)

func TestNewGCPLauncherRequiresProject(t *testing.T) {
	_, err := NewGCPLauncher(LauncherConfig{})
	if err == nil {
		t.Fatal("expected error when project is empty")
	}
}

func TestNewGCPLauncherAppliesDefaults(t *testing.T) {
	l, err := NewGCPLauncher(LauncherConfig{Project: "my-project"})
	if err != nil {
		t.Fatalf("NewGCPLauncher() returned error: %v", err)
	}
	if l.zone != "us-central1-a" {
		t.Errorf("zone = %q, want us-central1-a", l.zone)
	}
	if l.machineType != "e2-standard-4" {
		t.Errorf("machineType = %q, want e2-standard-4", l.machineType)
	}
	if l.network != "default" {
		t.Errorf("network = %q, want default", l.network)
	}
}

func TestInstanceNameTruncatesAndLowercases(t *testing.T) {
	name := instanceName("ATTEMPT-0123456789-0123456789-0123456789-0123456789-0123456789")
	if len(name) > 63 {
		t.Errorf("instance name too long: %d chars", len(name))
	}
	if name != strings.ToLower(name) {
		t.Errorf("instance name not lowercased: %q", name)
	}
}
