package domain

import (
	"testing"
	"time"
)

func TestContainerStatus_Terminal(t *testing.T) {
	terminal := []ContainerStatus{StatusStopped, StatusFailed, StatusKilled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("Terminal() = false for %q, want true", s)
		}
	}

	live := []ContainerStatus{StatusPending, StatusStarting, StatusRunning, StatusStopping}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("Terminal() = true for %q, want false", s)
		}
	}
}

func TestParseEnvironmentMode(t *testing.T) {
	if got := ParseEnvironmentMode("local"); got != ModeLocal {
		t.Errorf("ParseEnvironmentMode(local) = %q, want %q", got, ModeLocal)
	}
	if got := ParseEnvironmentMode("remote"); got != ModeRemote {
		t.Errorf("ParseEnvironmentMode(remote) = %q, want %q", got, ModeRemote)
	}
	// Anything unrecognized falls back to remote
	if got := ParseEnvironmentMode("staging"); got != ModeRemote {
		t.Errorf("ParseEnvironmentMode(staging) = %q, want %q", got, ModeRemote)
	}
	if got := ParseEnvironmentMode(""); got != ModeRemote {
		t.Errorf("ParseEnvironmentMode(\"\") = %q, want %q", got, ModeRemote)
	}
}

func TestContainer_IdleFor(t *testing.T) {
	now := time.Now()

	c := &Container{CreatedAt: now.Add(-10 * time.Minute)}
	if got := c.IdleFor(now); got != 10*time.Minute {
		t.Errorf("IdleFor() with zero LastSeenAt = %v, want %v", got, 10*time.Minute)
	}

	c.LastSeenAt = now.Add(-3 * time.Minute)
	if got := c.IdleFor(now); got != 3*time.Minute {
		t.Errorf("IdleFor() = %v, want %v", got, 3*time.Minute)
	}
}

func TestMakeOwnerKey(t *testing.T) {
	if got := MakeOwnerKey("u1", "b1"); got != "u1:b1" {
		t.Errorf("MakeOwnerKey() = %q, want %q", got, "u1:b1")
	}
}

func TestServicePorts_CoverAllServices(t *testing.T) {
	for _, svc := range Services {
		if _, ok := ServicePorts[svc]; !ok {
			t.Errorf("ServicePorts missing entry for %q", svc)
		}
	}
}
