package sandbox

import (
	"strings"
	"testing"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"namespace", ModeNamespace, false},
		{"container", ModeContainer, false},
		{"", "", true},
		{"chroot", "", true},
		{"Namespace", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMode(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMode(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(Mode("vm"), &Spec{}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestHostConfigDefaultsLockedDown(t *testing.T) {
	c := &containerBox{spec: &Spec{}}
	hc, err := c.hostConfig()
	if err != nil {
		t.Fatal(err)
	}
	if string(hc.NetworkMode) != "none" {
		t.Errorf("network mode: got %q, want none", hc.NetworkMode)
	}
	if len(hc.CapDrop) != 1 || hc.CapDrop[0] != "ALL" {
		t.Errorf("cap drop: %v", hc.CapDrop)
	}
	if len(hc.CapAdd) != 0 {
		t.Errorf("cap add without network: %v", hc.CapAdd)
	}
	found := false
	for _, opt := range hc.SecurityOpt {
		if strings.HasPrefix(opt, "no-new-privileges") {
			found = true
		}
	}
	if !found {
		t.Errorf("no-new-privileges missing: %v", hc.SecurityOpt)
	}
	if hc.Resources.NanoCPUs != 0 || hc.Resources.Memory != 0 {
		t.Errorf("unexpected resource caps: %+v", hc.Resources)
	}
	if len(hc.Binds) != 0 {
		t.Errorf("binds without workdir: %v", hc.Binds)
	}
}

func TestHostConfigNetworkEnabled(t *testing.T) {
	c := &containerBox{spec: &Spec{NetworkEnabled: true}}
	hc, err := c.hostConfig()
	if err != nil {
		t.Fatal(err)
	}
	if string(hc.NetworkMode) != "bridge" {
		t.Errorf("network mode: got %q, want bridge", hc.NetworkMode)
	}
	if len(hc.CapAdd) != 1 || hc.CapAdd[0] != "NET_BIND_SERVICE" {
		t.Errorf("cap add: %v", hc.CapAdd)
	}
}

func TestHostConfigResourceLimits(t *testing.T) {
	c := &containerBox{spec: &Spec{CPULimit: 1.5, MemoryLimit: "512m", WorkDir: "/tmp/work"}}
	hc, err := c.hostConfig()
	if err != nil {
		t.Fatal(err)
	}
	if hc.Resources.NanoCPUs != 1_500_000_000 {
		t.Errorf("nano cpus: got %d", hc.Resources.NanoCPUs)
	}
	if hc.Resources.Memory != 512*1024*1024 {
		t.Errorf("memory: got %d", hc.Resources.Memory)
	}
	if len(hc.Binds) != 1 || hc.Binds[0] != "/tmp/work:/workspace" {
		t.Errorf("binds: %v", hc.Binds)
	}
}

func TestHostConfigBadMemoryLimit(t *testing.T) {
	c := &containerBox{spec: &Spec{MemoryLimit: "lots"}}
	if _, err := c.hostConfig(); err == nil {
		t.Fatal("expected error for unparseable memory limit")
	}
}

func TestShortID(t *testing.T) {
	long := "0123456789abcdef0123456789abcdef"
	if got := shortID(long); got != "0123456789ab" {
		t.Errorf("shortID(long) = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID(short) = %q", got)
	}
}
