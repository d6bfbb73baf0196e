package core

import (
	"testing"
)

func TestLoadProfile_Dev(t *testing.T) {
	p, err := LoadProfile("dev")
	if err != nil {
		t.Fatalf("LoadProfile(dev) error: %v", err)
	}
	if p.Name != "dev" {
		t.Errorf("Name = %q, want %q", p.Name, "dev")
	}
	if p.PathPolicyForbiddenPrefixes != ".github/,.git/,secrets/,.env" {
		t.Errorf("ForbiddenPrefixes = %q", p.PathPolicyForbiddenPrefixes)
	}
	if p.CLITimeoutSeconds != 30 {
		t.Errorf("CLITimeoutSeconds = %d, want 30", p.CLITimeoutSeconds)
	}
	if p.StageAttempts != 3 {
		t.Errorf("StageAttempts = %d, want 3", p.StageAttempts)
	}
	if p.MaxHealingCycles != 3 {
		t.Errorf("MaxHealingCycles = %d, want 3", p.MaxHealingCycles)
	}
}

func TestLoadProfile_Prod(t *testing.T) {
	p, err := LoadProfile("prod")
	if err != nil {
		t.Fatalf("LoadProfile(prod) error: %v", err)
	}
	if p.PathPolicyForbiddenPrefixes != ".github/,.git/,secrets/,.env,infra/,deploy/,terraform/" {
		t.Errorf("ForbiddenPrefixes = %q", p.PathPolicyForbiddenPrefixes)
	}
	if p.StageAttempts != 2 {
		t.Errorf("StageAttempts = %d, want 2", p.StageAttempts)
	}
	if p.MinConfidence != 0.8 {
		t.Errorf("MinConfidence = %v, want 0.8", p.MinConfidence)
	}
}

func TestLoadProfile_EmptyDefaultsToDev(t *testing.T) {
	p, err := LoadProfile("")
	if err != nil {
		t.Fatalf("LoadProfile(\"\") error: %v", err)
	}
	if p.Name != "dev" {
		t.Errorf("Name = %q, want %q", p.Name, "dev")
	}
}

func TestLoadProfile_CaseInsensitive(t *testing.T) {
	p, err := LoadProfile("STAGING")
	if err != nil {
		t.Fatalf("LoadProfile(STAGING) error: %v", err)
	}
	if p.Name != "staging" {
		t.Errorf("Name = %q, want %q", p.Name, "staging")
	}
}

func TestLoadProfile_UnknownReturnsError(t *testing.T) {
	if _, err := LoadProfile("unknown"); err == nil {
		t.Fatal("LoadProfile(unknown) should return error")
	}
}

func TestLoadProfile_ReturnsCopy(t *testing.T) {
	p1, _ := LoadProfile("dev")
	p2, _ := LoadProfile("dev")
	p1.StageAttempts = 99
	if p2.StageAttempts == 99 {
		t.Error("LoadProfile should return independent copies")
	}
}
