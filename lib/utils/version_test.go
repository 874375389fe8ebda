package utils

import "testing"

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Revision: "3"}
	if got, want := v.String(), "1.2.3"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestVersionStringWithHash(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Revision: "3", Hash: "abc123"}
	if got, want := v.String(), "1.2.3.abc123"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestLoadVersionReadsSiblingFile(t *testing.T) {
	v, err := LoadVersion()
	if err != nil {
		t.Fatalf("LoadVersion: %v", err)
	}
	if v == "" || v == "dev" {
		t.Errorf("LoadVersion() = %q, want a version parsed from version.yaml", v)
	}
}
