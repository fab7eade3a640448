package main

import (
	"path/filepath"
	"testing"
)

func TestRunFlagErrors(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"version", []string{"--version"}, 0},
		{"unknown flag", []string{"--bogus"}, 2},
		{"missing root", []string{"--port", "0"}, 1},
		{"root does not exist", []string{"--root", filepath.Join(root, "missing")}, 1},
		{"lone access key", []string{"--root", root, "--access-key", "ak"}, 1},
		{"bad domain", []string{"--root", root, "--domain", "a/b"}, 1},
		{"missing config file", []string{"--config", filepath.Join(root, "none.yaml")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestStringList(t *testing.T) {
	var l stringList
	l.Set("a.example")
	l.Set("b.example")
	if l.String() != "a.example,b.example" || len(l) != 2 {
		t.Errorf("stringList = %v", l)
	}
}
