package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunExitCodes(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "no promo", args: []string{"-config", missing}, want: 2},
		{name: "cooldown out of range", args: []string{"-config", missing, "-promo", "spring", "-cooldown-hours", "30"}, want: 2},
		{name: "unknown flag", args: []string{"-bogus"}, want: 2},
		{name: "unreadable config", args: []string{"-config", missing, "-promo", "spring"}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, run(tt.args))
		})
	}
}
