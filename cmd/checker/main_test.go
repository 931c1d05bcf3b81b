package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunFailsWithoutConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	assert.Equal(t, 1, run([]string{"-config", missing}))
	assert.Equal(t, 2, run([]string{"-bogus"}))
}
