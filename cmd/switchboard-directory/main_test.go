package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunRejectsBadFlags(t *testing.T) {
	assert.Error(t, run([]string{"--addr"}))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "loud")
	err := run([]string{"--env-file", "testdata/none.env"})
	assert.ErrorContains(t, err, "LOG_LEVEL")
}
