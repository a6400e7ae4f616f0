package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunRejectsBadFlags(t *testing.T) {
	assert.Error(t, run([]string{"--no-such-flag"}))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("SWITCHBOARD_DISCOVERY_INTERVAL", "0")
	err := run([]string{"--env-file", "testdata/none.env"})
	assert.ErrorContains(t, err, "SWITCHBOARD_DISCOVERY_INTERVAL")
}
