// Package testutil carries small helpers shared by the package test
// suites.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Polling knobs for condition waits. Worker lifecycle transitions
// settle within milliseconds, so hitting the ceiling signals a hang.
const (
	waitCeiling  = 5 * time.Second
	pollInterval = 25 * time.Millisecond
)

// RequireEventually polls condition until it holds, failing the test
// once the ceiling passes.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, waitCeiling, pollInterval, msgAndArgs...)
}
