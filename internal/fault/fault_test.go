package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := New(KindConflict, "handle %q already in use", "alpha")

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	inner := New(KindInsufficientBalance, "balance 3.0 below 5.0")
	err := fmt.Errorf("transfer: %w", inner)

	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.Equal(t, KindInsufficientBalance, KindOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := Wrap(KindStorage, cause, "write worker row")

	assert.True(t, errors.Is(err, ErrStorage))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("mystery")))
}
