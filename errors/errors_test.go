package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapFormatsContext(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Manager", "Connect", "dial relay")

	require.Error(t, err)
	assert.Equal(t, "Manager.Connect: dial relay failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "Manager", "Connect", "dial relay"))
	assert.NoError(t, WrapTransient(nil, "Manager", "Connect", "dial relay"))
	assert.NoError(t, WrapFatal(nil, "Manager", "Connect", "dial relay"))
	assert.NoError(t, WrapInvalid(nil, "Manager", "Connect", "dial relay"))
}

func TestClassifiedWrappersSetClass(t *testing.T) {
	base := stderrors.New("boom")

	transient := WrapTransient(base, "C", "M", "a")
	invalid := WrapInvalid(base, "C", "M", "a")
	fatal := WrapFatal(base, "C", "M", "a")

	assert.True(t, IsTransient(transient))
	assert.False(t, IsTransient(invalid))
	assert.True(t, IsInvalid(invalid))
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsFatal(transient))

	assert.Equal(t, ErrorTransient, Classify(transient))
	assert.Equal(t, ErrorInvalid, Classify(invalid))
	assert.Equal(t, ErrorFatal, Classify(fatal))
}

func TestClassifiedErrorUnwrapsToSentinel(t *testing.T) {
	err := WrapTransient(
		fmt.Errorf("%w: after 3s", ErrTimeout),
		"Manager", "SendAndWait", "await response")

	assert.True(t, stderrors.Is(err, ErrTimeout))

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Manager", ce.Component)
	assert.Equal(t, "SendAndWait", ce.Operation)
}

func TestSentinelClassification(t *testing.T) {
	assert.True(t, IsTransient(ErrConnectTimeout))
	assert.True(t, IsTransient(ErrConnectRefused))
	assert.True(t, IsTransient(ErrConnectionLost))
	assert.True(t, IsTransient(ErrSendFailed))
	assert.True(t, IsTransient(ErrTimeout))
	assert.True(t, IsTransient(context.DeadlineExceeded))

	assert.True(t, IsFatal(ErrReconnectExhausted))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(ErrMissingConfig))

	assert.True(t, IsInvalid(ErrProtocol))
	assert.True(t, IsInvalid(ErrUnknownOperation))
}

func TestTransientPatternMatching(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("read: connection reset by peer")))
	assert.True(t, IsTransient(stderrors.New("i/o timeout")))
	assert.False(t, IsTransient(stderrors.New("permission denied")))
}

func TestNilChecks(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsInvalid(nil))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
