package errs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := Errorf(NotFound, "boxing function %q not found", "foo")
	require.Error(t, err)
	assert.Equal(t, NotFound, KindOf(err))
	assert.Contains(t, err.Error(), `"foo"`)

	wrapped := errors.WithMessagef(err, "while applying boxing to %q", "op/out")
	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, NotFound))
	assert.False(t, Is(wrapped, InvalidArgument))
	assert.Contains(t, wrapped.Error(), "while applying boxing")

	wrapped = fmt.Errorf("outer: %w", wrapped)
	assert.Equal(t, NotFound, KindOf(wrapped))
}

func TestWrapf(t *testing.T) {
	assert.NoError(t, Wrapf(ParseError, nil, "ignored"))

	base := errors.New("unexpected token")
	err := Wrapf(ParseError, base, "parsing job conf")
	assert.Equal(t, ParseError, KindOf(err))
	assert.Equal(t, "parsing job conf: unexpected token", err.Error())
	assert.True(t, errors.Is(err, base))

	// The outermost kind wins.
	err = Wrapf(InvalidArgument, New(NotFound, "x"), "y")
	assert.Equal(t, InvalidArgument, KindOf(err))
}

func TestUnknownKind(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Unknown, KindOf(nil))
	assert.False(t, Is(nil, Unknown))
	assert.Equal(t, "TransportFailure", TransportFailure.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestFormatStackTrace(t *testing.T) {
	err := New(RuntimeMismatch, "placed distribution mismatch")
	assert.Equal(t, "placed distribution mismatch", fmt.Sprintf("%v", err))
	assert.Contains(t, fmt.Sprintf("%+v", err), "TestFormatStackTrace")
}
