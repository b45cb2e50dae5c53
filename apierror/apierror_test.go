package apierror_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorUnwrapAndIs(t *testing.T) {
	cause := errors.New("connection refused")
	err := apierror.New(apierror.KindTransportError, "dial failed", cause)

	require.EqualError(t, err, "transport_error: dial failed")
	assert.True(t, errors.Is(err, cause))
	assert.True(t, apierror.Is(err, apierror.KindTransportError))
	assert.False(t, apierror.Is(err, apierror.KindRateLimited))
}

func TestKindOfWrapped(t *testing.T) {
	base := apierror.New(apierror.KindRateLimited, "quota exceeded", nil)
	wrapped := fmt.Errorf("executing op: %w", base)

	assert.Equal(t, apierror.KindRateLimited, apierror.KindOf(wrapped))
	assert.Equal(t, apierror.Kind(""), apierror.KindOf(errors.New("plain")))
}
