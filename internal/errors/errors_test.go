package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrClosed,
		ErrNoUser,
		ErrUnknownDomain,
		ErrInvalidOperation,
	}
	for i := 0; i < len(sentinels); i++ {
		assert.NotEmpty(t, sentinels[i].Error())
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{New(KindValidation, "content is empty"), "validation: content is empty"},
		{&Error{Kind: KindNetwork, Err: fmt.Errorf("dial tcp: refused")}, "network: dial tcp: refused"},
		{&Error{Kind: KindAuth, Message: "fetch", Err: fmt.Errorf("401")}, "auth: fetch: 401"},
		{&Error{Kind: KindServerUnavailable}, "serverUnavailable"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestWrap_NilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(KindNetwork, nil, "ignored"))
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := Wrap(KindAuth, fmt.Errorf("token expired"), "write")
	wrapped := fmt.Errorf("replaying mutation: %w", base)

	assert.Equal(t, KindAuth, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, base))
}

func TestKindOf_DeadlineIsNetwork(t *testing.T) {
	err := fmt.Errorf("fetching: %w", context.DeadlineExceeded)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(fmt.Errorf("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindNetwork, "x")))
	assert.True(t, Retryable(New(KindServerUnavailable, "x")))
	assert.False(t, Retryable(New(KindAuth, "x")))
	assert.False(t, Retryable(New(KindValidation, "x")))
	assert.False(t, Retryable(New(KindStorageUnavailable, "x")))
	assert.False(t, Retryable(fmt.Errorf("plain")))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "percent out of range", Message(fmt.Errorf("mutate: %w", New(KindValidation, "percent out of range"))))
	assert.Equal(t, "plain", Message(fmt.Errorf("plain")))
	assert.Equal(t, "", Message(nil))
}
