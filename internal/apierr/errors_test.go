package apierr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKind(t *testing.T) {
	err := FromStatus(ErrPolicy, "execute trade", 403, "daily quota reached")

	assert.True(t, errors.Is(err, ErrPolicy))
	assert.False(t, errors.Is(err, ErrAPI))
	assert.Equal(t, "execute trade: request not permitted (status 403): daily quota reached", err.Error())
	assert.Equal(t, "daily quota reached", Detail(err))
	assert.Equal(t, 403, Status(err))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(ErrTransport, "GET /portfolio", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"auth", New(ErrAuth, "login", "bad password"), ErrAuth},
		{"wrapped twice", fmt.Errorf("dispatch: %w", New(ErrSessionExpired, "refresh", "")), ErrSessionExpired},
		{"invalid state", New(ErrInvalidState, "start bot", "running"), ErrInvalidState},
		{"plain", errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
