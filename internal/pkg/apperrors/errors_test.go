package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Class{}},
		{"transient", Transient("rpc timeout", nil), Class{Retryable: true}},
		{"terminal", Terminal("insufficient funds", nil), Class{Terminal: true}},
		{"configuration", Configuration("missing cap", nil), Class{Terminal: true}},
		{"wrapped terminal", fmt.Errorf("attempt 1: %w", Terminal("reverted", nil)), Class{Terminal: true}},
		{"untyped", errors.New("connection reset"), Class{Retryable: true}},
		{"canceled", fmt.Errorf("wait: %w", context.Canceled), Class{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestSentinelIdentitySurvivesWrapping(t *testing.T) {
	sentinel := Terminal("chain: insufficient funds", nil)
	err := fmt.Errorf("%w: gas * price + value", sentinel)

	assert.True(t, errors.Is(err, sentinel))
	assert.Equal(t, ErrTerminal, TypeOf(err))
	assert.Equal(t, ErrInternal, TypeOf(errors.New("plain")))
}

func TestWrapKeepsTypedError(t *testing.T) {
	typed := NewNotFound("job not found")
	assert.Same(t, typed, Wrap(fmt.Errorf("lookup: %w", typed)))
	assert.Equal(t, http.StatusNotFound, typed.HTTPStatus)

	wrapped := Wrap(errors.New("boom"))
	assert.Equal(t, ErrInternal, wrapped.Type)
	assert.Equal(t, http.StatusInternalServerError, wrapped.HTTPStatus)
}
