package apmhttp

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lookupError struct{ id int }

func (e *lookupError) Error() string { return "user not found" }

func TestDescriptorFromPanic(t *testing.T) {
	testCases := []struct {
		name      string
		recovered any
		class     string
		message   string
	}{
		{"String", "boom", "string", "boom"},
		{"Error", errors.New("broken"), "*errors.errorString", "broken"},
		{"Custom error", &lookupError{id: 1}, "*apmhttp.lookupError", "user not found"},
		{"Int", 42, "int", "42"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := DescriptorFromPanic(tc.recovered, []string{"a.go:1:in main.a"})
			assert.Equal(t, tc.class, d.Class)
			assert.Equal(t, tc.message, d.Message)
			assert.Len(t, d.Backtrace, 1)
		})
	}
}

func explode() {
	panic("kaboom")
}

func TestCaptureStack(t *testing.T) {
	var frames []string
	func() {
		defer func() {
			if recover() != nil {
				frames = CaptureStack(1)
			}
		}()
		explode()
	}()

	require.NotEmpty(t, frames)
	assert.True(t, strings.Contains(frames[0], "panic_test.go:"), frames[0])
	assert.True(t, strings.HasSuffix(frames[0], ":in github.com/fllarpy/reqorder/internal/adapters/apmhttp.explode"), frames[0])
	for _, f := range frames {
		assert.NotContains(t, f, ":in runtime.")
	}
}
