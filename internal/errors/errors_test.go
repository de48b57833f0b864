package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	err := New(ErrConfig, "Duplicate host id: 'ap'", "Host ids must be unique")

	assert.Equal(t, ErrConfig, err.Code)
	assert.Contains(t, err.Error(), "Duplicate host id: 'ap'")
	assert.Contains(t, err.Error(), "Host ids must be unique")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, "Can't reach 'mon1'")

	assert.Equal(t, ErrSSH, err.Code)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapWithCode(t *testing.T) {
	cause := fmt.Errorf("no such file")
	err := WrapWithCode(cause, ErrCapture, "Could not create capture output file", "Check the directory exists")

	assert.Equal(t, ErrCapture, err.Code)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Check the directory exists")
}

func TestIsCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{
			name: "matching code",
			err:  New(ErrMonitor, "boom", ""),
			code: ErrMonitor,
			want: true,
		},
		{
			name: "different code",
			err:  New(ErrMonitor, "boom", ""),
			code: ErrConfig,
			want: false,
		},
		{
			name: "wrapped structured error",
			err:  fmt.Errorf("outer: %w", New(ErrExec, "boom", "")),
			code: ErrExec,
			want: true,
		},
		{
			name: "plain error",
			err:  stderrors.New("boom"),
			code: ErrExec,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			code: ErrExec,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCode(tt.err, tt.code))
		})
	}
}
