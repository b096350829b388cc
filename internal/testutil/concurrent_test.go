package testutil

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunConcurrently(t *testing.T) {
	var calls atomic.Int32
	errOdd := errors.New("odd")

	errs := RunConcurrently(6, func(i int) error {
		calls.Add(1)
		if i%2 == 1 {
			return errOdd
		}
		return nil
	})

	assert.Equal(t, int32(6), calls.Load())
	assert.Equal(t, []error{nil, errOdd, nil, errOdd, nil, errOdd}, errs)
}
