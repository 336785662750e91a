package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryAfterAndPermanent(t *testing.T) {
	base := errors.New("too many requests")
	err := fmt.Errorf("send: %w", RetryAfter(base, 2*time.Second))
	d, ok := RetryDelay(err)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(err))

	p := Permanent(base)
	assert.True(t, IsPermanent(fmt.Errorf("wrap: %w", p)))
	assert.Equal(t, base.Error(), p.Error())

	assert.Nil(t, Permanent(nil))
	assert.Nil(t, RetryAfter(nil, time.Second))
	_, ok = RetryDelay(nil)
	assert.False(t, ok)
}
