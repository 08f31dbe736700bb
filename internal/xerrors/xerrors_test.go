package xerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaggedIsAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Transport(cause, "dial 127.0.0.1:9001")

	assert.True(t, errors.Is(err, ErrTransport))
	assert.False(t, errors.Is(err, ErrProtocol))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCategoriesAreDistinct(t *testing.T) {
	cases := []error{
		Protocol("bad discriminator"),
		Configuration("self out of range"),
		Shutdown("pool closed"),
		RetryableLeadership("leader changed"),
	}
	sentinels := []error{ErrProtocol, ErrConfiguration, ErrShutdown, ErrRetryableLead}
	for i, c := range cases {
		for j, s := range sentinels {
			if i == j {
				assert.True(t, errors.Is(c, s), "case %d should match sentinel %d", i, j)
			} else {
				assert.False(t, errors.Is(c, s), "case %d should not match sentinel %d", i, j)
			}
		}
	}
}
