package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBusiness = errors.New("payment link not found")

func testSettings() Settings {
	s := DefaultSettings()
	s.Timeout = time.Hour
	s.IsSuccessful = func(err error) bool { return errors.Is(err, errBusiness) }
	return s
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b := NewBreaker("payos-test-open", "fulfillment", testSettings(), zap.NewNop())
	boom := errors.New("503")

	for i := 0; i < 3; i++ {
		_, err := Execute(b, func() (int, error) { return 0, boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	calls := 0
	_, err := Execute(b, func() (int, error) {
		calls++
		return 1, nil
	})
	assert.True(t, IsOpen(err))
	assert.Zero(t, calls)
}

func TestBreaker_BusinessErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("payos-test-business", "fulfillment", testSettings(), zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := Execute(b, func() (string, error) { return "", errBusiness })
		assert.ErrorIs(t, err, errBusiness)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())

	got, err := Execute(b, func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestExecute_NilPointerResult(t *testing.T) {
	b := NewBreaker("ghn-test-nil", "fulfillment", DefaultSettings(), zap.NewNop())

	got, err := Execute(b, func() (*struct{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, "ghn-test-nil", b.Name())
}
