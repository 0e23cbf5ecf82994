package calls_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpatelsj/domain-operator/internal/calls"
)

func TestPoolReusesRecycledClients(t *testing.T) {
	n := 0
	p := calls.NewPool(2, func() (int, error) {
		n++
		return n, nil
	})

	a, err := p.Take()
	require.NoError(t, err)
	b, err := p.Take()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	p.Recycle(a)
	again, err := p.Take()
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.Equal(t, int64(2), p.Created())
}

func TestPoolBoundsIdleClients(t *testing.T) {
	p := calls.NewPool(1, func() (int, error) { return 0, nil })
	p.Recycle(1)
	p.Recycle(2)

	assert.Equal(t, 1, p.Size())
}

func TestPoolDiscard(t *testing.T) {
	p := calls.NewPool(1, func() (int, error) { return 7, nil })
	c, _ := p.Take()
	p.Discard(c)

	assert.Equal(t, 0, p.Size())
	assert.Equal(t, int64(1), p.Discarded())
}

func TestPoolFactoryError(t *testing.T) {
	boom := errors.New("no config")
	p := calls.NewPool(1, func() (int, error) { return 0, boom })

	_, err := p.Take()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), p.Created())
}
