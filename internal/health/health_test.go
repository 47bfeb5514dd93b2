package health

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRunAll(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("up", func(context.Context) Status { return StatusOK })
	c.Register("down", func(context.Context) Status { return StatusDown })

	results := c.RunAll(context.Background())
	assert.Equal(t, StatusOK, results["up"])
	assert.Equal(t, StatusDown, results["down"])
	assert.False(t, c.IsReady(context.Background()))

	cached := c.Cached()
	assert.Equal(t, results, cached)
}

func TestIsReadyAllOK(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("a", func(context.Context) Status { return StatusOK })
	c.Register("b", func(context.Context) Status { return StatusDegraded })
	assert.True(t, c.IsReady(context.Background()))
}
