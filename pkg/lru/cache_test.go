package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPutGetEvict(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// "b" is now LRU; inserting "c" evicts it
	evicted, ok := c.Put("c", 3)
	assert.True(t, ok)
	assert.Equal(t, "b", evicted)

	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestUpdateDoesNotEvict(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	_, evicted := c.Put("a", 10)
	assert.False(t, evicted)

	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
}

func TestDelete(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 0, c.Len())
}
