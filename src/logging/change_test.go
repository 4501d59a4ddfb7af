package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type status struct {
	pending, running, failed int
}

func TestChangeLogger_EmitsOnlyOnChange(t *testing.T) {
	var c ChangeLogger[status]

	assert.True(t, c.Changed(status{}), "first value is always reported")
	assert.False(t, c.Changed(status{}))
	assert.True(t, c.Changed(status{pending: 1}))
	assert.False(t, c.Changed(status{pending: 1}))
	assert.True(t, c.Changed(status{running: 1}))
}

func TestChangeLogger_Reset(t *testing.T) {
	var c ChangeLogger[int]
	assert.True(t, c.Changed(3))
	c.Reset()
	assert.True(t, c.Changed(3))
}
