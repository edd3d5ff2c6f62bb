package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPanicMode(t *testing.T) {
	p := NewPanicMode()
	assert.False(t, p.IsActive())

	p.Enable("spam wave", "ops@example.com")
	assert.True(t, p.IsActive())

	status := p.Status()
	assert.Equal(t, "spam wave", status.Reason)
	assert.Equal(t, "ops@example.com", status.ActivatedBy)
	assert.False(t, status.ActivatedAt.IsZero())

	// a second enable keeps the original reason
	p.Enable("other", "someone")
	assert.Equal(t, "spam wave", p.Status().Reason)

	p.Disable("ops@example.com")
	assert.False(t, p.IsActive())
	assert.Equal(t, PanicStatus{}, p.Status())
}
