package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	assert.NotNil(t, New("production"))
	assert.NotNil(t, New("development"))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	log := New("development")
	assert.Same(t, log, OrNop(log))
}
