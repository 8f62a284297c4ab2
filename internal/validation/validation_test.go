package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Title string `json:"title" validate:"required,max=5"`
	Kind  string `json:"kind,omitempty" validate:"omitempty,oneof=url image"`
	Count int    `validate:"gte=0"`
}

func TestDetailsUsesJSONNames(t *testing.T) {
	err := New().Struct(sample{Kind: "video", Count: -1})
	require.Error(t, err)

	assert.Equal(t, []map[string]string{
		{"title": "is required"},
		{"kind": "is not an allowed value"},
		{"Count": "is too small"},
	}, Details(err))
}

func TestDetailsIgnoresOtherErrors(t *testing.T) {
	assert.Empty(t, Details(errors.New("boom")))
	assert.NoError(t, New().Struct(sample{Title: "ok"}))
}
