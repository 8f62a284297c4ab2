package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldPathQuotesSegmentsWithSeparators(t *testing.T) {
	cases := []struct {
		segments []string
		path     string
	}{
		{[]string{"members", "ann"}, "members.ann"},
		{[]string{"members", "bob.smith", "role"}, "members.`bob.smith`.role"},
		{[]string{"members", "a`b"}, "members.`a\\`b`"},
		{[]string{"members", `c\d`}, "members.`c\\\\d`"},
		{[]string{"members", ""}, "members.``"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.path, FieldPath(tc.segments...))
			assert.Equal(t, tc.segments, splitPath(tc.path))
		})
	}
}

func TestMemoryStoreUpdateWithDottedMapKey(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, CollectionLoops, "loop-1", map[string]any{
		"members": map[string]any{"ann": map[string]any{"role": "owner"}},
	})

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		tx.Update(CollectionLoops, "loop-1", map[string]any{
			FieldPath("members", "bob.smith"): map[string]any{"role": "viewer"},
		})
		return nil
	})
	require.NoError(t, err)
	err = s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		tx.Update(CollectionLoops, "loop-1", map[string]any{
			FieldPath("members", "bob.smith", "role"): "editor",
		})
		return nil
	})
	require.NoError(t, err)

	doc, err := s.Get(context.Background(), CollectionLoops, "loop-1")
	require.NoError(t, err)
	members := doc.Data["members"].(map[string]any)
	assert.Equal(t, map[string]any{"role": "editor"}, members["bob.smith"])
	assert.NotContains(t, members, "bob")

	role, ok := FieldValue(doc, FieldPath("members", "bob.smith", "role"))
	require.True(t, ok)
	assert.Equal(t, "editor", role)

	err = s.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		tx.Update(CollectionLoops, "loop-1", map[string]any{FieldPath("members", "bob.smith"): DeleteField})
		return nil
	})
	require.NoError(t, err)
	doc, err = s.Get(context.Background(), CollectionLoops, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ann": map[string]any{"role": "owner"}}, doc.Data["members"])
}
