package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pageinsight/api/logger"
	"pageinsight/api/models"
	"pageinsight/api/rules"
	"pageinsight/api/store"
)

func TestApplyFixtures(t *testing.T) {
	f, err := loadFixtures("testdata/pages.yaml")
	require.NoError(t, err)
	require.Len(t, f.Pages, 2)

	mem := store.NewMemoryStore()
	ctx := context.Background()

	res, err := apply(ctx, mem, f, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, seedResult{pagesCreated: 2, variantsCreated: 2, goalsUpserted: 4}, res)

	home, err := mem.PageBySlug(ctx, "home")
	require.NoError(t, err)
	assert.True(t, home.IsActive)

	b, err := mem.VariantByKey(ctx, home.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, "left", b.Layout["hero"])
	retired, err := mem.VariantByKey(ctx, home.ID, "retired")
	require.NoError(t, err)
	assert.False(t, retired.IsActive)

	goals, err := mem.ActiveGoals(ctx, home.ID)
	require.NoError(t, err)
	require.Len(t, goals, 3)
	for _, g := range goals {
		_, never := rules.Compile(g.Rule).(rules.Never)
		assert.False(t, never, g.Name)
	}

	// Running again creates nothing new.
	res, err = apply(ctx, mem, f, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 0, res.pagesCreated)
	assert.Equal(t, 0, res.variantsCreated)
	assert.Equal(t, 4, res.goalsUpserted)
	goals, err = mem.ActiveGoals(ctx, home.ID)
	require.NoError(t, err)
	assert.Len(t, goals, 3)
}

func TestParseFixtures_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing slug", "pages:\n  - title: x\n"},
		{"missing goal name", "pages:\n  - slug: home\n    goals:\n      - rule: {event_type: click}\n"},
		{"not yaml", "pages: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFixtures([]byte(tt.raw))
			assert.Error(t, err)
		})
	}

	_, err := loadFixtures("testdata/missing.yaml")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyFixtures_InactivePage(t *testing.T) {
	f, err := parseFixtures([]byte("pages:\n  - slug: old\n    inactive: true\n"))
	require.NoError(t, err)

	mem := store.NewMemoryStore()
	_, err = apply(context.Background(), mem, f, logger.NewNop())
	require.NoError(t, err)

	page, err := mem.PageBySlug(context.Background(), "old")
	require.NoError(t, err)
	assert.False(t, page.IsActive)
	_, err = mem.PageBySlug(context.Background(), "new")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
