package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beatdrop/internal/sceneplan"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// NewTestDB creates a new in-memory SQLite database for testing
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(":memory:")
	require.NoError(t, err, "failed to create test database")

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func testPlan() types.Sceneplan {
	color := "#ff00ff"
	speed := 1.5
	return types.Sceneplan{
		BPM:   124,
		Roles: []string{"wall", "pillar_A"},
		Cues: []types.Cue{
			{ID: "c-1", Bar: 4, Role: "pillar_A", Params: types.CueParams{Effect: types.EffectPulse, Intensity: 255, DurationSeconds: 1, Color: &color}, Label: "main pulse"},
			{Bar: 1, Role: "wall", Params: types.CueParams{Effect: types.EffectFade, DurationSeconds: 0.5, Speed: &speed}, Label: "intro fade"},
		},
	}
}

func TestMigrations(t *testing.T) {
	db := NewTestDB(t)

	for _, table := range []string{"sceneplans", "cues"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}

	// idempotent
	require.NoError(t, db.RunMigrations())
}

func TestPlanRepository_SaveLoad(t *testing.T) {
	db := NewTestDB(t)
	repo := NewPlanRepository(db, "")
	ctx := context.Background()
	assert.Equal(t, DefaultPlanName, repo.Name())

	_, err := repo.Load(ctx)
	assert.True(t, errors.Is(err, sceneplan.ErrNotFound))

	plan := testPlan()
	require.NoError(t, repo.Save(ctx, plan))

	loaded, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, plan, loaded, "order, absent ids and optional params survive")
}

func TestPlanRepository_Overwrite(t *testing.T) {
	db := NewTestDB(t)
	repo := NewPlanRepository(db, "friday")
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, testPlan()))

	smaller := testPlan()
	smaller.BPM = 128
	smaller.Cues = smaller.Cues[:1]
	require.NoError(t, repo.Save(ctx, smaller))

	loaded, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 128.0, loaded.BPM)
	assert.Len(t, loaded.Cues, 1)
}

func TestPlanRepository_Invalid(t *testing.T) {
	db := NewTestDB(t)
	repo := NewPlanRepository(db, "bad")
	ctx := context.Background()

	plan := testPlan()
	plan.Cues[0].Role = "ceiling"
	err := repo.Save(ctx, plan)
	assert.True(t, errors.Is(err, sceneplan.ErrInvalidPlan))

	_, err = repo.Load(ctx)
	assert.True(t, errors.Is(err, sceneplan.ErrNotFound), "failed save writes nothing")
}

func TestPlanRepository_ListDelete(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()

	require.NoError(t, NewPlanRepository(db, "b-show").Save(ctx, testPlan()))
	require.NoError(t, NewPlanRepository(db, "a-show").Save(ctx, testPlan()))

	names, err := NewPlanRepository(db, "").List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-show", "b-show"}, names)

	repo := NewPlanRepository(db, "a-show")
	require.NoError(t, repo.Delete(ctx))
	assert.True(t, errors.Is(repo.Delete(ctx), sceneplan.ErrNotFound))

	var cues int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM cues WHERE plan_name = 'a-show'").Scan(&cues))
	assert.Equal(t, 0, cues, "cues cascade with their plan")
}
