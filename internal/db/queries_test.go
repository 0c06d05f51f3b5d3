package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/models"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *DB) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock, New(mock)
}

func TestGetTemplate(t *testing.T) {
	mock, store := newMock(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, name, description").
		WithArgs("greeting").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "description", "category", "content", "parameter_schema", "access_level",
			"usage_count", "average_render_time_ms", "success_rate", "created_at", "updated_at",
		}).AddRow(
			"greeting", "Greeting", "", "general", "Hello {{name}}!",
			[]byte(`[{"key":"name","type":"string","required":true}]`), "pro",
			int64(4), 1.5, 1.0, now, now,
		))

	tpl, err := store.GetTemplate(context.Background(), "greeting")
	require.NoError(t, err)
	assert.Equal(t, "Hello {{name}}!", tpl.Content)
	assert.Equal(t, models.AccessPro, tpl.AccessLevel)
	require.Len(t, tpl.ParameterSchema, 1)
	assert.Equal(t, "name", tpl.ParameterSchema[0].Key)
	assert.True(t, tpl.ParameterSchema[0].Required)
	assert.Equal(t, int64(4), tpl.UsageCount)
}

func TestGetTemplate_NotFound(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery("FROM templates").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetTemplate(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Equal(t, 404, errors.HTTPStatus(err))
}

func TestGetTemplate_StorageFailure(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery("FROM templates").WithArgs("t").WillReturnError(fmt.Errorf("connection reset"))

	_, err := store.GetTemplate(context.Background(), "t")
	var se *errors.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "get template", se.Op)
}

func TestIncrementIfBelow(t *testing.T) {
	t.Run("granted", func(t *testing.T) {
		mock, store := newMock(t)
		mock.ExpectQuery("INSERT INTO usage_records").
			WithArgs("u1", "2025-01", int64(50)).
			WillReturnRows(pgxmock.NewRows([]string{"count", "bool"}).AddRow(int64(12), true))

		count, ok, err := store.IncrementIfBelow(context.Background(), "u1", "2025-01", 50)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(12), count)
	})

	t.Run("limit reached returns the current count", func(t *testing.T) {
		mock, store := newMock(t)
		mock.ExpectQuery(`WHERE usage_records\.count < \$3`).
			WithArgs("u1", "2025-01", int64(50)).
			WillReturnRows(pgxmock.NewRows([]string{"count", "bool"}).AddRow(int64(50), false))

		count, ok, err := store.IncrementIfBelow(context.Background(), "u1", "2025-01", 50)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(50), count)
	})

	t.Run("zero limit only reads", func(t *testing.T) {
		mock, store := newMock(t)
		mock.ExpectQuery("SELECT count FROM usage_records").
			WithArgs("u1", "2025-01").
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

		count, ok, err := store.IncrementIfBelow(context.Background(), "u1", "2025-01", 0)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(3), count)
	})

	t.Run("unlimited increments unconditionally", func(t *testing.T) {
		mock, store := newMock(t)
		mock.ExpectQuery(`SET count = usage_records\.count \+ EXCLUDED\.count`).
			WithArgs("u1", "2025-01", int64(1)).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1001)))

		count, ok, err := store.IncrementIfBelow(context.Background(), "u1", "2025-01", -1)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1001), count)
	})

	t.Run("storage failure", func(t *testing.T) {
		mock, store := newMock(t)
		mock.ExpectQuery("INSERT INTO usage_records").
			WithArgs("u1", "2025-01", int64(50)).
			WillReturnError(fmt.Errorf("timeout"))

		_, _, err := store.IncrementIfBelow(context.Background(), "u1", "2025-01", 50)
		var se *errors.StorageError
		require.True(t, errors.As(err, &se))
	})
}

func TestUsage_DefaultsToZero(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery("SELECT count FROM usage_records").
		WithArgs("u1", "2025-01").
		WillReturnError(pgx.ErrNoRows)

	count, err := store.Usage(context.Background(), "u1", "2025-01")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestInsertGenerationHistory(t *testing.T) {
	mock, store := newMock(t)
	rec := &models.HistoryRecord{
		ID:         "6f1c5d2e-8a1b-4c3d-9e0f-123456789abc",
		UserID:     "u1",
		Mode:       models.ModeDirect,
		Goal:       "write a cover letter",
		Content:    "You are...",
		Source:     models.SourceFallback,
		Model:      "local-fallback",
		TokenCount: 12,
		CreatedAt:  time.Now(),
	}

	mock.ExpectExec("INSERT INTO generation_history").
		WithArgs(rec.ID, "u1", "direct", "", "write a cover letter", pgxmock.AnyArg(), "You are...",
			"fallback", "local-fallback", 12, int64(0), false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertGenerationHistory(context.Background(), rec))
}

func TestUpdateTemplateStats(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectExec(`average_render_time_ms \* usage_count \+ \$3\) / \(usage_count \+ 1\)`).
		WithArgs("greeting", true, 12.5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateTemplateStats(context.Background(), "greeting", models.TemplateStatsSample{RenderTimeMs: 12.5, Success: true})
	require.NoError(t, err)
}

func TestUpdateTemplateStats_UnknownTemplate(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectExec("UPDATE templates").
		WithArgs("gone", false, 0.0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateTemplateStats(context.Background(), "gone", models.TemplateStatsSample{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestGetUserPlan(t *testing.T) {
	tests := []struct {
		name string
		rows *pgxmock.Rows
		err  error
		want models.PlanTier
	}{
		{"recorded", pgxmock.NewRows([]string{"plan"}).AddRow("enterprise"), nil, models.AccessEnterprise},
		{"no subscription", nil, pgx.ErrNoRows, models.AccessFree},
		{"unknown plan name", pgxmock.NewRows([]string{"plan"}).AddRow("gold"), nil, models.AccessFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := newMock(t)
			exp := mock.ExpectQuery("SELECT plan FROM subscriptions").WithArgs("u1")
			if tt.err != nil {
				exp.WillReturnError(tt.err)
			} else {
				exp.WillReturnRows(tt.rows)
			}

			plan, err := store.GetUserPlan(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan)
		})
	}
}

func TestMigrate(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS templates").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.Migrate(context.Background()))
}

func TestUpsertTemplate(t *testing.T) {
	mock, store := newMock(t)
	tpl := &models.Template{
		ID:              "greeting",
		Name:            "Greeting",
		Content:         "Hello {{name}}!",
		ParameterSchema: []models.ParameterDescriptor{{Key: "name", Type: models.TypeString}},
		AccessLevel:     models.AccessFree,
	}

	mock.ExpectExec("INSERT INTO templates").
		WithArgs("greeting", "Greeting", "", "", "Hello {{name}}!", pgxmock.AnyArg(), "free").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertTemplate(context.Background(), tpl))
}

func TestListHistory(t *testing.T) {
	mock, store := newMock(t)
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	columns := []string{
		"id", "user_id", "mode", "template_id", "goal", "content",
		"source", "model", "token_count", "generation_time_ms", "cached", "created_at",
	}

	mock.ExpectQuery("FROM generation_history").
		WithArgs("u1", 2).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("g2", "u1", "direct", "", "Plan a trip", "Trip plan", "fallback", "local-fallback", 12, int64(4), false, now).
			AddRow("g1", "u1", "template", "greeting", "", "Hello Ana!", "template", "template-engine", 3, int64(1), true, now.Add(-time.Minute)))

	recs, err := store.ListHistory(context.Background(), "u1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, models.ModeDirect, recs[0].Mode)
	assert.Equal(t, models.SourceFallback, recs[0].Source)
	assert.Equal(t, "Plan a trip", recs[0].Goal)
	assert.Equal(t, "greeting", recs[1].TemplateID)
	assert.True(t, recs[1].Cached)
	assert.Equal(t, int64(1), recs[1].GenerationTimeMs)
}

func TestListHistory_StorageFailure(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery("FROM generation_history").
		WithArgs("u1", 20).
		WillReturnError(fmt.Errorf("connection reset"))

	_, err := store.ListHistory(context.Background(), "u1", 20)
	var se *errors.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 503, errors.HTTPStatus(err))
}
