package db

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/models"
)

func (db *DB) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	query := `
        SELECT id, name, description, category, content, parameter_schema, access_level,
               usage_count, average_render_time_ms, success_rate, created_at, updated_at
        FROM templates
        WHERE id = $1
    `

	var (
		tpl    models.Template
		schema []byte
		level  string
	)
	err := db.Pool.QueryRow(ctx, query, id).Scan(
		&tpl.ID,
		&tpl.Name,
		&tpl.Description,
		&tpl.Category,
		&tpl.Content,
		&schema,
		&level,
		&tpl.UsageCount,
		&tpl.AverageRenderTimeMs,
		&tpl.SuccessRate,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "template %s", id)
	}
	if err != nil {
		return nil, errors.NewStorage("get template", err)
	}

	if err := json.Unmarshal(schema, &tpl.ParameterSchema); err != nil {
		return nil, errors.NewStorage("decode parameter schema", err)
	}
	tpl.AccessLevel = models.AccessLevel(level)
	return &tpl, nil
}

// UpsertTemplate stores operator-authored template content. Statistics of an
// existing row are preserved.
func (db *DB) UpsertTemplate(ctx context.Context, tpl *models.Template) error {
	query := `
        INSERT INTO templates (id, name, description, category, content, parameter_schema, access_level)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE
        SET name = EXCLUDED.name,
            description = EXCLUDED.description,
            category = EXCLUDED.category,
            content = EXCLUDED.content,
            parameter_schema = EXCLUDED.parameter_schema,
            access_level = EXCLUDED.access_level,
            updated_at = NOW()
    `

	schema, err := json.Marshal(tpl.ParameterSchema)
	if err != nil {
		return errors.Wrap(err, "encode parameter schema")
	}

	_, err = db.Pool.Exec(ctx, query,
		tpl.ID,
		tpl.Name,
		tpl.Description,
		tpl.Category,
		tpl.Content,
		schema,
		string(tpl.AccessLevel),
	)
	if err != nil {
		return errors.NewStorage("upsert template", err)
	}
	return nil
}

// IncrementIfBelow adds one to the user's counter for the period unless it
// already reached limit, and returns the counter either way. The check and
// the write are a single statement, so concurrent callers cannot overrun the
// limit. A negative limit increments unconditionally.
func (db *DB) IncrementIfBelow(ctx context.Context, userID, periodKey string, limit int64) (int64, bool, error) {
	if limit == 0 {
		count, err := db.Usage(ctx, userID, periodKey)
		return count, false, err
	}
	if limit < 0 {
		count, err := db.UpsertUsageRecord(ctx, userID, periodKey, 1)
		return count, err == nil, err
	}

	query := `
        WITH granted AS (
            INSERT INTO usage_records (user_id, period_key, count)
            VALUES ($1, $2, 1)
            ON CONFLICT (user_id, period_key) DO UPDATE
            SET count = usage_records.count + 1, updated_at = NOW()
            WHERE usage_records.count < $3
            RETURNING count
        )
        SELECT count, TRUE FROM granted
        UNION ALL
        SELECT count, FALSE FROM usage_records
        WHERE user_id = $1 AND period_key = $2 AND NOT EXISTS (SELECT 1 FROM granted)
    `

	var (
		count int64
		ok    bool
	)
	err := db.Pool.QueryRow(ctx, query, userID, periodKey, limit).Scan(&count, &ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.NewStorage("increment usage", err)
	}
	return count, ok, nil
}

// UpsertUsageRecord atomically adds delta to the user's counter for the
// period and returns the new count.
func (db *DB) UpsertUsageRecord(ctx context.Context, userID, periodKey string, delta int64) (int64, error) {
	query := `
        INSERT INTO usage_records (user_id, period_key, count)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_id, period_key) DO UPDATE
        SET count = usage_records.count + EXCLUDED.count, updated_at = NOW()
        RETURNING count
    `

	var count int64
	if err := db.Pool.QueryRow(ctx, query, userID, periodKey, delta).Scan(&count); err != nil {
		return 0, errors.NewStorage("upsert usage record", err)
	}
	return count, nil
}

func (db *DB) Usage(ctx context.Context, userID, periodKey string) (int64, error) {
	query := `SELECT count FROM usage_records WHERE user_id = $1 AND period_key = $2`

	var count int64
	err := db.Pool.QueryRow(ctx, query, userID, periodKey).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.NewStorage("read usage", err)
	}
	return count, nil
}

func (db *DB) InsertGenerationHistory(ctx context.Context, rec *models.HistoryRecord) error {
	query := `
        INSERT INTO generation_history (id, user_id, mode, template_id, goal, parameters, content,
                                        source, model, token_count, generation_time_ms, cached, created_at)
        VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (id) DO NOTHING
    `

	var params []byte
	if len(rec.Parameters) > 0 {
		var err error
		if params, err = json.Marshal(rec.Parameters); err != nil {
			return errors.Wrap(err, "encode parameters")
		}
	}

	_, err := db.Pool.Exec(ctx, query,
		rec.ID,
		rec.UserID,
		string(rec.Mode),
		rec.TemplateID,
		rec.Goal,
		params,
		rec.Content,
		string(rec.Source),
		rec.Model,
		rec.TokenCount,
		rec.GenerationTimeMs,
		rec.Cached,
		rec.CreatedAt,
	)
	if err != nil {
		return errors.NewStorage("insert generation history", err)
	}
	return nil
}

// UpdateTemplateStats folds one sample into the template's running
// statistics. All SET expressions read the pre-update row, so the averages
// are exact incremental means: avg' = (avg*n + x) / (n+1).
func (db *DB) UpdateTemplateStats(ctx context.Context, templateID string, sample models.TemplateStatsSample) error {
	query := `
        UPDATE templates
        SET usage_count = usage_count + CASE WHEN $2 THEN 1 ELSE 0 END,
            average_render_time_ms = CASE WHEN $2
                THEN (average_render_time_ms * usage_count + $3) / (usage_count + 1)
                ELSE average_render_time_ms END,
            success_rate = (success_rate * stats_samples + CASE WHEN $2 THEN 1 ELSE 0 END) / (stats_samples + 1),
            stats_samples = stats_samples + 1,
            updated_at = NOW()
        WHERE id = $1
    `

	tag, err := db.Pool.Exec(ctx, query, templateID, sample.Success, sample.RenderTimeMs)
	if err != nil {
		return errors.NewStorage("update template stats", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(errors.ErrNotFound, "template %s", templateID)
	}
	return nil
}

// GetUserPlan returns the user's subscription tier, free when none is recorded.
func (db *DB) GetUserPlan(ctx context.Context, userID string) (models.PlanTier, error) {
	query := `SELECT plan FROM subscriptions WHERE user_id = $1`

	var plan string
	err := db.Pool.QueryRow(ctx, query, userID).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AccessFree, nil
	}
	if err != nil {
		return "", errors.NewStorage("get user plan", err)
	}

	tier := models.PlanTier(plan)
	if !tier.Valid() {
		return models.AccessFree, nil
	}
	return tier, nil
}

// ListHistory returns the most recent generations of a user.
func (db *DB) ListHistory(ctx context.Context, userID string, limit int) ([]models.HistoryRecord, error) {
	query := `
        SELECT id, user_id, mode, COALESCE(template_id, ''), COALESCE(goal, ''), content,
               source, model, token_count, generation_time_ms, cached, created_at
        FROM generation_history
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `

	rows, err := db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, errors.NewStorage("list history", err)
	}
	defer rows.Close()

	var out []models.HistoryRecord
	for rows.Next() {
		var (
			rec          models.HistoryRecord
			mode, source string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&mode,
			&rec.TemplateID,
			&rec.Goal,
			&rec.Content,
			&source,
			&rec.Model,
			&rec.TokenCount,
			&rec.GenerationTimeMs,
			&rec.Cached,
			&rec.CreatedAt,
		); err != nil {
			return nil, errors.NewStorage("scan history", err)
		}
		rec.Mode = models.Mode(mode)
		rec.Source = models.Source(source)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorage("list history", err)
	}
	return out, nil
}
