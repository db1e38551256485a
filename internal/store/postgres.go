package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/statlinehq/props-engine/internal/db"
	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool          db.Pool
	snapshotStage string
	closeFn       func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"get_completeness": `SELECT entity_id, date, stage, expected_count, actual_count, completeness_pct, is_production_ready, quality_issues, checked_at
		FROM completeness_records WHERE entity_id = $1 AND date = $2 AND stage = $3`,
	"get_stage_output": `SELECT entity_id, date, stage, content_hash, payload, upstream_readiness, run_id, computed_at
		FROM stage_outputs WHERE entity_id = $1 AND date = $2 AND stage = $3`,
	"get_target_line": `SELECT entity_id, date, metric, line FROM target_lines WHERE entity_id = $1 AND date = $2`,
	"get_slate_entry": `SELECT entity, date, opponent_id, game_count FROM slate_entries WHERE entity_id = $1 AND date = $2`,
	"get_ensemble_result": `SELECT entity_id, date, system_id, predicted_value, confidence_score, recommendation, is_ensemble, is_fallback, degraded, line, snapshot_hash, run_id, generated_at, actual_value, graded_at
		FROM prediction_results WHERE entity_id = $1 AND date = $2 AND is_ensemble ORDER BY generated_at DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
// snapshotStage names the stage whose outputs serve as feature snapshots.
func NewPostgres(ctx context.Context, connString, snapshotStage string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, snapshotStage: snapshotStage, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, for tests.
func NewPostgresWithPool(pool db.Pool, snapshotStage string) *PostgresStore {
	return &PostgresStore{pool: pool, snapshotStage: snapshotStage}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (e.g., bulk loaders).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS completeness_records (
	entity_id           TEXT NOT NULL,
	date                TEXT NOT NULL,
	stage               TEXT NOT NULL,
	expected_count      INTEGER NOT NULL DEFAULT 0,
	actual_count        INTEGER NOT NULL DEFAULT 0,
	completeness_pct    DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_production_ready BOOLEAN NOT NULL DEFAULT false,
	quality_issues      JSONB,
	checked_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_id, date, stage)
);

CREATE INDEX IF NOT EXISTS idx_completeness_date_stage ON completeness_records(date, stage);

CREATE TABLE IF NOT EXISTS stage_outputs (
	entity_id          TEXT NOT NULL,
	date               TEXT NOT NULL,
	stage              TEXT NOT NULL,
	content_hash       TEXT NOT NULL,
	payload            JSONB NOT NULL,
	upstream_readiness JSONB,
	run_id             TEXT NOT NULL,
	computed_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_id, date, stage)
);

CREATE INDEX IF NOT EXISTS idx_stage_outputs_stage_date ON stage_outputs(stage, date);

CREATE TABLE IF NOT EXISTS slate_entries (
	date        TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	entity      JSONB NOT NULL,
	opponent_id TEXT,
	game_count  INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (date, entity_id)
);

CREATE TABLE IF NOT EXISTS observations (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	date        TEXT NOT NULL,
	stage       TEXT NOT NULL,
	fields      JSONB NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_observations_entity_stage_date ON observations(entity_id, stage, date DESC);

CREATE TABLE IF NOT EXISTS target_lines (
	entity_id TEXT NOT NULL,
	date      TEXT NOT NULL,
	metric    TEXT NOT NULL,
	line      DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (entity_id, date)
);

CREATE TABLE IF NOT EXISTS prediction_results (
	entity_id        TEXT NOT NULL,
	date             TEXT NOT NULL,
	system_id        TEXT NOT NULL,
	predicted_value  DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	recommendation   TEXT NOT NULL,
	is_ensemble      BOOLEAN NOT NULL DEFAULT false,
	is_fallback      BOOLEAN NOT NULL DEFAULT false,
	degraded         BOOLEAN NOT NULL DEFAULT false,
	line             DOUBLE PRECISION,
	snapshot_hash    TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	generated_at     TIMESTAMPTZ NOT NULL,
	actual_value     DOUBLE PRECISION,
	graded_at        TIMESTAMPTZ,
	PRIMARY KEY (entity_id, date, system_id)
);

CREATE INDEX IF NOT EXISTS idx_prediction_results_date ON prediction_results(date);
CREATE INDEX IF NOT EXISTS idx_prediction_results_system_date ON prediction_results(system_id, date);

CREATE TABLE IF NOT EXISTS model_versions (
	model_id      TEXT PRIMARY KEY,
	family        TEXT NOT NULL,
	trained_from  TEXT NOT NULL,
	trained_to    TEXT NOT NULL,
	weights       JSONB,
	intercept     DOUBLE PRECISION NOT NULL DEFAULT 0,
	validation    JSONB NOT NULL,
	is_champion   BOOLEAN NOT NULL DEFAULT false,
	is_challenger BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_versions_family ON model_versions(family);

CREATE TABLE IF NOT EXISTS retrain_decisions (
	id           TEXT PRIMARY KEY,
	family       TEXT NOT NULL,
	model_id     TEXT NOT NULL,
	retrain      BOOLEAN NOT NULL DEFAULT false,
	reasons      JSONB,
	window_from  TEXT NOT NULL,
	window_to    TEXT NOT NULL,
	sample_count INTEGER NOT NULL DEFAULT 0,
	evaluated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retrain_decisions_family ON retrain_decisions(family, evaluated_at DESC);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          TEXT PRIMARY KEY,
	scope       TEXT NOT NULL,
	date        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	counts      JSONB,
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_scope ON pipeline_runs(scope, started_at DESC);

CREATE TABLE IF NOT EXISTS dlq_archive (
	id              TEXT PRIMARY KEY,
	task            JSONB NOT NULL,
	error           TEXT NOT NULL,
	error_class     TEXT NOT NULL DEFAULT 'compute',
	attempts        INTEGER NOT NULL DEFAULT 0,
	first_failed_at TIMESTAMPTZ NOT NULL,
	last_failed_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_archive_class ON dlq_archive(error_class);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Completeness

func (s *PostgresStore) GetCompleteness(ctx context.Context, entityID string, date model.Date, stage string) (*model.CompletenessRecord, error) {
	var rec model.CompletenessRecord
	var issuesJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT entity_id, date, stage, expected_count, actual_count, completeness_pct, is_production_ready, quality_issues, checked_at
		 FROM completeness_records WHERE entity_id = $1 AND date = $2 AND stage = $3`,
		entityID, string(date), stage,
	).Scan(&rec.EntityID, &rec.Date, &rec.Stage, &rec.ExpectedCount, &rec.ActualCount,
		&rec.CompletenessPct, &rec.IsProductionReady, &issuesJSON, &rec.CheckedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get completeness %s/%s@%s", stage, entityID, date)
	}
	if len(issuesJSON) > 0 {
		if err := json.Unmarshal(issuesJSON, &rec.QualityIssues); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal quality issues")
		}
	}
	return &rec, nil
}

func (s *PostgresStore) ReplaceCompleteness(ctx context.Context, rec model.CompletenessRecord) error {
	issuesJSON, err := json.Marshal(rec.QualityIssues)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal quality issues")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO completeness_records (entity_id, date, stage, expected_count, actual_count, completeness_pct, is_production_ready, quality_issues, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (entity_id, date, stage) DO UPDATE SET
		   expected_count = $4, actual_count = $5, completeness_pct = $6,
		   is_production_ready = $7, quality_issues = $8, checked_at = $9`,
		rec.EntityID, string(rec.Date), rec.Stage, rec.ExpectedCount, rec.ActualCount,
		rec.CompletenessPct, rec.IsProductionReady, issuesJSON, rec.CheckedAt,
	)
	return eris.Wrapf(err, "postgres: replace completeness %s/%s@%s", rec.Stage, rec.EntityID, rec.Date)
}

func (s *PostgresStore) ListCompleteness(ctx context.Context, date model.Date, stage string) ([]model.CompletenessRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, date, stage, expected_count, actual_count, completeness_pct, is_production_ready, quality_issues, checked_at
		 FROM completeness_records WHERE date = $1 AND stage = $2 ORDER BY entity_id`,
		string(date), stage,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list completeness")
	}
	defer rows.Close()

	var records []model.CompletenessRecord
	for rows.Next() {
		var rec model.CompletenessRecord
		var issuesJSON []byte
		if err := rows.Scan(&rec.EntityID, &rec.Date, &rec.Stage, &rec.ExpectedCount, &rec.ActualCount,
			&rec.CompletenessPct, &rec.IsProductionReady, &issuesJSON, &rec.CheckedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan completeness")
		}
		if len(issuesJSON) > 0 {
			if err := json.Unmarshal(issuesJSON, &rec.QualityIssues); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal quality issues")
			}
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list completeness iterate")
}

// Stage outputs

func (s *PostgresStore) GetStageOutput(ctx context.Context, entityID string, date model.Date, stage string) (*model.StageOutput, error) {
	var out model.StageOutput
	var payloadJSON, upstreamJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT entity_id, date, stage, content_hash, payload, upstream_readiness, run_id, computed_at
		 FROM stage_outputs WHERE entity_id = $1 AND date = $2 AND stage = $3`,
		entityID, string(date), stage,
	).Scan(&out.EntityID, &out.Date, &out.Stage, &out.ContentHash, &payloadJSON, &upstreamJSON, &out.RunID, &out.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get stage output %s/%s@%s", stage, entityID, date)
	}
	if err := json.Unmarshal(payloadJSON, &out.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal payload")
	}
	if len(upstreamJSON) > 0 {
		if err := json.Unmarshal(upstreamJSON, &out.UpstreamReadiness); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal upstream readiness")
		}
	}
	return &out, nil
}

func (s *PostgresStore) UpsertStageOutput(ctx context.Context, out model.StageOutput) error {
	payloadJSON, err := json.Marshal(out.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}
	var upstreamJSON []byte
	if out.UpstreamReadiness != nil {
		upstreamJSON, err = json.Marshal(out.UpstreamReadiness)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal upstream readiness")
		}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO stage_outputs (entity_id, date, stage, content_hash, payload, upstream_readiness, run_id, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (entity_id, date, stage) DO UPDATE SET
		   content_hash = $4, payload = $5, upstream_readiness = $6, run_id = $7, computed_at = $8`,
		out.EntityID, string(out.Date), out.Stage, out.ContentHash, payloadJSON, upstreamJSON, out.RunID, out.ComputedAt,
	)
	return eris.Wrapf(err, "postgres: upsert stage output %s/%s@%s", out.Stage, out.EntityID, out.Date)
}

func (s *PostgresStore) GetFeatureSnapshot(ctx context.Context, entityID string, date model.Date) (*model.FeatureSnapshot, error) {
	out, err := s.GetStageOutput(ctx, entityID, date, s.snapshotStage)
	if err != nil || out == nil {
		return nil, err
	}
	return &model.FeatureSnapshot{
		EntityID:  out.EntityID,
		Date:      out.Date,
		Features:  out.Payload,
		Freshness: out.ComputedAt,
	}, nil
}

func (s *PostgresStore) LastComputedAt(ctx context.Context, stage string) (*time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(computed_at) FROM stage_outputs WHERE stage = $1`,
		stage,
	).Scan(&ts)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last computed at %s", stage)
	}
	return ts, nil
}

func (s *PostgresStore) FeatureMeans(ctx context.Context, from, to model.Date) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT f.key, AVG(f.value::double precision)
		 FROM stage_outputs o, jsonb_each_text(o.payload) f
		 WHERE o.stage = $1 AND o.date >= $2 AND o.date <= $3
		 GROUP BY f.key`,
		s.snapshotStage, string(from), string(to),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: feature means")
	}
	defer rows.Close()

	means := make(map[string]float64)
	for rows.Next() {
		var key string
		var mean float64
		if err := rows.Scan(&key, &mean); err != nil {
			return nil, eris.Wrap(err, "postgres: scan feature mean")
		}
		means[key] = mean
	}
	return means, eris.Wrap(rows.Err(), "postgres: feature means iterate")
}

// Slate

func (s *PostgresStore) ReplaceSlate(ctx context.Context, date model.Date, entries []model.SlateEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin slate tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM slate_entries WHERE date = $1`, string(date)); err != nil {
		return eris.Wrapf(err, "postgres: clear slate %s", date)
	}
	for _, e := range entries {
		entityJSON, err := json.Marshal(e.Entity)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal slate entity")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO slate_entries (date, entity_id, entity, opponent_id, game_count) VALUES ($1, $2, $3, $4, $5)`,
			string(date), e.Entity.ID, entityJSON, e.OpponentID, e.GameCount,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert slate entry %s", e.Entity.ID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit slate tx")
}

func (s *PostgresStore) ListSlate(ctx context.Context, date model.Date) ([]model.SlateEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity, date, opponent_id, game_count FROM slate_entries WHERE date = $1 ORDER BY entity_id`,
		string(date),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list slate %s", date)
	}
	defer rows.Close()

	var entries []model.SlateEntry
	for rows.Next() {
		e, err := scanSlateEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list slate iterate")
}

func (s *PostgresStore) GetSlateEntry(ctx context.Context, entityID string, date model.Date) (*model.SlateEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT entity, date, opponent_id, game_count FROM slate_entries WHERE entity_id = $1 AND date = $2`,
		entityID, string(date),
	)
	e, err := scanSlateEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func scanSlateEntry(row pgx.Row) (*model.SlateEntry, error) {
	var e model.SlateEntry
	var entityJSON []byte
	var opponent *string
	if err := row.Scan(&entityJSON, &e.Date, &opponent, &e.GameCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan slate entry")
	}
	if err := json.Unmarshal(entityJSON, &e.Entity); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal slate entity")
	}
	if opponent != nil {
		e.OpponentID = *opponent
	}
	return &e, nil
}

// Observations

func (s *PostgresStore) InsertObservations(ctx context.Context, obs []model.Observation) (int, error) {
	n := 0
	for _, o := range obs {
		fieldsJSON, err := json.Marshal(o.Fields)
		if err != nil {
			return n, eris.Wrap(err, "postgres: marshal observation fields")
		}
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO observations (id, entity_id, date, stage, fields, observed_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			observationID(o), o.EntityID, string(o.Date), o.Stage, fieldsJSON, o.ObservedAt,
		)
		if err != nil {
			return n, eris.Wrapf(err, "postgres: insert observation %s@%s", o.EntityID, o.Date)
		}
		n += int(tag.RowsAffected())
	}
	return n, nil
}

// observationID derives a stable row ID so re-ingesting the same feed is
// idempotent.
func observationID(o model.Observation) string {
	return fmt.Sprintf("%s|%s|%s|%s", o.EntityID, o.Date, o.Stage, o.ObservedAt.UTC().Format(time.RFC3339))
}

func (s *PostgresStore) ListObservations(ctx context.Context, entityID string, date model.Date, stage string) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, date, stage, fields, observed_at FROM observations
		 WHERE entity_id = $1 AND date = $2 AND stage = $3 ORDER BY observed_at`,
		entityID, string(date), stage,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list observations")
	}
	defer rows.Close()
	return collectObservations(rows)
}

func (s *PostgresStore) History(ctx context.Context, entityID string, throughDate model.Date, stage string, limit int) ([]model.Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, date, stage, fields, observed_at FROM observations
		 WHERE entity_id = $1 AND stage = $2 AND date <= $3 ORDER BY date DESC LIMIT $4`,
		entityID, stage, string(throughDate), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: observation history")
	}
	defer rows.Close()
	return collectObservations(rows)
}

func collectObservations(rows pgx.Rows) ([]model.Observation, error) {
	var obs []model.Observation
	for rows.Next() {
		var o model.Observation
		var fieldsJSON []byte
		if err := rows.Scan(&o.EntityID, &o.Date, &o.Stage, &fieldsJSON, &o.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan observation")
		}
		if err := json.Unmarshal(fieldsJSON, &o.Fields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal observation fields")
		}
		obs = append(obs, o)
	}
	return obs, eris.Wrap(rows.Err(), "postgres: observations iterate")
}

// Target lines

func (s *PostgresStore) UpsertTargetLine(ctx context.Context, line model.TargetLine) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO target_lines (entity_id, date, metric, line) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (entity_id, date) DO UPDATE SET metric = $3, line = $4`,
		line.EntityID, string(line.Date), line.Metric, line.Line,
	)
	return eris.Wrapf(err, "postgres: upsert target line %s@%s", line.EntityID, line.Date)
}

func (s *PostgresStore) GetTargetLine(ctx context.Context, entityID string, date model.Date) (*model.TargetLine, error) {
	var line model.TargetLine
	err := s.pool.QueryRow(ctx,
		`SELECT entity_id, date, metric, line FROM target_lines WHERE entity_id = $1 AND date = $2`,
		entityID, string(date),
	).Scan(&line.EntityID, &line.Date, &line.Metric, &line.Line)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get target line %s@%s", entityID, date)
	}
	return &line, nil
}

// Predictions

// predictionColumns is the bulk-upsert column order for prediction_results.
// actual_value and graded_at ride along as NULL so a superseding write
// resets grading in the same statement.
var predictionColumns = []string{
	"entity_id", "date", "system_id", "predicted_value", "confidence_score",
	"recommendation", "is_ensemble", "is_fallback", "degraded", "line",
	"snapshot_hash", "run_id", "generated_at", "actual_value", "graded_at",
}

func (s *PostgresStore) UpsertPredictionResults(ctx context.Context, results []model.PredictionResult) error {
	rows := make([][]any, 0, len(results))
	for _, r := range results {
		rows = append(rows, []any{
			r.EntityID, string(r.Date), r.SystemID, r.PredictedValue, r.ConfidenceScore,
			string(r.Recommendation), r.IsEnsemble, r.IsFallback, r.Degraded, r.Line,
			r.SnapshotHash, r.RunID, r.GeneratedAt, r.ActualValue, r.GradedAt,
		})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "prediction_results",
		Columns:      predictionColumns,
		ConflictKeys: []string{"entity_id", "date", "system_id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert prediction results")
}

func (s *PostgresStore) GetEnsembleResult(ctx context.Context, entityID string, date model.Date) (*model.PredictionResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT entity_id, date, system_id, predicted_value, confidence_score, recommendation, is_ensemble, is_fallback, degraded, line, snapshot_hash, run_id, generated_at, actual_value, graded_at
		 FROM prediction_results WHERE entity_id = $1 AND date = $2 AND is_ensemble
		 ORDER BY generated_at DESC LIMIT 1`,
		entityID, string(date),
	)
	r, err := scanPrediction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListPredictions(ctx context.Context, date model.Date) ([]model.PredictionResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, date, system_id, predicted_value, confidence_score, recommendation, is_ensemble, is_fallback, degraded, line, snapshot_hash, run_id, generated_at, actual_value, graded_at
		 FROM prediction_results WHERE date = $1 ORDER BY entity_id, system_id`,
		string(date),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list predictions %s", date)
	}
	defer rows.Close()

	var results []model.PredictionResult
	for rows.Next() {
		r, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list predictions iterate")
}

func scanPrediction(row pgx.Row) (*model.PredictionResult, error) {
	var r model.PredictionResult
	var rec string
	if err := row.Scan(&r.EntityID, &r.Date, &r.SystemID, &r.PredictedValue, &r.ConfidenceScore,
		&rec, &r.IsEnsemble, &r.IsFallback, &r.Degraded, &r.Line, &r.SnapshotHash, &r.RunID,
		&r.GeneratedAt, &r.ActualValue, &r.GradedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan prediction")
	}
	r.Recommendation = model.Recommendation(rec)
	return &r, nil
}

func (s *PostgresStore) GradePredictions(ctx context.Context, date model.Date, actuals map[string]float64) (int, error) {
	graded := 0
	now := time.Now().UTC()
	for entityID, actual := range actuals {
		tag, err := s.pool.Exec(ctx,
			`UPDATE prediction_results SET actual_value = $1, graded_at = $2 WHERE entity_id = $3 AND date = $4`,
			actual, now, entityID, string(date),
		)
		if err != nil {
			return graded, eris.Wrapf(err, "postgres: grade predictions %s@%s", entityID, date)
		}
		graded += int(tag.RowsAffected())
	}
	return graded, nil
}

func (s *PostgresStore) RollingPerformance(ctx context.Context, systemID string, from, to model.Date) (model.RollingPerformance, error) {
	perf := model.RollingPerformance{SystemID: systemID, From: from, To: to}
	var mae, hitRate *float64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        AVG(ABS(predicted_value - actual_value)),
		        AVG(CASE WHEN (recommendation = 'OVER' AND actual_value > line)
		                   OR (recommendation = 'UNDER' AND actual_value < line)
		                 THEN 1.0 ELSE 0.0 END)
		          FILTER (WHERE recommendation <> 'PASS' AND line IS NOT NULL)
		 FROM prediction_results
		 WHERE system_id = $1 AND date >= $2 AND date <= $3 AND actual_value IS NOT NULL`,
		systemID, string(from), string(to),
	).Scan(&perf.SampleCount, &mae, &hitRate)
	if err != nil {
		return perf, eris.Wrapf(err, "postgres: rolling performance %s", systemID)
	}
	if mae != nil {
		perf.MAE = *mae
	}
	if hitRate != nil {
		perf.HitRate = *hitRate
	}
	return perf, nil
}

// Model versions

func (s *PostgresStore) CreateModelVersion(ctx context.Context, version model.ModelVersion) error {
	weightsJSON, err := json.Marshal(version.Weights)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal weights")
	}
	validationJSON, err := json.Marshal(version.Validation)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal validation")
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO model_versions (model_id, family, trained_from, trained_to, weights, intercept, validation, is_champion, is_challenger, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		version.ModelID, version.Family, string(version.TrainedFrom), string(version.TrainedTo),
		weightsJSON, version.Intercept, validationJSON, version.IsChampion, version.IsChallenger, version.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: create model version %s", version.ModelID)
}

func (s *PostgresStore) GetChampion(ctx context.Context, family string) (*model.ModelVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT model_id, family, trained_from, trained_to, weights, intercept, validation, is_champion, is_challenger, created_at
		 FROM model_versions WHERE family = $1 AND is_champion LIMIT 1`,
		family,
	)
	v, err := scanModelVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// PromoteChampion makes modelID the family champion and demotes the
// previous champion in the same transaction.
func (s *PostgresStore) PromoteChampion(ctx context.Context, family, modelID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin promote tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE model_versions SET is_champion = false WHERE family = $1 AND is_champion`,
		family,
	); err != nil {
		return eris.Wrapf(err, "postgres: demote champion %s", family)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE model_versions SET is_champion = true, is_challenger = false WHERE model_id = $1 AND family = $2`,
		modelID, family,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: promote %s", modelID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("model version not found: %s in family %s", modelID, family)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit promote tx")
}

func (s *PostgresStore) ListModelVersions(ctx context.Context, family string) ([]model.ModelVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT model_id, family, trained_from, trained_to, weights, intercept, validation, is_champion, is_challenger, created_at
		 FROM model_versions WHERE family = $1 ORDER BY created_at DESC`,
		family,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list model versions %s", family)
	}
	defer rows.Close()

	var versions []model.ModelVersion
	for rows.Next() {
		v, err := scanModelVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "postgres: list model versions iterate")
}

func scanModelVersion(row pgx.Row) (*model.ModelVersion, error) {
	var v model.ModelVersion
	var weightsJSON, validationJSON []byte
	if err := row.Scan(&v.ModelID, &v.Family, &v.TrainedFrom, &v.TrainedTo, &weightsJSON,
		&v.Intercept, &validationJSON, &v.IsChampion, &v.IsChallenger, &v.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan model version")
	}
	if len(weightsJSON) > 0 {
		if err := json.Unmarshal(weightsJSON, &v.Weights); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal weights")
		}
	}
	if err := json.Unmarshal(validationJSON, &v.Validation); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal validation")
	}
	return &v, nil
}

// Retrain decisions

func (s *PostgresStore) RecordRetrainDecision(ctx context.Context, decision model.RetrainDecision) error {
	reasonsJSON, err := json.Marshal(decision.Reasons)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal reasons")
	}
	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO retrain_decisions (id, family, model_id, retrain, reasons, window_from, window_to, sample_count, evaluated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		decision.ID, decision.Family, decision.ModelID, decision.Retrain, reasonsJSON,
		string(decision.WindowFrom), string(decision.WindowTo), decision.SampleCount, decision.EvaluatedAt,
	)
	return eris.Wrapf(err, "postgres: record retrain decision %s", decision.Family)
}

func (s *PostgresStore) ListRetrainDecisions(ctx context.Context, family string, limit int) ([]model.RetrainDecision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, family, model_id, retrain, reasons, window_from, window_to, sample_count, evaluated_at
		 FROM retrain_decisions WHERE family = $1 ORDER BY evaluated_at DESC LIMIT $2`,
		family, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list retrain decisions %s", family)
	}
	defer rows.Close()

	var decisions []model.RetrainDecision
	for rows.Next() {
		var d model.RetrainDecision
		var reasonsJSON []byte
		if err := rows.Scan(&d.ID, &d.Family, &d.ModelID, &d.Retrain, &reasonsJSON,
			&d.WindowFrom, &d.WindowTo, &d.SampleCount, &d.EvaluatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan retrain decision")
		}
		if len(reasonsJSON) > 0 {
			if err := json.Unmarshal(reasonsJSON, &d.Reasons); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal reasons")
			}
		}
		decisions = append(decisions, d)
	}
	return decisions, eris.Wrap(rows.Err(), "postgres: list retrain decisions iterate")
}

// Pipeline runs

func (s *PostgresStore) CreateRun(ctx context.Context, scope string, date model.Date) (*model.PipelineRun, error) {
	run := &model.PipelineRun{
		ID:        uuid.NewString(),
		Scope:     scope,
		Date:      date,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, scope, date, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Scope, string(run.Date), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create run %s", scope)
	}
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, counts map[string]int, runErr string) error {
	var countsJSON []byte
	if counts != nil {
		var err error
		countsJSON, err = json.Marshal(counts)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run counts")
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $1, counts = $2, error = NULLIF($3, ''), finished_at = $4 WHERE id = $5`,
		string(status), countsJSON, runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, scope, date, status, counts, error, started_at, finished_at FROM pipeline_runs WHERE id = $1`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT id, scope, date, status, counts, error, started_at, finished_at FROM pipeline_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Scope != "" {
		query += fmt.Sprintf(` AND scope = $%d`, argIdx)
		args = append(args, filter.Scope)
		argIdx++
	}
	if filter.Date != "" {
		query += fmt.Sprintf(` AND date = $%d`, argIdx)
		args = append(args, string(filter.Date))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanRun(row pgx.Row) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var countsJSON []byte
	var errMsg *string
	if err := row.Scan(&r.ID, &r.Scope, &r.Date, &r.Status, &countsJSON, &errMsg, &r.StartedAt, &r.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	if len(countsJSON) > 0 {
		if err := json.Unmarshal(countsJSON, &r.Counts); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run counts")
		}
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return &r, nil
}

// Dead-letter archive

func (s *PostgresStore) ArchiveDeadLetter(ctx context.Context, entry resilience.DLQEntry) error {
	taskJSON, err := json.Marshal(entry.Task)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq task")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dlq_archive (id, task, error, error_class, attempts, first_failed_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $3, error_class = $4, attempts = $5, last_failed_at = $7`,
		entry.ID, taskJSON, entry.Error, entry.ErrorClass, entry.Attempts,
		entry.FirstFailedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: archive dead letter")
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, task, error, error_class, attempts, first_failed_at, last_failed_at FROM dlq_archive WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ErrorClass != "" {
		query += fmt.Sprintf(` AND error_class = $%d`, argIdx)
		args = append(args, filter.ErrorClass)
		argIdx++
	}
	if filter.Date != "" {
		query += fmt.Sprintf(` AND task->>'date' = $%d`, argIdx)
		args = append(args, filter.Date)
		argIdx++
	}
	query += ` ORDER BY last_failed_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var taskJSON []byte
		if err := rows.Scan(&e.ID, &taskJSON, &e.Error, &e.ErrorClass, &e.Attempts,
			&e.FirstFailedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		if err := json.Unmarshal(taskJSON, &e.Task); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq task")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) RemoveDeadLetter(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dlq_archive WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dead letter")
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dlq_archive`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dead letters")
}
