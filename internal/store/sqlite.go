package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/statlinehq/props-engine/internal/model"
	"github.com/statlinehq/props-engine/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db            *sql.DB
	snapshotStage string
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode. snapshotStage names the stage whose outputs serve as feature
// snapshots.
func NewSQLite(dsn, snapshotStage string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, snapshotStage: snapshotStage}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS completeness_records (
	entity_id           TEXT NOT NULL,
	date                TEXT NOT NULL,
	stage               TEXT NOT NULL,
	expected_count      INTEGER NOT NULL DEFAULT 0,
	actual_count        INTEGER NOT NULL DEFAULT 0,
	completeness_pct    REAL NOT NULL DEFAULT 0,
	is_production_ready INTEGER NOT NULL DEFAULT 0,
	quality_issues      TEXT,
	checked_at          DATETIME NOT NULL,
	PRIMARY KEY (entity_id, date, stage)
);

CREATE INDEX IF NOT EXISTS idx_completeness_date_stage ON completeness_records(date, stage);

CREATE TABLE IF NOT EXISTS stage_outputs (
	entity_id          TEXT NOT NULL,
	date               TEXT NOT NULL,
	stage              TEXT NOT NULL,
	content_hash       TEXT NOT NULL,
	payload            TEXT NOT NULL,
	upstream_readiness TEXT,
	run_id             TEXT NOT NULL,
	computed_at        DATETIME NOT NULL,
	PRIMARY KEY (entity_id, date, stage)
);

CREATE INDEX IF NOT EXISTS idx_stage_outputs_stage_date ON stage_outputs(stage, date);

CREATE TABLE IF NOT EXISTS slate_entries (
	date        TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	entity      TEXT NOT NULL,
	opponent_id TEXT,
	game_count  INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (date, entity_id)
);

CREATE TABLE IF NOT EXISTS observations (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	date        TEXT NOT NULL,
	stage       TEXT NOT NULL,
	fields      TEXT NOT NULL,
	observed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_observations_entity_stage_date ON observations(entity_id, stage, date DESC);

CREATE TABLE IF NOT EXISTS target_lines (
	entity_id TEXT NOT NULL,
	date      TEXT NOT NULL,
	metric    TEXT NOT NULL,
	line      REAL NOT NULL,
	PRIMARY KEY (entity_id, date)
);

CREATE TABLE IF NOT EXISTS prediction_results (
	entity_id        TEXT NOT NULL,
	date             TEXT NOT NULL,
	system_id        TEXT NOT NULL,
	predicted_value  REAL NOT NULL DEFAULT 0,
	confidence_score REAL NOT NULL DEFAULT 0,
	recommendation   TEXT NOT NULL,
	is_ensemble      INTEGER NOT NULL DEFAULT 0,
	is_fallback      INTEGER NOT NULL DEFAULT 0,
	degraded         INTEGER NOT NULL DEFAULT 0,
	line             REAL,
	snapshot_hash    TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	generated_at     DATETIME NOT NULL,
	actual_value     REAL,
	graded_at        DATETIME,
	PRIMARY KEY (entity_id, date, system_id)
);

CREATE INDEX IF NOT EXISTS idx_prediction_results_date ON prediction_results(date);
CREATE INDEX IF NOT EXISTS idx_prediction_results_system_date ON prediction_results(system_id, date);

CREATE TABLE IF NOT EXISTS model_versions (
	model_id      TEXT PRIMARY KEY,
	family        TEXT NOT NULL,
	trained_from  TEXT NOT NULL,
	trained_to    TEXT NOT NULL,
	weights       TEXT,
	intercept     REAL NOT NULL DEFAULT 0,
	validation    TEXT NOT NULL,
	is_champion   INTEGER NOT NULL DEFAULT 0,
	is_challenger INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_versions_family ON model_versions(family);

CREATE TABLE IF NOT EXISTS retrain_decisions (
	id           TEXT PRIMARY KEY,
	family       TEXT NOT NULL,
	model_id     TEXT NOT NULL,
	retrain      INTEGER NOT NULL DEFAULT 0,
	reasons      TEXT,
	window_from  TEXT NOT NULL,
	window_to    TEXT NOT NULL,
	sample_count INTEGER NOT NULL DEFAULT 0,
	evaluated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retrain_decisions_family ON retrain_decisions(family, evaluated_at DESC);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          TEXT PRIMARY KEY,
	scope       TEXT NOT NULL,
	date        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	counts      TEXT,
	error       TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_scope ON pipeline_runs(scope, started_at DESC);

CREATE TABLE IF NOT EXISTS dlq_archive (
	id              TEXT PRIMARY KEY,
	task            TEXT NOT NULL,
	error           TEXT NOT NULL,
	error_class     TEXT NOT NULL DEFAULT 'compute',
	attempts        INTEGER NOT NULL DEFAULT 0,
	first_failed_at DATETIME NOT NULL,
	last_failed_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_archive_class ON dlq_archive(error_class);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Completeness

func (s *SQLiteStore) GetCompleteness(ctx context.Context, entityID string, date model.Date, stage string) (*model.CompletenessRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, date, stage, expected_count, actual_count, completeness_pct, is_production_ready, quality_issues, checked_at
		 FROM completeness_records WHERE entity_id = ? AND date = ? AND stage = ?`,
		entityID, string(date), stage,
	)
	rec, err := scanCompletenessRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get completeness %s/%s@%s", stage, entityID, date)
	}
	return rec, nil
}

func (s *SQLiteStore) ReplaceCompleteness(ctx context.Context, rec model.CompletenessRecord) error {
	issuesJSON, err := json.Marshal(rec.QualityIssues)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal quality issues")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO completeness_records (entity_id, date, stage, expected_count, actual_count, completeness_pct, is_production_ready, quality_issues, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_id, date, stage) DO UPDATE SET
		   expected_count = excluded.expected_count, actual_count = excluded.actual_count,
		   completeness_pct = excluded.completeness_pct, is_production_ready = excluded.is_production_ready,
		   quality_issues = excluded.quality_issues, checked_at = excluded.checked_at`,
		rec.EntityID, string(rec.Date), rec.Stage, rec.ExpectedCount, rec.ActualCount,
		rec.CompletenessPct, rec.IsProductionReady, string(issuesJSON), rec.CheckedAt,
	)
	return eris.Wrapf(err, "sqlite: replace completeness %s/%s@%s", rec.Stage, rec.EntityID, rec.Date)
}

func (s *SQLiteStore) ListCompleteness(ctx context.Context, date model.Date, stage string) ([]model.CompletenessRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, date, stage, expected_count, actual_count, completeness_pct, is_production_ready, quality_issues, checked_at
		 FROM completeness_records WHERE date = ? AND stage = ? ORDER BY entity_id`,
		string(date), stage,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list completeness")
	}
	defer rows.Close()

	var records []model.CompletenessRecord
	for rows.Next() {
		rec, err := scanCompletenessRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan completeness")
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list completeness iterate")
}

func scanCompletenessRow(row scannable) (*model.CompletenessRecord, error) {
	var rec model.CompletenessRecord
	var issuesJSON sql.NullString
	if err := row.Scan(&rec.EntityID, &rec.Date, &rec.Stage, &rec.ExpectedCount, &rec.ActualCount,
		&rec.CompletenessPct, &rec.IsProductionReady, &issuesJSON, &rec.CheckedAt); err != nil {
		return nil, err
	}
	if issuesJSON.Valid && issuesJSON.String != "" && issuesJSON.String != "null" {
		if err := json.Unmarshal([]byte(issuesJSON.String), &rec.QualityIssues); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal quality issues")
		}
	}
	return &rec, nil
}

// Stage outputs

func (s *SQLiteStore) GetStageOutput(ctx context.Context, entityID string, date model.Date, stage string) (*model.StageOutput, error) {
	var out model.StageOutput
	var payloadJSON string
	var upstreamJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_id, date, stage, content_hash, payload, upstream_readiness, run_id, computed_at
		 FROM stage_outputs WHERE entity_id = ? AND date = ? AND stage = ?`,
		entityID, string(date), stage,
	).Scan(&out.EntityID, &out.Date, &out.Stage, &out.ContentHash, &payloadJSON, &upstreamJSON, &out.RunID, &out.ComputedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get stage output %s/%s@%s", stage, entityID, date)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &out.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal payload")
	}
	if upstreamJSON.Valid && upstreamJSON.String != "" && upstreamJSON.String != "null" {
		if err := json.Unmarshal([]byte(upstreamJSON.String), &out.UpstreamReadiness); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal upstream readiness")
		}
	}
	return &out, nil
}

func (s *SQLiteStore) UpsertStageOutput(ctx context.Context, out model.StageOutput) error {
	payloadJSON, err := json.Marshal(out.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}
	var upstreamJSON any
	if out.UpstreamReadiness != nil {
		b, err := json.Marshal(out.UpstreamReadiness)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal upstream readiness")
		}
		upstreamJSON = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_outputs (entity_id, date, stage, content_hash, payload, upstream_readiness, run_id, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_id, date, stage) DO UPDATE SET
		   content_hash = excluded.content_hash, payload = excluded.payload,
		   upstream_readiness = excluded.upstream_readiness, run_id = excluded.run_id,
		   computed_at = excluded.computed_at`,
		out.EntityID, string(out.Date), out.Stage, out.ContentHash, string(payloadJSON), upstreamJSON, out.RunID, out.ComputedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert stage output %s/%s@%s", out.Stage, out.EntityID, out.Date)
}

func (s *SQLiteStore) GetFeatureSnapshot(ctx context.Context, entityID string, date model.Date) (*model.FeatureSnapshot, error) {
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

func (s *SQLiteStore) LastComputedAt(ctx context.Context, stage string) (*time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(computed_at) FROM stage_outputs WHERE stage = ?`,
		stage,
	).Scan(&ts)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last computed at %s", stage)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time
	return &t, nil
}

func (s *SQLiteStore) FeatureMeans(ctx context.Context, from, to model.Date) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.key, AVG(CAST(f.value AS REAL))
		 FROM stage_outputs o, json_each(o.payload) f
		 WHERE o.stage = ? AND o.date >= ? AND o.date <= ?
		 GROUP BY f.key`,
		s.snapshotStage, string(from), string(to),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: feature means")
	}
	defer rows.Close()

	means := make(map[string]float64)
	for rows.Next() {
		var key string
		var mean float64
		if err := rows.Scan(&key, &mean); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan feature mean")
		}
		means[key] = mean
	}
	return means, eris.Wrap(rows.Err(), "sqlite: feature means iterate")
}

// Slate

func (s *SQLiteStore) ReplaceSlate(ctx context.Context, date model.Date, entries []model.SlateEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin slate tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM slate_entries WHERE date = ?`, string(date)); err != nil {
		return eris.Wrapf(err, "sqlite: clear slate %s", date)
	}
	for _, e := range entries {
		entityJSON, err := json.Marshal(e.Entity)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal slate entity")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO slate_entries (date, entity_id, entity, opponent_id, game_count) VALUES (?, ?, ?, ?, ?)`,
			string(date), e.Entity.ID, string(entityJSON), e.OpponentID, e.GameCount,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert slate entry %s", e.Entity.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit slate tx")
}

func (s *SQLiteStore) ListSlate(ctx context.Context, date model.Date) ([]model.SlateEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity, date, opponent_id, game_count FROM slate_entries WHERE date = ? ORDER BY entity_id`,
		string(date),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list slate %s", date)
	}
	defer rows.Close()

	var entries []model.SlateEntry
	for rows.Next() {
		e, err := scanSlateEntryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list slate iterate")
}

func (s *SQLiteStore) GetSlateEntry(ctx context.Context, entityID string, date model.Date) (*model.SlateEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity, date, opponent_id, game_count FROM slate_entries WHERE entity_id = ? AND date = ?`,
		entityID, string(date),
	)
	e, err := scanSlateEntryRow(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func scanSlateEntryRow(row scannable) (*model.SlateEntry, error) {
	var e model.SlateEntry
	var entityJSON string
	var opponent sql.NullString
	if err := row.Scan(&entityJSON, &e.Date, &opponent, &e.GameCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan slate entry")
	}
	if err := json.Unmarshal([]byte(entityJSON), &e.Entity); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal slate entity")
	}
	e.OpponentID = opponent.String
	return &e, nil
}

// Observations

func (s *SQLiteStore) InsertObservations(ctx context.Context, obs []model.Observation) (int, error) {
	n := 0
	for _, o := range obs {
		fieldsJSON, err := json.Marshal(o.Fields)
		if err != nil {
			return n, eris.Wrap(err, "sqlite: marshal observation fields")
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO observations (id, entity_id, date, stage, fields, observed_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			observationID(o), o.EntityID, string(o.Date), o.Stage, string(fieldsJSON), o.ObservedAt,
		)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: insert observation %s@%s", o.EntityID, o.Date)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return n, eris.Wrap(err, "sqlite: rows affected")
		}
		n += int(affected)
	}
	return n, nil
}

func (s *SQLiteStore) ListObservations(ctx context.Context, entityID string, date model.Date, stage string) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, date, stage, fields, observed_at FROM observations
		 WHERE entity_id = ? AND date = ? AND stage = ? ORDER BY observed_at`,
		entityID, string(date), stage,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list observations")
	}
	defer rows.Close()
	return collectObservationRows(rows)
}

func (s *SQLiteStore) History(ctx context.Context, entityID string, throughDate model.Date, stage string, limit int) ([]model.Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, date, stage, fields, observed_at FROM observations
		 WHERE entity_id = ? AND stage = ? AND date <= ? ORDER BY date DESC LIMIT ?`,
		entityID, stage, string(throughDate), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: observation history")
	}
	defer rows.Close()
	return collectObservationRows(rows)
}

func collectObservationRows(rows *sql.Rows) ([]model.Observation, error) {
	var obs []model.Observation
	for rows.Next() {
		var o model.Observation
		var fieldsJSON string
		if err := rows.Scan(&o.EntityID, &o.Date, &o.Stage, &fieldsJSON, &o.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan observation")
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &o.Fields); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal observation fields")
		}
		obs = append(obs, o)
	}
	return obs, eris.Wrap(rows.Err(), "sqlite: observations iterate")
}

// Target lines

func (s *SQLiteStore) UpsertTargetLine(ctx context.Context, line model.TargetLine) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO target_lines (entity_id, date, metric, line) VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_id, date) DO UPDATE SET metric = excluded.metric, line = excluded.line`,
		line.EntityID, string(line.Date), line.Metric, line.Line,
	)
	return eris.Wrapf(err, "sqlite: upsert target line %s@%s", line.EntityID, line.Date)
}

func (s *SQLiteStore) GetTargetLine(ctx context.Context, entityID string, date model.Date) (*model.TargetLine, error) {
	var line model.TargetLine
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_id, date, metric, line FROM target_lines WHERE entity_id = ? AND date = ?`,
		entityID, string(date),
	).Scan(&line.EntityID, &line.Date, &line.Metric, &line.Line)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get target line %s@%s", entityID, date)
	}
	return &line, nil
}

// Predictions

func (s *SQLiteStore) UpsertPredictionResults(ctx context.Context, results []model.PredictionResult) error {
	for _, r := range results {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO prediction_results
			 (entity_id, date, system_id, predicted_value, confidence_score, recommendation, is_ensemble, is_fallback, degraded, line, snapshot_hash, run_id, generated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (entity_id, date, system_id) DO UPDATE SET
			   predicted_value = excluded.predicted_value, confidence_score = excluded.confidence_score,
			   recommendation = excluded.recommendation, is_ensemble = excluded.is_ensemble,
			   is_fallback = excluded.is_fallback, degraded = excluded.degraded,
			   line = excluded.line, snapshot_hash = excluded.snapshot_hash,
			   run_id = excluded.run_id, generated_at = excluded.generated_at,
			   actual_value = NULL, graded_at = NULL`,
			r.EntityID, string(r.Date), r.SystemID, r.PredictedValue, r.ConfidenceScore,
			string(r.Recommendation), r.IsEnsemble, r.IsFallback, r.Degraded, r.Line,
			r.SnapshotHash, r.RunID, r.GeneratedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert prediction %s/%s@%s", r.SystemID, r.EntityID, r.Date)
		}
	}
	return nil
}

func (s *SQLiteStore) GetEnsembleResult(ctx context.Context, entityID string, date model.Date) (*model.PredictionResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, date, system_id, predicted_value, confidence_score, recommendation, is_ensemble, is_fallback, degraded, line, snapshot_hash, run_id, generated_at, actual_value, graded_at
		 FROM prediction_results WHERE entity_id = ? AND date = ? AND is_ensemble
		 ORDER BY generated_at DESC LIMIT 1`,
		entityID, string(date),
	)
	r, err := scanPredictionRow(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListPredictions(ctx context.Context, date model.Date) ([]model.PredictionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, date, system_id, predicted_value, confidence_score, recommendation, is_ensemble, is_fallback, degraded, line, snapshot_hash, run_id, generated_at, actual_value, graded_at
		 FROM prediction_results WHERE date = ? ORDER BY entity_id, system_id`,
		string(date),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list predictions %s", date)
	}
	defer rows.Close()

	var results []model.PredictionResult
	for rows.Next() {
		r, err := scanPredictionRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list predictions iterate")
}

func scanPredictionRow(row scannable) (*model.PredictionResult, error) {
	var r model.PredictionResult
	var rec string
	var line, actual sql.NullFloat64
	var gradedAt sql.NullTime
	if err := row.Scan(&r.EntityID, &r.Date, &r.SystemID, &r.PredictedValue, &r.ConfidenceScore,
		&rec, &r.IsEnsemble, &r.IsFallback, &r.Degraded, &line, &r.SnapshotHash, &r.RunID,
		&r.GeneratedAt, &actual, &gradedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan prediction")
	}
	r.Recommendation = model.Recommendation(rec)
	if line.Valid {
		v := line.Float64
		r.Line = &v
	}
	if actual.Valid {
		v := actual.Float64
		r.ActualValue = &v
	}
	if gradedAt.Valid {
		t := gradedAt.Time
		r.GradedAt = &t
	}
	return &r, nil
}

func (s *SQLiteStore) GradePredictions(ctx context.Context, date model.Date, actuals map[string]float64) (int, error) {
	graded := 0
	now := time.Now().UTC()
	for entityID, actual := range actuals {
		res, err := s.db.ExecContext(ctx,
			`UPDATE prediction_results SET actual_value = ?, graded_at = ? WHERE entity_id = ? AND date = ?`,
			actual, now, entityID, string(date),
		)
		if err != nil {
			return graded, eris.Wrapf(err, "sqlite: grade predictions %s@%s", entityID, date)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return graded, eris.Wrap(err, "sqlite: rows affected")
		}
		graded += int(affected)
	}
	return graded, nil
}

func (s *SQLiteStore) RollingPerformance(ctx context.Context, systemID string, from, to model.Date) (model.RollingPerformance, error) {
	perf := model.RollingPerformance{SystemID: systemID, From: from, To: to}
	var mae, hitRate sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        AVG(ABS(predicted_value - actual_value)),
		        AVG(CASE WHEN recommendation = 'PASS' OR line IS NULL THEN NULL
		                 WHEN (recommendation = 'OVER' AND actual_value > line)
		                   OR (recommendation = 'UNDER' AND actual_value < line)
		                 THEN 1.0 ELSE 0.0 END)
		 FROM prediction_results
		 WHERE system_id = ? AND date >= ? AND date <= ? AND actual_value IS NOT NULL`,
		systemID, string(from), string(to),
	).Scan(&perf.SampleCount, &mae, &hitRate)
	if err != nil {
		return perf, eris.Wrapf(err, "sqlite: rolling performance %s", systemID)
	}
	if mae.Valid {
		perf.MAE = mae.Float64
	}
	if hitRate.Valid {
		perf.HitRate = hitRate.Float64
	}
	return perf, nil
}

// Model versions

func (s *SQLiteStore) CreateModelVersion(ctx context.Context, version model.ModelVersion) error {
	weightsJSON, err := json.Marshal(version.Weights)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal weights")
	}
	validationJSON, err := json.Marshal(version.Validation)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal validation")
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_versions (model_id, family, trained_from, trained_to, weights, intercept, validation, is_champion, is_challenger, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		version.ModelID, version.Family, string(version.TrainedFrom), string(version.TrainedTo),
		string(weightsJSON), version.Intercept, string(validationJSON), version.IsChampion, version.IsChallenger, version.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: create model version %s", version.ModelID)
}

func (s *SQLiteStore) GetChampion(ctx context.Context, family string) (*model.ModelVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT model_id, family, trained_from, trained_to, weights, intercept, validation, is_champion, is_challenger, created_at
		 FROM model_versions WHERE family = ? AND is_champion LIMIT 1`,
		family,
	)
	v, err := scanModelVersionRow(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (s *SQLiteStore) PromoteChampion(ctx context.Context, family, modelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin promote tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE model_versions SET is_champion = 0 WHERE family = ? AND is_champion`,
		family,
	); err != nil {
		return eris.Wrapf(err, "sqlite: demote champion %s", family)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE model_versions SET is_champion = 1, is_challenger = 0 WHERE model_id = ? AND family = ?`,
		modelID, family,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: promote %s", modelID)
	}
	if err := checkRowsAffected(res, "model version", modelID); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit promote tx")
}

func (s *SQLiteStore) ListModelVersions(ctx context.Context, family string) ([]model.ModelVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model_id, family, trained_from, trained_to, weights, intercept, validation, is_champion, is_challenger, created_at
		 FROM model_versions WHERE family = ? ORDER BY created_at DESC`,
		family,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list model versions %s", family)
	}
	defer rows.Close()

	var versions []model.ModelVersion
	for rows.Next() {
		v, err := scanModelVersionRow(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "sqlite: list model versions iterate")
}

func scanModelVersionRow(row scannable) (*model.ModelVersion, error) {
	var v model.ModelVersion
	var weightsJSON sql.NullString
	var validationJSON string
	if err := row.Scan(&v.ModelID, &v.Family, &v.TrainedFrom, &v.TrainedTo, &weightsJSON,
		&v.Intercept, &validationJSON, &v.IsChampion, &v.IsChallenger, &v.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan model version")
	}
	if weightsJSON.Valid && weightsJSON.String != "" && weightsJSON.String != "null" {
		if err := json.Unmarshal([]byte(weightsJSON.String), &v.Weights); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal weights")
		}
	}
	if err := json.Unmarshal([]byte(validationJSON), &v.Validation); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal validation")
	}
	return &v, nil
}

// Retrain decisions

func (s *SQLiteStore) RecordRetrainDecision(ctx context.Context, decision model.RetrainDecision) error {
	reasonsJSON, err := json.Marshal(decision.Reasons)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal reasons")
	}
	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO retrain_decisions (id, family, model_id, retrain, reasons, window_from, window_to, sample_count, evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		decision.ID, decision.Family, decision.ModelID, decision.Retrain, string(reasonsJSON),
		string(decision.WindowFrom), string(decision.WindowTo), decision.SampleCount, decision.EvaluatedAt,
	)
	return eris.Wrapf(err, "sqlite: record retrain decision %s", decision.Family)
}

func (s *SQLiteStore) ListRetrainDecisions(ctx context.Context, family string, limit int) ([]model.RetrainDecision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, family, model_id, retrain, reasons, window_from, window_to, sample_count, evaluated_at
		 FROM retrain_decisions WHERE family = ? ORDER BY evaluated_at DESC LIMIT ?`,
		family, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list retrain decisions %s", family)
	}
	defer rows.Close()

	var decisions []model.RetrainDecision
	for rows.Next() {
		var d model.RetrainDecision
		var reasonsJSON sql.NullString
		if err := rows.Scan(&d.ID, &d.Family, &d.ModelID, &d.Retrain, &reasonsJSON,
			&d.WindowFrom, &d.WindowTo, &d.SampleCount, &d.EvaluatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan retrain decision")
		}
		if reasonsJSON.Valid && reasonsJSON.String != "" && reasonsJSON.String != "null" {
			if err := json.Unmarshal([]byte(reasonsJSON.String), &d.Reasons); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal reasons")
			}
		}
		decisions = append(decisions, d)
	}
	return decisions, eris.Wrap(rows.Err(), "sqlite: list retrain decisions iterate")
}

// Pipeline runs

func (s *SQLiteStore) CreateRun(ctx context.Context, scope string, date model.Date) (*model.PipelineRun, error) {
	run := &model.PipelineRun{
		ID:        uuid.NewString(),
		Scope:     scope,
		Date:      date,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, scope, date, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Scope, string(run.Date), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create run %s", scope)
	}
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, counts map[string]int, runErr string) error {
	var countsJSON any
	if counts != nil {
		b, err := json.Marshal(counts)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run counts")
		}
		countsJSON = string(b)
	}
	var errVal any
	if runErr != "" {
		errVal = runErr
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, counts = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), countsJSON, errVal, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope, date, status, counts, error, started_at, finished_at FROM pipeline_runs WHERE id = ?`,
		runID,
	)
	r, err := scanRunRow(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT id, scope, date, status, counts, error, started_at, finished_at FROM pipeline_runs WHERE 1=1`
	args := []any{}

	if filter.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, filter.Scope)
	}
	if filter.Date != "" {
		query += ` AND date = ?`
		args = append(args, string(filter.Date))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, filter.CreatedAfter)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func scanRunRow(row scannable) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var countsJSON, errMsg sql.NullString
	var finishedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.Scope, &r.Date, &r.Status, &countsJSON, &errMsg, &r.StartedAt, &finishedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if countsJSON.Valid && countsJSON.String != "" && countsJSON.String != "null" {
		if err := json.Unmarshal([]byte(countsJSON.String), &r.Counts); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run counts")
		}
	}
	r.Error = errMsg.String
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// Dead-letter archive

func (s *SQLiteStore) ArchiveDeadLetter(ctx context.Context, entry resilience.DLQEntry) error {
	taskJSON, err := json.Marshal(entry.Task)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq task")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dlq_archive (id, task, error, error_class, attempts, first_failed_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_class = excluded.error_class,
		   attempts = excluded.attempts, last_failed_at = excluded.last_failed_at`,
		entry.ID, string(taskJSON), entry.Error, entry.ErrorClass, entry.Attempts,
		entry.FirstFailedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: archive dead letter")
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, task, error, error_class, attempts, first_failed_at, last_failed_at FROM dlq_archive WHERE 1=1`
	args := []any{}

	if filter.ErrorClass != "" {
		query += ` AND error_class = ?`
		args = append(args, filter.ErrorClass)
	}
	if filter.Date != "" {
		query += ` AND json_extract(task, '$.date') = ?`
		args = append(args, filter.Date)
	}
	query += ` ORDER BY last_failed_at DESC LIMIT ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var taskJSON string
		if err := rows.Scan(&e.ID, &taskJSON, &e.Error, &e.ErrorClass, &e.Attempts,
			&e.FirstFailedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		if err := json.Unmarshal([]byte(taskJSON), &e.Task); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq task")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) RemoveDeadLetter(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dlq_archive WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dead letter")
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq_archive`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dead letters")
}

// checkRowsAffected verifies an UPDATE touched at least one row.
func checkRowsAffected(res sql.Result, kind, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if affected == 0 {
		return eris.Errorf("%s not found: %s", kind, id)
	}
	return nil
}

// scannable abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}
