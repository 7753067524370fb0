package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/presence.report/internal/device"
	"github.com/banshee-data/presence.report/internal/presence"
)

// Run is one stored detection run.
type Run struct {
	ID          string              `json:"run_id"`
	Port        string              `json:"port"`
	Config      device.ModuleConfig `json:"config"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	SampleCount int                 `json:"sample_count"`
	Error       string              `json:"error,omitempty"`
}

// StartRun records the start of a detection run and returns its ID.
func (db *DB) StartRun(ctx context.Context, port string, cfg device.ModuleConfig) (string, error) {
	if cfg == nil {
		cfg = device.ModuleConfig{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode run config: %w", err)
	}
	id := uuid.NewString()
	_, err = db.ExecContext(ctx,
		`INSERT INTO detection_runs (run_id, port, config_json, started_at) VALUES (?, ?, ?, ?)`,
		id, port, string(cfgJSON), time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// RecordSample stores one sample against runID.
func (db *DB) RecordSample(ctx context.Context, runID string, rec presence.TimedSample) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO presence_samples (run_id, ts_unix_ns, present, score, distance_m) VALUES (?, ?, ?, ?, ?)`,
		runID, rec.Time.UnixNano(), rec.Presence, float64(rec.Score), float64(rec.Distance))
	if err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}
	return nil
}

// FinishRun marks runID finished. runErr, if any, is stored as text.
func (db *DB) FinishRun(ctx context.Context, runID string, samples int, runErr error) error {
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := db.ExecContext(ctx,
		`UPDATE detection_runs SET finished_at = ?, sample_count = ?, error = ? WHERE run_id = ?`,
		time.Now().UnixNano(), samples, errText, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %q not found", runID)
	}
	return nil
}

// Runs returns up to limit runs, newest first. limit <= 0 returns all.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, port, config_json, started_at, finished_at, sample_count, error
		FROM detection_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			cfgJSON  string
			started  int64
			finished sql.NullInt64
			errText  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Port, &cfgJSON, &started, &finished, &r.SampleCount, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
			return nil, fmt.Errorf("run %s: bad config: %w", r.ID, err)
		}
		r.StartedAt = time.Unix(0, started)
		if finished.Valid {
			t := time.Unix(0, finished.Int64)
			r.FinishedAt = &t
		}
		r.Error = errText.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Recent returns up to limit of the latest samples across all runs,
// oldest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]presence.TimedSample, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT ts_unix_ns, present, score, distance_m FROM (
			SELECT sample_id, ts_unix_ns, present, score, distance_m
			FROM presence_samples
			ORDER BY ts_unix_ns DESC, sample_id DESC
			LIMIT ?
		) ORDER BY ts_unix_ns ASC, sample_id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// RunSamples returns every sample of runID in time order.
func (db *DB) RunSamples(ctx context.Context, runID string) ([]presence.TimedSample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ts_unix_ns, present, score, distance_m
		FROM presence_samples
		WHERE run_id = ?
		ORDER BY ts_unix_ns ASC, sample_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

func scanSamples(rows *sql.Rows) ([]presence.TimedSample, error) {
	var out []presence.TimedSample
	for rows.Next() {
		var (
			ts              int64
			present         bool
			score, distance float64
		)
		if err := rows.Scan(&ts, &present, &score, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		out = append(out, presence.TimedSample{
			Time:   time.Unix(0, ts),
			Sample: presence.Sample{Presence: present, Score: float32(score), Distance: float32(distance)},
		})
	}
	return out, rows.Err()
}
