package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// StepStats returns pending, in-flight, completed and failed counts per
// step, plus how many warnings each step has logged. Retired items are
// not counted.
func (s *SQLiteStore) StepStats(ctx context.Context, now time.Time, maxRetries int) ([]model.StepStats, error) {
	var rows []struct {
		Step      string `db:"step"`
		Pending   int    `db:"pending"`
		InFlight  int    `db:"in_flight"`
		Completed int    `db:"completed"`
		Failed    int    `db:"failed"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT ps.step,
		       COALESCE(SUM(CASE WHEN ps.completed_at IS NULL AND ps.retry_count < ?
		                          AND (ps.lease_token IS NULL OR ps.lease_expires_at <= ?) THEN 1 ELSE 0 END), 0) AS pending,
		       COALESCE(SUM(CASE WHEN ps.completed_at IS NULL AND ps.lease_token IS NOT NULL
		                          AND ps.lease_expires_at > ? THEN 1 ELSE 0 END), 0) AS in_flight,
		       COALESCE(SUM(CASE WHEN ps.completed_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS completed,
		       COALESCE(SUM(CASE WHEN ps.completed_at IS NULL AND ps.retry_count >= ? THEN 1 ELSE 0 END), 0) AS failed
		FROM pipeline_steps ps
		JOIN raw_items ri ON ri.id = ps.raw_item_id
		WHERE ri.retired_at IS NULL
		GROUP BY ps.step`, maxRetries, millis(now), millis(now), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("querying step stats: %w", err)
	}

	var warnRows []struct {
		Step  sql.NullString `db:"step"`
		Count int            `db:"n"`
	}
	err = s.db.SelectContext(ctx, &warnRows, `
		SELECT json_extract(w.value, '$.step') AS step, COUNT(*) AS n
		FROM raw_items, json_each(raw_items.warnings) AS w
		WHERE raw_items.retired_at IS NULL
		GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("querying warning counts: %w", err)
	}
	warnings := make(map[model.Step]int, len(warnRows))
	for _, w := range warnRows {
		warnings[model.Step(w.Step.String)] += w.Count
	}

	byStep := make(map[model.Step]model.StepStats, len(rows))
	for _, r := range rows {
		byStep[model.Step(r.Step)] = model.StepStats{
			Pending:           r.Pending,
			InFlight:          r.InFlight,
			Completed:         r.Completed,
			PermanentlyFailed: r.Failed,
		}
	}

	out := make([]model.StepStats, 0, len(model.Steps))
	for _, step := range model.Steps {
		st := byStep[step]
		st.Step = step
		st.Warnings = warnings[step]
		out = append(out, st)
	}
	return out, nil
}

// StatusCounts projects every live raw item onto its coarse processing
// status.
func (s *SQLiteStore) StatusCounts(ctx context.Context, maxRetries int) (map[model.ProcessingStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT ps.raw_item_id, ps.step, ps.completed_at, ps.retry_count, ps.last_error,
		       ps.last_attempt_at, COALESCE(ps.lease_token, ''), ps.lease_expires_at
		FROM pipeline_steps ps
		JOIN raw_items ri ON ri.id = ps.raw_item_id
		WHERE ri.retired_at IS NULL
		ORDER BY ps.raw_item_id`)
	if err != nil {
		return nil, fmt.Errorf("querying step states: %w", err)
	}
	defer rows.Close()

	counts := map[model.ProcessingStatus]int{}
	var (
		current int64
		states  map[model.Step]model.StepState
	)
	flush := func() {
		if states != nil {
			counts[model.ProjectStatus(states, maxRetries)]++
		}
	}
	for rows.Next() {
		var (
			id          int64
			st          model.StepState
			step        string
			completedAt sql.NullInt64
			lastAttempt sql.NullInt64
			leaseExp    sql.NullInt64
		)
		err := rows.Scan(&id, &step, &completedAt, &st.RetryCount, &st.LastError, &lastAttempt, &st.LeaseToken, &leaseExp)
		if err != nil {
			return nil, fmt.Errorf("scanning step state: %w", err)
		}
		st.Step = model.Step(step)
		st.CompletedAt = fromNullMillis(completedAt)
		st.LastAttemptAt = fromNullMillis(lastAttempt)
		st.LeaseExpiresAt = fromNullMillis(leaseExp)

		if states == nil || id != current {
			flush()
			current = id
			states = make(map[model.Step]model.StepState, len(model.Steps))
		}
		states[st.Step] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating step states: %w", err)
	}
	flush()
	return counts, nil
}

// NeedsAttention lists steps of live items that exhausted their retries.
func (s *SQLiteStore) NeedsAttention(ctx context.Context, maxRetries, limit int) ([]model.AttentionItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []struct {
		RawItemID   int64         `db:"raw_item_id"`
		Account     string        `db:"account"`
		StableID    string        `db:"stable_identifier"`
		Step        string        `db:"step"`
		RetryCount  int           `db:"retry_count"`
		LastError   string        `db:"last_error"`
		LastAttempt sql.NullInt64 `db:"last_attempt_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT ps.raw_item_id, ri.account, ri.stable_identifier, ps.step,
		       ps.retry_count, ps.last_error, ps.last_attempt_at
		FROM pipeline_steps ps
		JOIN raw_items ri ON ri.id = ps.raw_item_id
		WHERE ps.completed_at IS NULL AND ps.retry_count >= ?
		  AND ri.retired_at IS NULL
		ORDER BY ps.last_attempt_at DESC, ps.raw_item_id
		LIMIT ?`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("querying items needing attention: %w", err)
	}

	out := make([]model.AttentionItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.AttentionItem{
			RawItemID:     r.RawItemID,
			Account:       r.Account,
			StableID:      r.StableID,
			Step:          model.Step(r.Step),
			RetryCount:    r.RetryCount,
			LastError:     r.LastError,
			LastAttemptAt: fromNullMillis(r.LastAttempt),
		})
	}
	return out, nil
}

// OpenConflicts lists unresolved identity conflicts, newest first.
func (s *SQLiteStore) OpenConflicts(ctx context.Context, limit int) ([]model.IdentityConflict, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []struct {
		ID         int64         `db:"id"`
		Account    string        `db:"account"`
		StableID   string        `db:"stable_identifier"`
		RecordID   int64         `db:"server_state_id"`
		OtherID    sql.NullInt64 `db:"other_server_state_id"`
		RawItemID  sql.NullInt64 `db:"raw_item_id"`
		DetectedAt int64         `db:"detected_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account, stable_identifier, server_state_id,
		       other_server_state_id, raw_item_id, detected_at
		FROM identity_conflicts
		WHERE resolved_at IS NULL
		ORDER BY detected_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying identity conflicts: %w", err)
	}

	out := make([]model.IdentityConflict, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.IdentityConflict{
			ID:            r.ID,
			Account:       r.Account,
			StableID:      r.StableID,
			ServerStateID: r.RecordID,
			OtherID:       r.OtherID.Int64,
			RawItemID:     r.RawItemID.Int64,
			DetectedAt:    fromMillis(r.DetectedAt),
		})
	}
	return out, nil
}

// ResolveConflict marks a conflict as reviewed.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE identity_conflicts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL",
		millis(now), id)
	if err != nil {
		return fmt.Errorf("resolving conflict %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conflict %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// RecentPasses returns the latest committed reconciliation passes.
func (s *SQLiteStore) RecentPasses(ctx context.Context, limit int) ([]model.PassRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []struct {
		ID          int64  `db:"id"`
		Account     string `db:"account"`
		StartedAt   int64  `db:"started_at"`
		FinishedAt  int64  `db:"finished_at"`
		Fetches     int    `db:"fetches"`
		Moves       int    `db:"moves"`
		FlagChanges int    `db:"flag_changes"`
		Deletes     int    `db:"deletes"`
		Conflicts   int    `db:"conflicts"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account, started_at, finished_at, fetches, moves, flag_changes, deletes, conflicts
		FROM sync_passes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync passes: %w", err)
	}

	out := make([]model.PassRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.PassRecord{
			ID:          r.ID,
			Account:     r.Account,
			StartedAt:   fromMillis(r.StartedAt),
			FinishedAt:  fromMillis(r.FinishedAt),
			Fetches:     r.Fetches,
			Moves:       r.Moves,
			FlagChanges: r.FlagChanges,
			Deletes:     r.Deletes,
			Conflicts:   r.Conflicts,
		})
	}
	return out, nil
}
