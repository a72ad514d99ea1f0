package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// eligibleSQL is the claim predicate on a pipeline_steps row aliased ps.
// Arguments: maxRetries, now.
const eligibleSQL = `ps.completed_at IS NULL
	AND ps.retry_count < ?
	AND ps.lease_token IS NULL
	AND (ps.next_eligible_at IS NULL OR ps.next_eligible_at <= ?)
	AND NOT EXISTS (
		SELECT 1 FROM raw_items ri
		WHERE ri.id = ps.raw_item_id AND ri.retired_at IS NOT NULL)
	AND (ps.step <> 'rules' OR EXISTS (
		SELECT 1 FROM pipeline_steps dep
		WHERE dep.raw_item_id = ps.raw_item_id
		  AND dep.step = 'classification'
		  AND dep.completed_at IS NOT NULL))`

// ClaimNext atomically leases one eligible step. Expired leases are first
// swept and counted as failed attempts. It returns nil when nothing is
// eligible.
func (s *SQLiteStore) ClaimNext(ctx context.Context, req ClaimRequest) (*model.Claim, error) {
	if !req.Step.Valid() {
		return nil, fmt.Errorf("claiming: unknown step %q", req.Step)
	}

	var claim *model.Claim
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		claim = nil

		if err := sweepExpired(ctx, tx, req.Now, req.Backoff); err != nil {
			return err
		}

		target := `SELECT ps.rowid FROM pipeline_steps ps
			WHERE ps.step = ? AND ` + eligibleSQL + `
			ORDER BY COALESCE(ps.next_eligible_at, 0), ps.raw_item_id
			LIMIT 1`
		args := []any{string(req.Step), req.MaxRetries, millis(req.Now)}
		if req.RawItemID != 0 {
			target = `SELECT ps.rowid FROM pipeline_steps ps
				WHERE ps.step = ? AND ps.raw_item_id = ? AND ` + eligibleSQL
			args = []any{string(req.Step), req.RawItemID, req.MaxRetries, millis(req.Now)}
		}

		expires := req.Now.Add(req.LeaseTTL)
		query := `UPDATE pipeline_steps AS ps
			SET lease_token = ?, lease_expires_at = ?, last_attempt_at = ?
			WHERE ps.rowid = (` + target + `) AND ` + eligibleSQL + `
			RETURNING raw_item_id, retry_count`
		args = append([]any{req.Token, millis(expires), millis(req.Now)}, args...)
		args = append(args, req.MaxRetries, millis(req.Now))

		var (
			itemID int64
			retry  int
		)
		err := tx.QueryRowxContext(ctx, query, args...).Scan(&itemID, &retry)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claiming %s: %w", req.Step, err)
		}
		claim = &model.Claim{
			RawItemID:      itemID,
			Step:           req.Step,
			Token:          req.Token,
			RetryCount:     retry,
			ClaimedAt:      req.Now.UTC(),
			LeaseExpiresAt: expires.UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("claim", err)
	}
	return claim, nil
}

// sweepExpired turns every lapsed lease into a failed attempt.
func sweepExpired(ctx context.Context, tx *sqlx.Tx, now time.Time, backoff func(int) time.Duration) error {
	var expired []struct {
		RawItemID int64  `db:"raw_item_id"`
		Step      string `db:"step"`
		Token     string `db:"lease_token"`
		Retry     int    `db:"retry_count"`
		ExpiresAt int64  `db:"lease_expires_at"`
	}
	err := tx.SelectContext(ctx, &expired, `
		SELECT raw_item_id, step, lease_token, retry_count, lease_expires_at
		FROM pipeline_steps
		WHERE lease_token IS NOT NULL AND lease_expires_at <= ?`, millis(now))
	if err != nil {
		return fmt.Errorf("finding expired leases: %w", err)
	}

	for _, e := range expired {
		next := fromMillis(e.ExpiresAt)
		if backoff != nil {
			next = next.Add(backoff(e.Retry + 1))
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE pipeline_steps
			SET retry_count = retry_count + 1, last_error = 'lease expired',
			    next_eligible_at = ?, lease_token = NULL, lease_expires_at = NULL
			WHERE raw_item_id = ? AND step = ? AND lease_token = ?`,
			millis(next), e.RawItemID, e.Step, e.Token)
		if err != nil {
			return fmt.Errorf("expiring lease on %d/%s: %w", e.RawItemID, e.Step, err)
		}
	}
	return nil
}

// RenewLease extends an unexpired lease to now+ttl.
func (s *SQLiteStore) RenewLease(ctx context.Context, claim *model.Claim, now time.Time, ttl time.Duration) error {
	expires := now.Add(ttl)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_steps SET lease_expires_at = ?
			WHERE raw_item_id = ? AND step = ? AND lease_token = ? AND lease_expires_at > ?`,
			millis(expires), claim.RawItemID, string(claim.Step), claim.Token, millis(now))
		if err != nil {
			return fmt.Errorf("renewing lease: %w", err)
		}
		return requireRow(res, claim)
	})
	if err != nil {
		return persistErr("renew lease", err)
	}
	claim.LeaseExpiresAt = expires.UTC()
	return nil
}

// CompleteStep marks the claimed step done, stores its output and
// appends warnings, all in one transaction.
func (s *SQLiteStore) CompleteStep(
	ctx context.Context,
	claim *model.Claim,
	now time.Time,
	out *model.StepOutput,
	warnings []model.Warning,
) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_steps
			SET completed_at = ?, lease_token = NULL, lease_expires_at = NULL
			WHERE raw_item_id = ? AND step = ? AND lease_token = ? AND completed_at IS NULL`,
			millis(now), claim.RawItemID, string(claim.Step), claim.Token)
		if err != nil {
			return fmt.Errorf("completing step: %w", err)
		}
		if err := requireRow(res, claim); err != nil {
			return err
		}
		if out != nil {
			if err := s.saveOutput(ctx, tx, claim, out); err != nil {
				return err
			}
		}
		return appendWarnings(ctx, tx, claim.RawItemID, warnings)
	})
	return persistErr("complete step", err)
}

func (s *SQLiteStore) saveOutput(ctx context.Context, tx *sqlx.Tx, claim *model.Claim, out *model.StepOutput) error {
	var (
		query string
		arg   any
	)
	switch claim.Step {
	case model.StepEmbedding:
		query, arg = "UPDATE raw_items SET embedding = ? WHERE id = ?", encodeEmbedding(out.Embedding)
	case model.StepTranslation:
		sealed, err := s.seal(FieldTranslation, []byte(out.Translation))
		if err != nil {
			return fmt.Errorf("encrypting translation: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE raw_items SET language = ? WHERE id = ?", out.Language, claim.RawItemID); err != nil {
			return fmt.Errorf("storing language: %w", err)
		}
		query, arg = "UPDATE raw_items SET translation = ? WHERE id = ?", sealed
	case model.StepClassification:
		if out.Classification == nil {
			return nil
		}
		data, err := json.Marshal(out.Classification)
		if err != nil {
			return fmt.Errorf("marshaling classification: %w", err)
		}
		query, arg = "UPDATE raw_items SET classification = ? WHERE id = ?", string(data)
	case model.StepRules:
		actions := out.RuleActions
		if actions == nil {
			actions = []model.RuleAction{}
		}
		data, err := json.Marshal(actions)
		if err != nil {
			return fmt.Errorf("marshaling rule actions: %w", err)
		}
		query, arg = "UPDATE raw_items SET rule_actions = ? WHERE id = ?", string(data)
	default:
		return nil
	}
	if _, err := tx.ExecContext(ctx, query, arg, claim.RawItemID); err != nil {
		return fmt.Errorf("storing %s output: %w", claim.Step, err)
	}
	return nil
}

// appendWarnings appends entries to the warnings log without rewriting
// existing ones.
func appendWarnings(ctx context.Context, tx *sqlx.Tx, rawItemID int64, warnings []model.Warning) error {
	for _, w := range warnings {
		if w.Schema == "" {
			w.Schema = model.WarningSchemaV1
		}
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("marshaling warning: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE raw_items SET warnings = json_insert(warnings, '$[#]', json(?))
			WHERE id = ?`, string(data), rawItemID)
		if err != nil {
			return fmt.Errorf("appending warning to %d: %w", rawItemID, err)
		}
	}
	return nil
}

// FailStep records a failed attempt and releases the lease. The step
// becomes eligible again at nextEligible.
func (s *SQLiteStore) FailStep(ctx context.Context, claim *model.Claim, now time.Time, msg string, nextEligible time.Time) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pipeline_steps
			SET retry_count = retry_count + 1, last_error = ?, last_attempt_at = ?,
			    next_eligible_at = ?, lease_token = NULL, lease_expires_at = NULL
			WHERE raw_item_id = ? AND step = ? AND lease_token = ? AND completed_at IS NULL`,
			msg, millis(now), millis(nextEligible), claim.RawItemID, string(claim.Step), claim.Token)
		if err != nil {
			return fmt.Errorf("failing step: %w", err)
		}
		return requireRow(res, claim)
	})
	return persistErr("fail step", err)
}

// ResetSteps clears completion and retry history of the named steps of
// one raw item so they are claimable again. Any lease in flight is
// revoked.
func (s *SQLiteStore) ResetSteps(ctx context.Context, rawItemID int64, steps []model.Step) error {
	if len(steps) == 0 {
		steps = model.Steps
	}
	placeholders := make([]string, len(steps))
	args := []any{rawItemID}
	for i, st := range steps {
		if !st.Valid() {
			return fmt.Errorf("resetting: unknown step %q", st)
		}
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists,
			"SELECT COUNT(*) FROM raw_items WHERE id = ?", rawItemID); err != nil {
			return fmt.Errorf("checking raw item %d: %w", rawItemID, err)
		}
		if exists == 0 {
			return fmt.Errorf("raw item %d: %w", rawItemID, model.ErrNotFound)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE pipeline_steps
			SET completed_at = NULL, retry_count = 0, last_error = '',
			    next_eligible_at = NULL, lease_token = NULL, lease_expires_at = NULL
			WHERE raw_item_id = ? AND step IN (`+strings.Join(placeholders, ",")+`)`, args...)
		if err != nil {
			return fmt.Errorf("resetting steps of %d: %w", rawItemID, err)
		}
		return nil
	})
	return persistErr("reset steps", err)
}

// ResetStepAll resets step on every item, or only on the permanently
// failed ones when onlyFailed is set. It returns the number of rows reset.
func (s *SQLiteStore) ResetStepAll(ctx context.Context, step model.Step, onlyFailed bool, maxRetries int) (int64, error) {
	if !step.Valid() {
		return 0, fmt.Errorf("resetting: unknown step %q", step)
	}
	query := `UPDATE pipeline_steps
		SET completed_at = NULL, retry_count = 0, last_error = '',
		    next_eligible_at = NULL, lease_token = NULL, lease_expires_at = NULL
		WHERE step = ?`
	args := []any{string(step)}
	if onlyFailed {
		query += " AND completed_at IS NULL AND retry_count >= ?"
		args = append(args, maxRetries)
	}

	var n int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("resetting %s: %w", step, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, persistErr("reset step", err)
	}
	return n, nil
}

// GetRawItem loads a raw item with its decrypted body, step states and
// warnings.
func (s *SQLiteStore) GetRawItem(ctx context.Context, id int64) (*model.RawItemRecord, error) {
	var row struct {
		ID          int64         `db:"id"`
		Account     string        `db:"account"`
		StableID    string        `db:"stable_identifier"`
		ContentHash string        `db:"content_hash"`
		MessageID   string        `db:"message_id"`
		Body        []byte        `db:"body"`
		CreatedAt   int64         `db:"created_at"`
		RetiredAt   sql.NullInt64 `db:"retired_at"`
		Warnings    string        `db:"warnings"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account, stable_identifier, content_hash, message_id, body,
		       created_at, retired_at, warnings
		FROM raw_items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("raw item %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting raw item %d: %w", id, err)
	}

	body, err := s.open(FieldBody, row.Body)
	if err != nil {
		return nil, fmt.Errorf("decrypting body of %d: %w", id, err)
	}

	rec := &model.RawItemRecord{
		ID:               row.ID,
		Account:          row.Account,
		StableIdentifier: row.StableID,
		ContentHash:      row.ContentHash,
		MessageID:        row.MessageID,
		Body:             body,
		CreatedAt:        fromMillis(row.CreatedAt),
		RetiredAt:        fromNullMillis(row.RetiredAt),
	}
	if err := json.Unmarshal([]byte(row.Warnings), &rec.Warnings); err != nil {
		return nil, fmt.Errorf("unmarshaling warnings of %d: %w", id, err)
	}

	rec.Steps, err = s.stepStates(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) stepStates(ctx context.Context, id int64) (map[model.Step]model.StepState, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT step, completed_at, retry_count, last_error, last_attempt_at,
		       COALESCE(lease_token, ''), lease_expires_at, next_eligible_at
		FROM pipeline_steps WHERE raw_item_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying steps of %d: %w", id, err)
	}
	defer rows.Close()

	states := make(map[model.Step]model.StepState, len(model.Steps))
	for rows.Next() {
		st, err := scanStepState(rows)
		if err != nil {
			return nil, err
		}
		states[st.Step] = st
	}
	return states, rows.Err()
}

func scanStepState(rows *sqlx.Rows) (model.StepState, error) {
	var (
		st          model.StepState
		step        string
		completedAt sql.NullInt64
		lastAttempt sql.NullInt64
		leaseExp    sql.NullInt64
		nextElig    sql.NullInt64
	)
	err := rows.Scan(&step, &completedAt, &st.RetryCount, &st.LastError, &lastAttempt, &st.LeaseToken, &leaseExp, &nextElig)
	if err != nil {
		return model.StepState{}, fmt.Errorf("scanning step row: %w", err)
	}
	st.Step = model.Step(step)
	st.CompletedAt = fromNullMillis(completedAt)
	st.LastAttemptAt = fromNullMillis(lastAttempt)
	st.LeaseExpiresAt = fromNullMillis(leaseExp)
	st.NextEligibleAt = fromNullMillis(nextElig)
	return st, nil
}

// LoadItemContent returns the decrypted body and prior step outputs of a
// raw item together with where it currently lives on the server.
func (s *SQLiteStore) LoadItemContent(ctx context.Context, id int64) (*StoredContent, error) {
	var row struct {
		Account        string         `db:"account"`
		StableID       string         `db:"stable_identifier"`
		Body           []byte         `db:"body"`
		Translation    []byte         `db:"translation"`
		Classification sql.NullString `db:"classification"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT account, stable_identifier, body, translation, classification
		FROM raw_items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("raw item %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading content of %d: %w", id, err)
	}

	c := &StoredContent{RawItemID: id, Account: row.Account, StableID: row.StableID}
	if c.Body, err = s.open(FieldBody, row.Body); err != nil {
		return nil, fmt.Errorf("decrypting body of %d: %w", id, err)
	}
	if c.Translation, err = s.openString(FieldTranslation, row.Translation); err != nil {
		return nil, fmt.Errorf("decrypting translation of %d: %w", id, err)
	}
	if row.Classification.Valid && row.Classification.String != "" {
		var cl model.Classification
		if err := json.Unmarshal([]byte(row.Classification.String), &cl); err != nil {
			return nil, fmt.Errorf("unmarshaling classification of %d: %w", id, err)
		}
		c.Classification = &cl
	}

	var live []struct {
		Folder string `db:"folder"`
		Flags  string `db:"flags"`
	}
	err = s.db.SelectContext(ctx, &live, `
		SELECT folder, flags FROM server_state
		WHERE raw_item_id = ? AND is_deleted = 0 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("loading locations of %d: %w", id, err)
	}
	for _, l := range live {
		c.Folders = append(c.Folders, l.Folder)
		c.Flags = append(c.Flags, splitFlags(l.Flags)...)
	}
	c.Flags = model.NormalizeFlags(c.Flags)
	return c, nil
}

// requireRow maps a zero-row update of a leased step to ErrLeaseLost.
func requireRow(res sql.Result, claim *model.Claim) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s on item %d: %w", claim.Step, claim.RawItemID, model.ErrLeaseLost)
	}
	return nil
}

// encodeEmbedding packs a vector as little-endian float32.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding is the inverse of encodeEmbedding.
func decodeEmbedding(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

// Embedding returns the stored embedding vector of a raw item.
func (s *SQLiteStore) Embedding(ctx context.Context, id int64) ([]float32, error) {
	var blob []byte
	err := s.db.GetContext(ctx, &blob, "SELECT embedding FROM raw_items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("raw item %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading embedding of %d: %w", id, err)
	}
	return decodeEmbedding(blob), nil
}
