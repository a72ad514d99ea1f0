package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// LoadSnapshot reads every server_state record and folder generation of
// account. Envelope columns are not decrypted.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, account string) (*Snapshot, error) {
	snap := &Snapshot{Account: account, Generations: map[string]uint32{}}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, folder, uid, uidvalidity, message_id, content_hash, flags,
		       raw_item_id, is_deleted, moved_to_id, first_seen_at, last_seen_at
		FROM server_state
		WHERE account = ?
		ORDER BY id`, account)
	if err != nil {
		return nil, fmt.Errorf("querying server state for %s: %w", account, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r         model.ServerStateRecord
			flags     string
			rawItemID sql.NullInt64
			deleted   int
			movedTo   sql.NullInt64
			firstSeen int64
			lastSeen  int64
		)
		err := rows.Scan(
			&r.ID, &r.Folder, &r.UID, &r.UIDValidity, &r.MessageID, &r.ContentHash, &flags,
			&rawItemID, &deleted, &movedTo, &firstSeen, &lastSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning server state row: %w", err)
		}
		r.Account = account
		r.Flags = splitFlags(flags)
		r.RawItemID = rawItemID.Int64
		r.IsDeleted = deleted != 0
		r.MovedToID = movedTo.Int64
		r.FirstSeenAt = fromMillis(firstSeen)
		r.LastSeenAt = fromMillis(lastSeen)
		snap.Records = append(snap.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server state rows: %w", err)
	}

	var gens []struct {
		Folder      string `db:"folder"`
		UIDValidity uint32 `db:"uidvalidity"`
	}
	err = s.db.SelectContext(ctx, &gens,
		"SELECT folder, uidvalidity FROM folders WHERE account = ?", account)
	if err != nil {
		return nil, fmt.Errorf("querying folder generations for %s: %w", account, err)
	}
	for _, g := range gens {
		snap.Generations[g.Folder] = g.UIDValidity
	}

	return snap, nil
}

// ApplyPlan commits every action of plan in one transaction and records
// the pass. Any failure rolls the whole plan back and is reported as a
// *model.FatalPersistenceError.
func (s *SQLiteStore) ApplyPlan(ctx context.Context, plan *model.Plan, started, now time.Time) (int64, error) {
	var passID int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for i := range plan.Actions {
			a := &plan.Actions[i]
			var err error
			switch a.Kind {
			case model.ActionFetch:
				err = s.applyFetch(ctx, tx, plan.Account, a, now)
			case model.ActionMove:
				err = s.applyMove(ctx, tx, plan.Account, a, now)
			case model.ActionFlagsChanged:
				err = applyFlags(ctx, tx, a, now)
			case model.ActionDelete:
				err = applyDelete(ctx, tx, a, now)
			default:
				err = fmt.Errorf("unknown action kind %q", a.Kind)
			}
			if err != nil {
				return fmt.Errorf("%s %s/%d: %w", a.Kind, a.Key.Folder, a.Key.UID, err)
			}
		}

		if err := touch(ctx, tx, plan.Touched, now); err != nil {
			return err
		}
		if err := saveGenerations(ctx, tx, plan, now); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_passes (account, started_at, finished_at, fetches, moves, flag_changes, deletes, conflicts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.Account, millis(started), millis(now),
			plan.Count(model.ActionFetch), plan.Count(model.ActionMove),
			plan.Count(model.ActionFlagsChanged), plan.Count(model.ActionDelete),
			plan.Conflicts(),
		)
		if err != nil {
			return fmt.Errorf("recording sync pass: %w", err)
		}
		passID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, persistErr("apply plan", err)
	}
	return passID, nil
}

// insertRecord creates a live server_state row for a remote item.
func (s *SQLiteStore) insertRecord(
	ctx context.Context,
	tx *sqlx.Tx,
	account string,
	key model.Key,
	remote *model.RemoteItem,
	messageID, contentHash string,
	rawItemID int64,
	now time.Time,
) (int64, error) {
	var env model.Envelope
	var flags []string
	if remote != nil {
		env = remote.Envelope
		flags = remote.Flags
	}

	from, err := s.sealString(FieldFrom, env.From)
	if err != nil {
		return 0, fmt.Errorf("encrypting sender: %w", err)
	}
	subject, err := s.sealString(FieldSubject, env.Subject)
	if err != nil {
		return 0, fmt.Errorf("encrypting subject: %w", err)
	}
	var date sql.NullInt64
	if !env.Date.IsZero() {
		date = sql.NullInt64{Int64: millis(env.Date), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO server_state (
			account, folder, uid, uidvalidity,
			message_id, content_hash, env_from, env_subject, env_date,
			flags, raw_item_id, first_seen_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account, key.Folder, key.UID, key.UIDValidity,
		messageID, contentHash, from, subject, date,
		joinFlags(flags), nullInt64(rawItemID), millis(now), millis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting server state: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) applyFetch(ctx context.Context, tx *sqlx.Tx, account string, a *model.Action, now time.Time) error {
	id, err := s.insertRecord(ctx, tx, account, a.Key, a.Remote, a.MessageID, a.ContentHash, 0, now)
	if err != nil {
		return err
	}
	if a.Conflict {
		return recordConflict(ctx, tx, account, a.StableID, id, a.ConflictWith, 0, now)
	}
	return nil
}

// applyMove inserts the destination linked to the source's raw item and
// retires the source with a pointer to its successor.
func (s *SQLiteStore) applyMove(ctx context.Context, tx *sqlx.Tx, account string, a *model.Action, now time.Time) error {
	var src struct {
		RawItemID   sql.NullInt64 `db:"raw_item_id"`
		MessageID   string        `db:"message_id"`
		ContentHash string        `db:"content_hash"`
	}
	err := tx.GetContext(ctx, &src, `
		SELECT raw_item_id, message_id, content_hash
		FROM server_state WHERE id = ? AND account = ? AND is_deleted = 0`,
		a.RecordID, account)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("move source %d: %w", a.RecordID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading move source %d: %w", a.RecordID, err)
	}

	messageID, contentHash := a.MessageID, a.ContentHash
	if messageID == "" {
		messageID = src.MessageID
	}
	if contentHash == "" {
		contentHash = src.ContentHash
	}

	dest, err := s.insertRecord(ctx, tx, account, a.Key, a.Remote, messageID, contentHash, src.RawItemID.Int64, now)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE server_state SET is_deleted = 1, deleted_at = ?, moved_to_id = ?
		WHERE id = ?`, millis(now), dest, a.RecordID)
	if err != nil {
		return fmt.Errorf("retiring move source %d: %w", a.RecordID, err)
	}
	return nil
}

func applyFlags(ctx context.Context, tx *sqlx.Tx, a *model.Action, now time.Time) error {
	var flags []string
	if a.Remote != nil {
		flags = a.Remote.Flags
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE server_state SET flags = ?, last_seen_at = ?
		WHERE id = ? AND is_deleted = 0`,
		joinFlags(flags), millis(now), a.RecordID)
	if err != nil {
		return fmt.Errorf("updating flags of %d: %w", a.RecordID, err)
	}
	return nil
}

// applyDelete tombstones the record and retires its raw item once no live
// record references it.
func applyDelete(ctx context.Context, tx *sqlx.Tx, a *model.Action, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE server_state SET is_deleted = 1, deleted_at = ?
		WHERE id = ? AND is_deleted = 0`, millis(now), a.RecordID)
	if err != nil {
		return fmt.Errorf("deleting %d: %w", a.RecordID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE raw_items SET retired_at = ?
		WHERE id = (SELECT raw_item_id FROM server_state WHERE id = ?)
		  AND retired_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM server_state live
			WHERE live.raw_item_id = raw_items.id AND live.is_deleted = 0)`,
		millis(now), a.RecordID)
	if err != nil {
		return fmt.Errorf("retiring raw item of %d: %w", a.RecordID, err)
	}
	return nil
}

func touch(ctx context.Context, tx *sqlx.Tx, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	stmt, err := tx.PreparexContext(ctx,
		"UPDATE server_state SET last_seen_at = ? WHERE id = ? AND is_deleted = 0")
	if err != nil {
		return fmt.Errorf("preparing touch statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, millis(now), id); err != nil {
			return fmt.Errorf("touching %d: %w", id, err)
		}
	}
	return nil
}

func saveGenerations(ctx context.Context, tx *sqlx.Tx, plan *model.Plan, now time.Time) error {
	complete := make(map[string]bool, len(plan.CompleteFolders))
	for _, f := range plan.CompleteFolders {
		complete[f] = true
	}
	for folder, uidvalidity := range plan.Generations {
		var lastComplete sql.NullInt64
		if complete[folder] {
			lastComplete = sql.NullInt64{Int64: millis(now), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO folders (account, folder, uidvalidity, last_complete_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (account, folder) DO UPDATE SET
				uidvalidity = excluded.uidvalidity,
				last_complete_at = COALESCE(excluded.last_complete_at, folders.last_complete_at),
				updated_at = excluded.updated_at`,
			plan.Account, folder, uidvalidity, lastComplete, millis(now))
		if err != nil {
			return fmt.Errorf("saving generation of %s: %w", folder, err)
		}
	}
	return nil
}

func recordConflict(ctx context.Context, tx *sqlx.Tx, account, stableID string, recordID, otherID, rawItemID int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO identity_conflicts (account, stable_identifier, server_state_id, other_server_state_id, raw_item_id, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		account, stableID, recordID, nullInt64(otherID), nullInt64(rawItemID), millis(now))
	if err != nil {
		return fmt.Errorf("recording identity conflict for %s: %w", stableID, err)
	}
	return nil
}

// PendingFetches returns live records of the current folder generations
// that have no body yet, oldest first.
func (s *SQLiteStore) PendingFetches(ctx context.Context, account string, limit int) ([]model.ServerStateRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT s.id, s.folder, s.uid, s.uidvalidity, s.message_id, s.content_hash,
		       s.env_from, s.env_subject, s.env_date, s.flags, s.first_seen_at, s.last_seen_at
		FROM server_state s
		JOIN folders f ON f.account = s.account AND f.folder = s.folder AND f.uidvalidity = s.uidvalidity
		WHERE s.account = ? AND s.raw_item_id IS NULL AND s.is_deleted = 0
		ORDER BY s.id
		LIMIT ?`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending fetches for %s: %w", account, err)
	}
	defer rows.Close()

	var out []model.ServerStateRecord
	for rows.Next() {
		var (
			r         model.ServerStateRecord
			from      []byte
			subject   []byte
			date      sql.NullInt64
			flags     string
			firstSeen int64
			lastSeen  int64
		)
		err := rows.Scan(
			&r.ID, &r.Folder, &r.UID, &r.UIDValidity, &r.MessageID, &r.ContentHash,
			&from, &subject, &date, &flags, &firstSeen, &lastSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning pending fetch: %w", err)
		}
		r.Account = account
		if r.From, err = s.openString(FieldFrom, from); err != nil {
			return nil, fmt.Errorf("decrypting sender of %d: %w", r.ID, err)
		}
		if r.Subject, err = s.openString(FieldSubject, subject); err != nil {
			return nil, fmt.Errorf("decrypting subject of %d: %w", r.ID, err)
		}
		if date.Valid {
			r.Date = fromMillis(date.Int64)
		}
		r.Flags = splitFlags(flags)
		r.FirstSeenAt = fromMillis(firstSeen)
		r.LastSeenAt = fromMillis(lastSeen)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AttachFetched links a downloaded body to its record. An existing raw
// item with the same identity and no live references is relinked, which
// preserves its pipeline progress for items that reappear after being
// seen as deleted. A raw item still referenced by a live record is never
// shared: the fetch gets its own raw item and an identity conflict.
func (s *SQLiteStore) AttachFetched(ctx context.Context, item FetchedItem, now time.Time) (AttachResult, error) {
	var result AttachResult
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		result = AttachResult{}

		var rec struct {
			Account   string        `db:"account"`
			RawItemID sql.NullInt64 `db:"raw_item_id"`
			MessageID string        `db:"message_id"`
			Hash      string        `db:"content_hash"`
		}
		err := tx.GetContext(ctx, &rec, `
			SELECT account, raw_item_id, message_id, content_hash
			FROM server_state WHERE id = ? AND is_deleted = 0`, item.RecordID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record %d: %w", item.RecordID, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading record %d: %w", item.RecordID, err)
		}
		if rec.RawItemID.Valid {
			result.RawItemID = rec.RawItemID.Int64
			return nil
		}

		// The body may reveal identity the envelope lacked.
		if rec.MessageID == "" && item.MessageID != "" || rec.Hash == "" && item.ContentHash != "" {
			_, err := tx.ExecContext(ctx, `
				UPDATE server_state
				SET message_id = CASE WHEN message_id = '' THEN ? ELSE message_id END,
				    content_hash = CASE WHEN content_hash = '' THEN ? ELSE content_hash END
				WHERE id = ?`, item.MessageID, item.ContentHash, item.RecordID)
			if err != nil {
				return fmt.Errorf("updating identity of %d: %w", item.RecordID, err)
			}
		}

		var candidates []struct {
			ID   int64 `db:"id"`
			Live int   `db:"live"`
		}
		err = tx.SelectContext(ctx, &candidates, `
			SELECT ri.id,
			       (SELECT COUNT(*) FROM server_state live
			        WHERE live.raw_item_id = ri.id AND live.is_deleted = 0) AS live
			FROM raw_items ri
			WHERE ri.account = ? AND ri.stable_identifier = ?
			ORDER BY ri.id DESC`, rec.Account, item.StableID)
		if err != nil {
			return fmt.Errorf("looking up raw items for %s: %w", item.StableID, err)
		}

		var conflictWith int64
		for _, c := range candidates {
			if c.Live == 0 {
				result.RawItemID = c.ID
				result.Reused = true
				break
			}
			if conflictWith == 0 {
				conflictWith = c.ID
			}
		}

		if result.Reused {
			_, err := tx.ExecContext(ctx,
				"UPDATE raw_items SET retired_at = NULL WHERE id = ?", result.RawItemID)
			if err != nil {
				return fmt.Errorf("reviving raw item %d: %w", result.RawItemID, err)
			}
		} else {
			id, err := s.insertRawItem(ctx, tx, rec.Account, item, now)
			if err != nil {
				return err
			}
			result.RawItemID = id
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE server_state SET raw_item_id = ? WHERE id = ?", result.RawItemID, item.RecordID)
		if err != nil {
			return fmt.Errorf("linking record %d: %w", item.RecordID, err)
		}

		if conflictWith != 0 && !result.Reused {
			result.Conflict = true
			var other int64
			err := tx.GetContext(ctx, &other, `
				SELECT id FROM server_state
				WHERE raw_item_id = ? AND is_deleted = 0 ORDER BY id LIMIT 1`, conflictWith)
			if err != nil {
				return fmt.Errorf("reading conflicting record: %w", err)
			}
			if err := recordConflict(ctx, tx, rec.Account, item.StableID, item.RecordID, other, result.RawItemID, now); err != nil {
				return err
			}
			w := model.NewWarning(model.WarnIdentityConflict, "",
				fmt.Sprintf("identity %s is also held by record %d", item.StableID, other), now)
			if err := appendWarnings(ctx, tx, result.RawItemID, []model.Warning{w}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return AttachResult{}, persistErr("attach fetched", err)
	}
	return result, nil
}

// insertRawItem stores a new body and its four pending steps.
func (s *SQLiteStore) insertRawItem(ctx context.Context, tx *sqlx.Tx, account string, item FetchedItem, now time.Time) (int64, error) {
	body, err := s.seal(FieldBody, item.Body)
	if err != nil {
		return 0, fmt.Errorf("encrypting body: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO raw_items (account, stable_identifier, content_hash, message_id, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		account, item.StableID, item.ContentHash, item.MessageID, body, millis(now))
	if err != nil {
		return 0, fmt.Errorf("inserting raw item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, step := range model.Steps {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO pipeline_steps (raw_item_id, step) VALUES (?, ?)", id, string(step))
		if err != nil {
			return 0, fmt.Errorf("creating %s step for %d: %w", step, id, err)
		}
	}
	return id, nil
}

func joinFlags(flags []string) string {
	return strings.Join(model.NormalizeFlags(flags), " ")
}

func splitFlags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
