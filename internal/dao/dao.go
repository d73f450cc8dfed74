package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/verkstad/drip"
)

type DAO interface {
	Enqueue(items []DripItem) (added int, err error)
	ListDue(now time.Time, limit int) ([]DripItem, error)
	MarkSent(enrollmentId, lessonKey string) (claimed bool, err error)
	MarkFailed(enrollmentId, lessonKey, cause string) (claimed bool, err error)
	ListAll() ([]DripItem, error)
	CountPending() (int, error)
	AddLogEntry(enrollmentId, lessonKey, log string) error
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

// Enqueue inserts the items in one transaction, skipping any whose
// (enrollment_id, lesson_key) already exists. Calling it twice for the
// same confirmation is a no-op the second time, which makes a retried
// confirm request safe.
func (s *sqlite) Enqueue(items []DripItem) (added int, err error) {
	q := `
	INSERT OR IGNORE INTO drip_queue
	    (enrollment_id, lesson_key, email, workshop_slug, first_name, subject, preheader, status, send_at)
	VALUES
	    (:enrollment_id, :lesson_key, :email, :workshop_slug, :first_name, :subject, :preheader, :status, :send_at)
	`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return 0, fmt.Errorf("failed to get transaction, %w", err)
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	var stmt *sqlx.NamedStmt
	stmt, err = tx.PrepareNamed(q)
	if err != nil {
		err = fmt.Errorf("failed to prepare statement, %w", err)
		return
	}
	defer stmt.Close()

	for _, item := range items {
		var res sql.Result
		res, err = stmt.Exec(map[string]interface{}{
			"enrollment_id": item.EnrollmentID,
			"lesson_key":    item.LessonKey,
			"email":         item.Email,
			"workshop_slug": item.Workshop,
			"first_name":    item.FirstName,
			"subject":       item.Subject,
			"preheader":     item.Preheader,
			"status":        string(drip.StatusPending),
			"send_at":       item.SendAt.In(time.UTC),
		})
		if err != nil {
			err = fmt.Errorf("failed to insert into drip_queue, %w", err)
			return
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			continue // already enqueued
		}
		added++
		err = s.addLogEntryTx(tx, item.EnrollmentID, item.LessonKey,
			fmt.Sprintf("enqueued, scheduled for %s", item.SendAt.In(time.UTC).Format(time.RFC3339)))
		if err != nil {
			return
		}
	}
	return
}

// ListDue returns pending items with send_at <= now, oldest first. The
// limit bounds one processor pass, the next pass drains the remainder.
func (s *sqlite) ListDue(now time.Time, limit int) (items []DripItem, err error) {
	q := `
	    SELECT *
		FROM drip_queue
		WHERE send_at <= ?
		  AND status = 'pending'
		ORDER BY send_at
		LIMIT ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	err = db.Select(&items, q, now.In(time.UTC), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due items, %w", err)
	}
	return items, nil
}

// MarkSent transitions pending -> sent if the item still is pending.
// claimed reports whether this call performed the transition, false means
// a concurrent run got there first.
func (s *sqlite) MarkSent(enrollmentId, lessonKey string) (bool, error) {
	return s.transition(enrollmentId, lessonKey, string(drip.StatusSent), "")
}

// MarkFailed transitions pending -> failed and records the cause. Failed
// items are terminal, they are not picked up by later passes.
func (s *sqlite) MarkFailed(enrollmentId, lessonKey, cause string) (bool, error) {
	return s.transition(enrollmentId, lessonKey, string(drip.StatusFailed), cause)
}

func (s *sqlite) transition(enrollmentId, lessonKey, to, cause string) (claimed bool, err error) {
	q := `
		UPDATE drip_queue
		SET status     = ?,
		    attempts   = attempts + 1,
		    last_error = ?,
		    updated_at = ?
		WHERE enrollment_id = ?
	      AND lesson_key = ?
	      AND status = 'pending'
	`
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return false, err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	var res sql.Result
	res, err = tx.Exec(q, to, cause, time.Now().In(time.UTC), enrollmentId, lessonKey)
	if err != nil {
		return false, err
	}

	var affected int64
	affected, err = res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected != 1 {
		// lost the race, or the item does not exist. Either way this call
		// transitioned nothing.
		return false, nil
	}

	entry := fmt.Sprintf("marked as %s", to)
	if cause != "" {
		entry = fmt.Sprintf("%s, %s", entry, cause)
	}
	err = s.addLogEntryTx(tx, enrollmentId, lessonKey, entry)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlite) ListAll() (items []DripItem, err error) {
	q := `SELECT * FROM drip_queue ORDER BY send_at, enrollment_id, lesson_key`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	err = db.Select(&items, q)
	return items, err
}

func (s *sqlite) CountPending() (int, error) {
	q := `SELECT count(*) FROM drip_queue WHERE status = 'pending'`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var count int
	err = db.Get(&count, q)
	return count, err
}

func (s *sqlite) AddLogEntry(enrollmentId, lessonKey, log string) error {
	tx, err := s.getTX()
	if err != nil {
		return err
	}
	err = s.addLogEntryTx(tx, enrollmentId, lessonKey, log)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlite) addLogEntryTx(tx *sqlx.Tx, enrollmentId, lessonKey, log string) error {
	q := `
	INSERT INTO drip_log (enrollment_id, lesson_key, created_at, log)
	VALUES (?, ?, ?, ?)
	`
	_, err := tx.Exec(q, enrollmentId, lessonKey, time.Now().In(time.UTC), log)
	if err != nil {
		return fmt.Errorf("failed to insert log entry, %w", err)
	}
	return nil
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS drip_queue (
	    enrollment_id TEXT NOT NULL,
	    lesson_key    TEXT NOT NULL,

	    email         TEXT NOT NULL,
	    workshop_slug TEXT NOT NULL,
	    first_name    TEXT NOT NULL DEFAULT '',
	    subject       TEXT NOT NULL,
	    preheader     TEXT NOT NULL DEFAULT '',

	    status     TEXT NOT NULL DEFAULT 'pending', -- pending, sent, failed
	    send_at    DATETIME NOT NULL,
	    attempts   INT NOT NULL DEFAULT 0,
	    last_error TEXT NOT NULL DEFAULT '',

		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),

	    PRIMARY KEY (enrollment_id, lesson_key)
	);

	CREATE INDEX IF NOT EXISTS idx_drip_queue_due ON drip_queue(send_at) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS drip_log (
	    enrollment_id TEXT NOT NULL,
	    lesson_key    TEXT NOT NULL,
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    log TEXT NOT NULL
	);
`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}

	return err
}
