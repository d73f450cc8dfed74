package dao

import (
	"path/filepath"
	"testing"
	"time"
)

func setup(t *testing.T) DAO {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "drip.sqlite"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	return db
}

func items(sendAt time.Time) []DripItem {
	return []DripItem{
		{
			EnrollmentID: "enr-1",
			LessonKey:    "lesson-0",
			Email:        "a@example.com",
			Workshop:     "terminal-basics",
			Subject:      "Welcome",
			SendAt:       sendAt,
		},
		{
			EnrollmentID: "enr-1",
			LessonKey:    "lesson-2",
			Email:        "a@example.com",
			Workshop:     "terminal-basics",
			Subject:      "Day two",
			SendAt:       sendAt.AddDate(0, 0, 2),
		},
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	db := setup(t)
	sendAt := time.Now().In(time.UTC).Truncate(time.Second)

	added, err := db.Enqueue(items(sendAt))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 added, got %d", added)
	}

	added, err = db.Enqueue(items(sendAt))
	if err != nil {
		t.Fatalf("second Enqueue failed: %v", err)
	}
	if added != 0 {
		t.Fatalf("expected second enqueue to add nothing, got %d", added)
	}

	all, err := db.ListAll()
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected queue length 2 after double enqueue, got %d", len(all))
	}
}

func TestListDue_OnlyPastPending(t *testing.T) {
	db := setup(t)
	now := time.Now().In(time.UTC)

	_, err := db.Enqueue([]DripItem{
		{EnrollmentID: "enr-1", LessonKey: "past", Email: "a@example.com", Workshop: "w", Subject: "s", SendAt: now.Add(-time.Hour)},
		{EnrollmentID: "enr-1", LessonKey: "future", Email: "a@example.com", Workshop: "w", Subject: "s", SendAt: now.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	due, err := db.ListDue(now, 100)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 1 || due[0].LessonKey != "past" {
		t.Fatalf("expected only the past item to be due, got %+v", due)
	}

	count, err := db.CountPending()
	if err != nil {
		t.Fatalf("CountPending failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 pending, got %d", count)
	}
}

func TestListDue_OrderAndLimit(t *testing.T) {
	db := setup(t)
	now := time.Now().In(time.UTC)

	_, err := db.Enqueue([]DripItem{
		{EnrollmentID: "enr-1", LessonKey: "b", Email: "a@example.com", Workshop: "w", Subject: "s", SendAt: now.Add(-1 * time.Hour)},
		{EnrollmentID: "enr-1", LessonKey: "a", Email: "a@example.com", Workshop: "w", Subject: "s", SendAt: now.Add(-3 * time.Hour)},
		{EnrollmentID: "enr-1", LessonKey: "c", Email: "a@example.com", Workshop: "w", Subject: "s", SendAt: now.Add(-2 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	due, err := db.ListDue(now, 2)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected limit to cap the due set at 2, got %d", len(due))
	}
	if due[0].LessonKey != "a" || due[1].LessonKey != "c" {
		t.Fatalf("expected oldest first, got %s, %s", due[0].LessonKey, due[1].LessonKey)
	}
}

func TestMarkSent_ClaimsOnce(t *testing.T) {
	db := setup(t)
	now := time.Now().In(time.UTC)

	_, err := db.Enqueue(items(now.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, err := db.MarkSent("enr-1", "lesson-0")
	if err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	if !claimed {
		t.Fatalf("expected first MarkSent to claim the transition")
	}

	claimed, err = db.MarkSent("enr-1", "lesson-0")
	if err != nil {
		t.Fatalf("second MarkSent failed: %v", err)
	}
	if claimed {
		t.Fatalf("expected second MarkSent to be a no-op")
	}

	// sent items are terminal, a failed transition cannot follow
	claimed, err = db.MarkFailed("enr-1", "lesson-0", "late failure")
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if claimed {
		t.Fatalf("expected MarkFailed on sent item to be a no-op")
	}
}

func TestMarkFailed_RecordsCauseAndAttempts(t *testing.T) {
	db := setup(t)
	now := time.Now().In(time.UTC)

	_, err := db.Enqueue(items(now.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, err := db.MarkFailed("enr-1", "lesson-0", "provider said no")
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if !claimed {
		t.Fatalf("expected MarkFailed to claim the transition")
	}

	all, err := db.ListAll()
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	for _, item := range all {
		if item.LessonKey != "lesson-0" {
			continue
		}
		if item.Status != "failed" {
			t.Errorf("expected status failed, got %s", item.Status)
		}
		if item.Attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", item.Attempts)
		}
		if item.LastError != "provider said no" {
			t.Errorf("expected cause to be recorded, got %q", item.LastError)
		}
	}

	// a failed item is no longer due
	due, err := db.ListDue(now, 100)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	for _, item := range due {
		if item.LessonKey == "lesson-0" {
			t.Errorf("failed item should not show up as due")
		}
	}
}

func TestMarkSent_UnknownItem(t *testing.T) {
	db := setup(t)

	claimed, err := db.MarkSent("nope", "nope")
	if err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	if claimed {
		t.Fatalf("expected MarkSent on unknown item to claim nothing")
	}
}
