package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/verkstad/drip"
	"github.com/verkstad/drip/internal/dao"
	"github.com/verkstad/drip/internal/workshop"
)

const catalogJSON = `{
  "terminal-basics": {
    "name": "Terminal Basics",
    "lessons": [
      {"key": "lesson-0", "offset_days": 0, "subject": "Welcome", "html": "<p>Hi {{.FirstName}}</p>"},
      {"key": "lesson-2", "offset_days": 2, "subject": "Day two", "html": "<p>Part two</p>"}
    ]
  }
}`

// memDB mimics the sqlite store with the same conditional transition
// semantics, guarded by a mutex so overlapping passes can race on it.
type memDB struct {
	mu    sync.Mutex
	items map[string]*dao.DripItem

	listDueErr error
}

func newMemDB() *memDB {
	return &memDB{items: map[string]*dao.DripItem{}}
}

func (m *memDB) add(item dao.DripItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.Status = string(drip.StatusPending)
	m.items[item.EnrollmentID+"/"+item.LessonKey] = &item
}

func (m *memDB) Enqueue(items []dao.DripItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var added int
	for _, item := range items {
		key := item.EnrollmentID + "/" + item.LessonKey
		if _, ok := m.items[key]; ok {
			continue
		}
		item.Status = string(drip.StatusPending)
		m.items[key] = &item
		added++
	}
	return added, nil
}

func (m *memDB) ListDue(now time.Time, limit int) ([]dao.DripItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listDueErr != nil {
		return nil, m.listDueErr
	}
	var due []dao.DripItem
	for _, item := range m.items {
		if item.Status == string(drip.StatusPending) && !item.SendAt.After(now) {
			due = append(due, *item)
		}
	}
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memDB) transition(enrollmentId, lessonKey, to, cause string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[enrollmentId+"/"+lessonKey]
	if !ok || item.Status != string(drip.StatusPending) {
		return false, nil
	}
	item.Status = to
	item.Attempts++
	item.LastError = cause
	return true, nil
}

func (m *memDB) MarkSent(enrollmentId, lessonKey string) (bool, error) {
	return m.transition(enrollmentId, lessonKey, string(drip.StatusSent), "")
}

func (m *memDB) MarkFailed(enrollmentId, lessonKey, cause string) (bool, error) {
	return m.transition(enrollmentId, lessonKey, string(drip.StatusFailed), cause)
}

func (m *memDB) ListAll() ([]dao.DripItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []dao.DripItem
	for _, item := range m.items {
		all = append(all, *item)
	}
	return all, nil
}

func (m *memDB) CountPending() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int
	for _, item := range m.items {
		if item.Status == string(drip.StatusPending) {
			count++
		}
	}
	return count, nil
}

func (m *memDB) AddLogEntry(enrollmentId, lessonKey, log string) error { return nil }

type slowProvider struct {
	mu      sync.Mutex
	delay   time.Duration
	sendErr error
	sends   int
}

func (p *slowProvider) CreateContact(ctx context.Context, audienceId, email, firstName string) error {
	return nil
}

func (p *slowProvider) SendEmail(ctx context.Context, from, to, subject, html string) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sends++
	return nil
}

func pendingItem(lessonKey string, sendAt time.Time) dao.DripItem {
	return dao.DripItem{
		EnrollmentID: "enr-1",
		LessonKey:    lessonKey,
		Email:        "a@example.com",
		Workshop:     "terminal-basics",
		FirstName:    "Ada",
		Subject:      "Welcome",
		SendAt:       sendAt,
	}
}

func setup(t *testing.T, db dao.DAO, prov *slowProvider) *Processor {
	t.Helper()
	catalog, err := workshop.Parse([]byte(catalogJSON))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return New(Config{
		FromAddress:     "news@example.com",
		BatchLimit:      100,
		DispatchTimeout: time.Second,
	}, nil, db, prov, catalog)
}

func TestProcess_SendsDueItems(t *testing.T) {
	db := newMemDB()
	now := time.Now().In(time.UTC)
	db.add(pendingItem("lesson-0", now.Add(-time.Minute)))
	db.add(pendingItem("lesson-2", now.Add(time.Hour)))

	prov := &slowProvider{}
	p := setup(t, db, prov)

	summary, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	want := drip.Summary{Sent: 1, Failed: 0, Remaining: 1}
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}
	if prov.sends != 1 {
		t.Errorf("expected 1 send, got %d", prov.sends)
	}
}

func TestProcess_EmptyQueue(t *testing.T) {
	p := setup(t, newMemDB(), &slowProvider{})

	summary, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if summary != (drip.Summary{}) {
		t.Errorf("expected zero summary, got %+v", summary)
	}
}

func TestProcess_DispatchFailureIsTerminal(t *testing.T) {
	db := newMemDB()
	now := time.Now().In(time.UTC)
	db.add(pendingItem("lesson-0", now.Add(-time.Minute)))

	prov := &slowProvider{sendErr: errors.New("rejected")}
	p := setup(t, db, prov)

	summary, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if summary.Failed != 1 || summary.Sent != 0 {
		t.Errorf("expected 1 failed, got %+v", summary)
	}

	all, _ := db.ListAll()
	if all[0].LastError != "rejected" {
		t.Errorf("expected cause on item, got %q", all[0].LastError)
	}

	// single-attempt policy, the failed item is not picked up again
	prov.sendErr = nil
	summary, err = p.Process(context.Background())
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if summary.Sent != 0 || summary.Failed != 0 {
		t.Errorf("expected failed item to stay terminal, got %+v", summary)
	}
}

func TestProcess_UnknownLessonFails(t *testing.T) {
	db := newMemDB()
	now := time.Now().In(time.UTC)
	item := pendingItem("lesson-0", now.Add(-time.Minute))
	item.Workshop = "gone-from-catalog"
	db.add(item)

	p := setup(t, db, &slowProvider{})

	summary, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected render failure to fail the item, got %+v", summary)
	}
}

func TestProcess_TimeoutFailsItem(t *testing.T) {
	db := newMemDB()
	now := time.Now().In(time.UTC)
	db.add(pendingItem("lesson-0", now.Add(-time.Minute)))

	prov := &slowProvider{delay: 200 * time.Millisecond}
	catalog, err := workshop.Parse([]byte(catalogJSON))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	p := New(Config{
		FromAddress:     "news@example.com",
		DispatchTimeout: 10 * time.Millisecond,
	}, nil, db, prov, catalog)

	summary, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected timed out dispatch to fail the item, got %+v", summary)
	}
}

func TestProcess_InfrastructureErrorFailsCall(t *testing.T) {
	db := newMemDB()
	db.listDueErr = errors.New("db unreachable")

	p := setup(t, db, &slowProvider{})
	_, err := p.Process(context.Background())
	if err == nil {
		t.Fatalf("expected store error to fail the call")
	}
}

func TestProcess_ConcurrentRunsClaimOnce(t *testing.T) {
	// two overlapping passes race on one due item. Both may attempt the
	// send, exactly one claims the transition.
	for i := 0; i < 20; i++ {
		db := newMemDB()
		now := time.Now().In(time.UTC)
		db.add(pendingItem("lesson-0", now.Add(-time.Minute)))

		prov := &slowProvider{delay: 5 * time.Millisecond}
		p := setup(t, db, prov)

		var wg sync.WaitGroup
		summaries := make([]drip.Summary, 2)
		for n := 0; n < 2; n++ {
			wg.Add(1)
			n := n
			go func() {
				defer wg.Done()
				s, err := p.Process(context.Background())
				if err != nil {
					t.Errorf("Process failed: %v", err)
				}
				summaries[n] = s
			}()
		}
		wg.Wait()

		total := summaries[0].Sent + summaries[1].Sent
		if total != 1 {
			t.Fatalf("expected exactly one claimed sent transition across both runs, got %d", total)
		}
	}
}

func TestSnapshot_DerivesDueAndDelay(t *testing.T) {
	db := newMemDB()
	now := time.Now().In(time.UTC)
	db.add(pendingItem("lesson-0", now.Add(-time.Minute)))
	db.add(pendingItem("lesson-2", now.Add(time.Hour)))

	p := setup(t, db, &slowProvider{})

	items, err := p.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	for _, item := range items {
		switch item.LessonKey {
		case "lesson-0":
			if !item.Due {
				t.Errorf("expected past pending item to be due")
			}
		case "lesson-2":
			if item.Due {
				t.Errorf("expected future item to not be due")
			}
			if item.Delay == "" {
				t.Errorf("expected a delay on the future item")
			}
		}
	}

	// snapshot must not mutate anything
	count, _ := db.CountPending()
	if count != 2 {
		t.Errorf("expected snapshot to leave the queue untouched, got %d pending", count)
	}
}
