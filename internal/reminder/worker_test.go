package reminder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/awolthers/clinicsched/internal/storage"
)

type stubStore struct {
	items  []storage.ReminderItem
	cutoff time.Time
	calls  int
}

func (s *stubStore) ClaimDueReminders(_ context.Context, cutoff time.Time, _ int) ([]storage.ReminderItem, error) {
	s.calls++
	s.cutoff = cutoff
	items := s.items
	s.items = nil
	return items, nil
}

type stubNotifier struct {
	sent    []string
	failFor string
}

func (n *stubNotifier) Send(_ context.Context, _, to, _, _ string) error {
	if to == n.failFor {
		return errors.New("smtp unavailable")
	}
	n.sent = append(n.sent, to)
	return nil
}

func TestProcessBatch_SendsToClaimed(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	store := &stubStore{items: []storage.ReminderItem{
		{AppointmentID: "a1", StartTime: start, PatientName: "Ana", PatientEmail: "ana@example.com", StaffName: "Dr. Reyes"},
		{AppointmentID: "a2", StartTime: start, PatientName: "Bo", PatientEmail: "", StaffName: "Dr. Reyes"},
		{AppointmentID: "a3", StartTime: start, PatientName: "Chris", PatientEmail: "chris@example.com", StaffName: "Dr. Reyes"},
	}}
	notifier := &stubNotifier{failFor: "chris@example.com"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	now := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	w := NewWorker(store, notifier, logger, WorkerConfig{
		Lookahead: 24 * time.Hour,
		Now:       func() time.Time { return now },
	})

	if err := w.processBatch(context.Background()); err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	if want := now.Add(24 * time.Hour); !store.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, store.cutoff)
	}
	// One delivered, one skipped for missing email, one failed but not fatal.
	if len(notifier.sent) != 1 || notifier.sent[0] != "ana@example.com" {
		t.Fatalf("unexpected deliveries: %v", notifier.sent)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	store := &stubStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWorker(store, &stubNotifier{}, logger, WorkerConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	if store.calls == 0 {
		t.Fatal("expected at least one poll before cancel")
	}
}
