package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/awolthers/clinicsched/internal/booking"
	"github.com/awolthers/clinicsched/internal/calendar"
	"github.com/awolthers/clinicsched/internal/model"
	"github.com/awolthers/clinicsched/internal/storage"
)

type memStore struct {
	mu     sync.Mutex
	nextID int
	appts  map[string]*model.Appointment
	links  map[string]model.CalendarEventLink
}

func newMemStore() *memStore {
	return &memStore{appts: map[string]*model.Appointment{}, links: map[string]model.CalendarEventLink{}}
}

func (s *memStore) Create(_ context.Context, appt *model.Appointment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.appts {
		if existing.Status != model.StatusCancelled && existing.StaffID == appt.StaffID && existing.StartTime.Equal(appt.StartTime) {
			return "", storage.ErrConflict
		}
	}
	s.nextID++
	id := fmt.Sprintf("appt-%d", s.nextID)
	cp := *appt
	cp.ID = id
	cp.CreatedAt = time.Now()
	s.appts[id] = &cp
	return id, nil
}

func (s *memStore) Get(_ context.Context, id string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appts[id]
	if !ok {
		return model.Appointment{}, storage.ErrNotFound
	}
	return *appt, nil
}

func (s *memStore) Cancel(_ context.Context, id string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appts[id]
	if !ok {
		return time.Time{}, storage.ErrNotFound
	}
	if appt.Status == model.StatusCancelled {
		return *appt.CancelledAt, nil
	}
	now := time.Now()
	appt.Status = model.StatusCancelled
	appt.CancelledAt = &now
	return now, nil
}

func (s *memStore) Complete(_ context.Context, id, staffNote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appts[id]
	if !ok {
		return storage.ErrNotFound
	}
	if appt.Status != model.StatusBooked {
		return storage.ErrConflict
	}
	appt.Status = model.StatusCompleted
	if staffNote != "" {
		appt.StaffNote = staffNote
	}
	return nil
}

func (s *memStore) ListBookedStartTimes(_ context.Context, staffID string, day time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var starts []time.Time
	for _, appt := range s.appts {
		if appt.StaffID == staffID && appt.Status != model.StatusCancelled &&
			appt.StartTime.Year() == day.Year() && appt.StartTime.YearDay() == day.YearDay() {
			starts = append(starts, appt.StartTime)
		}
	}
	return starts, nil
}

func (s *memStore) ListByStaff(_ context.Context, staffID string, _ int) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Appointment
	for _, appt := range s.appts {
		if appt.StaffID == staffID {
			out = append(out, *appt)
		}
	}
	return out, nil
}

func (s *memStore) ListByPatient(_ context.Context, patientID string, _ int) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Appointment
	for _, appt := range s.appts {
		if appt.PatientID == patientID {
			out = append(out, *appt)
		}
	}
	return out, nil
}

func (s *memStore) InsertCalendarLink(_ context.Context, link model.CalendarEventLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link.ID == "" {
		link.ID = fmt.Sprintf("link-%d", len(s.links)+1)
	}
	s.links[link.ID] = link
	return nil
}

func (s *memStore) ListCalendarLinks(_ context.Context, appointmentID string) ([]model.CalendarEventLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CalendarEventLink
	for _, l := range s.links {
		if l.AppointmentID == appointmentID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) DeleteCalendarLink(_ context.Context, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, linkID)
	return nil
}

type memDirectory struct{}

func (memDirectory) PatientByID(_ context.Context, id string) (model.Patient, error) {
	if id != "pat-1" {
		return model.Patient{}, storage.ErrNotFound
	}
	return model.Patient{ID: "pat-1", UserID: "user-pat-1", Name: "Ana Silva", Email: "ana@example.com"}, nil
}

func (memDirectory) PatientByUserID(_ context.Context, userID string) (model.Patient, error) {
	if userID != "user-pat-1" {
		return model.Patient{}, storage.ErrNotFound
	}
	return model.Patient{ID: "pat-1", UserID: "user-pat-1", Name: "Ana Silva", Email: "ana@example.com"}, nil
}

func (memDirectory) StaffByID(_ context.Context, id string) (model.Staff, error) {
	if id != "staff-1" {
		return model.Staff{}, storage.ErrNotFound
	}
	return model.Staff{ID: "staff-1", UserID: "user-staff-1", Name: "Dr. Reyes", Email: "reyes@example.com"}, nil
}

type noopNotifier struct{}

func (noopNotifier) Send(context.Context, string, string, string, string) error { return nil }

func newTestHandler(t *testing.T) (*BookingHandler, *memStore) {
	t.Helper()
	store := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := booking.NewService(store, memDirectory{}, calendar.Disabled{}, noopNotifier{}, logger, booking.Config{
		Now: func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	return NewBookingHandler(svc, logger), store
}

func postJSON(t *testing.T, h http.HandlerFunc, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestCreate_Success(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSON(t, h.Create, `{"patient_id":"pat-1","staff_id":"staff-1","date":"2025-06-02","start_time":"14:00"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp createBookingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AppointmentID == "" {
		t.Fatal("expected appointment id in response")
	}
	if resp.EndTime != "2025-06-02T15:00:00Z" {
		t.Fatalf("unexpected end time: %s", resp.EndTime)
	}
	if len(resp.Sync) != 2 {
		t.Fatalf("expected 2 sync outcomes, got %d", len(resp.Sync))
	}
}

func TestCreate_SelfServiceViaHeader(t *testing.T) {
	h, store := newTestHandler(t)

	rec := postJSON(t, h.Create,
		`{"staff_id":"staff-1","date":"2025-06-02","start_time":"10:00"}`,
		map[string]string{"X-User-Id": "user-pat-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, appt := range store.appts {
		if appt.PatientID != "pat-1" {
			t.Fatalf("expected actor resolved to pat-1, got %s", appt.PatientID)
		}
	}
}

func TestCreate_ConflictReturns409(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"patient_id":"pat-1","staff_id":"staff-1","date":"2025-06-02","start_time":"14:00"}`

	if rec := postJSON(t, h.Create, body, nil); rec.Code != http.StatusCreated {
		t.Fatalf("first booking: %d", rec.Code)
	}
	if rec := postJSON(t, h.Create, body, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestCreate_BadTimeReturns400(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSON(t, h.Create, `{"patient_id":"pat-1","staff_id":"staff-1","date":"2025-06-02","start_time":"25:00"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreate_ClosedDayReturns422(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSON(t, h.Create, `{"patient_id":"pat-1","staff_id":"staff-1","date":"2025-06-08","start_time":"10:00"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestCreate_UnknownStaffReturns404(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSON(t, h.Create, `{"patient_id":"pat-1","staff_id":"staff-x","date":"2025-06-02","start_time":"14:00"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreate_SanitizesNote(t *testing.T) {
	h, store := newTestHandler(t)

	rec := postJSON(t, h.Create,
		`{"patient_id":"pat-1","staff_id":"staff-1","date":"2025-06-02","start_time":"14:00","note":"  <b>knee pain</b> "}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	for _, appt := range store.appts {
		if appt.PatientNote != "&lt;b&gt;knee pain&lt;/b&gt;" {
			t.Fatalf("unexpected stored note: %q", appt.PatientNote)
		}
	}
}

func TestCreate_TruncatesLongNoteOnRuneBoundary(t *testing.T) {
	h, store := newTestHandler(t)

	// 499 bytes of ASCII followed by a two-byte rune puts the 500-byte cap
	// in the middle of the rune.
	note := strings.Repeat("a", 499) + "é"
	body := fmt.Sprintf(`{"patient_id":"pat-1","staff_id":"staff-1","date":"2025-06-02","start_time":"14:00","note":%q}`, note)
	rec := postJSON(t, h.Create, body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, appt := range store.appts {
		if !utf8.ValidString(appt.PatientNote) {
			t.Fatalf("stored note is not valid UTF-8: %q", appt.PatientNote[len(appt.PatientNote)-5:])
		}
		if appt.PatientNote != strings.Repeat("a", 499) {
			t.Fatalf("expected note capped before the split rune, got %d bytes", len(appt.PatientNote))
		}
	}
}

func TestCancel_ThenGetShowsCancelled(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSON(t, h.Create, `{"patient_id":"pat-1","staff_id":"staff-1","date":"2025-06-02","start_time":"14:00"}`, nil)
	var created createBookingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = postJSON(t, h.Cancel, `{"appointment_id":"`+created.AppointmentID+`"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/?id="+created.AppointmentID, nil)
	getRec := httptest.NewRecorder()
	h.Get(getRec, req)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", getRec.Code)
	}
	var item appointmentItem
	if err := json.Unmarshal(getRec.Body.Bytes(), &item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if item.Status != "cancelled" || item.CancelledAt == "" {
		t.Fatalf("expected cancelled appointment, got %+v", item)
	}
}

func TestComplete_TransitionsStatus(t *testing.T) {
	h, store := newTestHandler(t)

	rec := postJSON(t, h.Create, `{"patient_id":"pat-1","staff_id":"staff-1","date":"2025-06-02","start_time":"14:00"}`, nil)
	var created createBookingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = postJSON(t, h.Complete, `{"appointment_id":"`+created.AppointmentID+`","staff_note":"all good"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.appts[created.AppointmentID].Status != model.StatusCompleted {
		t.Fatal("appointment not marked completed")
	}

	// Completing twice conflicts.
	rec = postJSON(t, h.Complete, `{"appointment_id":"`+created.AppointmentID+`"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on repeat complete, got %d", rec.Code)
	}
}

func TestCancel_UnknownReturns404(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postJSON(t, h.Cancel, `{"appointment_id":"missing"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSlots_ReturnsFreeIntervals(t *testing.T) {
	h, _ := newTestHandler(t)

	if rec := postJSON(t, h.Create, `{"patient_id":"pat-1","staff_id":"staff-1","date":"2025-06-02","start_time":"14:00"}`, nil); rec.Code != http.StatusCreated {
		t.Fatalf("seed booking: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/?staff_id=staff-1&date=2025-06-02", nil)
	rec := httptest.NewRecorder()
	h.Slots(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []slotItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 9 {
		t.Fatalf("expected 9 free slots, got %d", len(items))
	}
	for _, item := range items {
		if item.StartTime == "2025-06-02T14:00:00Z" {
			t.Fatal("booked slot still offered")
		}
	}
}

func TestSlots_MissingParamsReturns400(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/?staff_id=staff-1", nil)
	rec := httptest.NewRecorder()
	h.Slots(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestList_ByPatient(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, start := range []string{"09:00", "10:00"} {
		body := `{"patient_id":"pat-1","staff_id":"staff-1","date":"2025-06-02","start_time":"` + start + `"}`
		if rec := postJSON(t, h.Create, body, nil); rec.Code != http.StatusCreated {
			t.Fatalf("seed booking at %s: %d", start, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/?patient_id=pat-1", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []appointmentItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 appointments, got %d", len(items))
	}
}

func TestList_NoFilterReturns400(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
