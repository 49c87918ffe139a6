package handlers

import (
	"encoding/json"
	"errors"
	"html"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/awolthers/clinicsched/internal/booking"
	"github.com/awolthers/clinicsched/internal/model"
)

const maxNoteLength = 500

type BookingHandler struct {
	svc    *booking.Service
	logger *slog.Logger
}

func NewBookingHandler(svc *booking.Service, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{svc: svc, logger: logger}
}

type createBookingRequest struct {
	PatientID string `json:"patient_id"`
	StaffID   string `json:"staff_id"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	Note      string `json:"note"`
}

type syncOutcomeItem struct {
	Role            string `json:"role"`
	CalendarEventID string `json:"calendar_event_id,omitempty"`
	CalendarLink    string `json:"calendar_link,omitempty"`
	CalendarError   string `json:"calendar_error,omitempty"`
	Notified        bool   `json:"notified"`
}

type createBookingResponse struct {
	AppointmentID string            `json:"appointment_id"`
	StartTime     string            `json:"start_time"`
	EndTime       string            `json:"end_time"`
	Paid          bool              `json:"paid"`
	Sync          []syncOutcomeItem `json:"sync"`
}

type cancelBookingRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type appointmentItem struct {
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	StaffID       string `json:"staff_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Status        string `json:"status"`
	Paid          bool   `json:"paid"`
	Note          string `json:"note,omitempty"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Create books an appointment. The acting user comes from the X-User-Id
// header set by the edge; when patient_id is omitted the actor books for
// themselves.
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	req.PatientID = strings.TrimSpace(req.PatientID)
	req.StaffID = strings.TrimSpace(req.StaffID)
	req.Date = strings.TrimSpace(req.Date)
	req.StartTime = strings.TrimSpace(req.StartTime)

	actorUserID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if req.StaffID == "" || req.Date == "" || req.StartTime == "" {
		http.Error(w, "staff_id, date and start_time are required", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" && actorUserID == "" {
		http.Error(w, "patient_id or X-User-Id required", http.StatusBadRequest)
		return
	}

	res, err := h.svc.Book(r.Context(), booking.Request{
		ActorUserID: actorUserID,
		PatientID:   req.PatientID,
		StaffID:     req.StaffID,
		Date:        req.Date,
		StartTime:   req.StartTime,
		PatientNote: sanitizeNote(req.Note),
	})
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	resp := createBookingResponse{
		AppointmentID: res.AppointmentID,
		StartTime:     res.StartTime.UTC().Format(time.RFC3339),
		EndTime:       res.EndTime.UTC().Format(time.RFC3339),
		Paid:          res.Paid,
		Sync:          make([]syncOutcomeItem, 0, len(res.Sync)),
	}
	for _, out := range res.Sync {
		resp.Sync = append(resp.Sync, syncOutcomeItem{
			Role:            out.Role,
			CalendarEventID: out.CalendarEventID,
			CalendarLink:    out.CalendarLink,
			CalendarError:   out.CalendarError,
			Notified:        out.Notified,
		})
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}

	if err := h.svc.Unbook(r.Context(), req.AppointmentID); err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"appointment_id": req.AppointmentID,
		"status":         "cancelled",
	})
}

type completeBookingRequest struct {
	AppointmentID string `json:"appointment_id"`
	StaffNote     string `json:"staff_note"`
}

func (h *BookingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req completeBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}

	if err := h.svc.Complete(r.Context(), req.AppointmentID, sanitizeNote(req.StaffNote)); err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"appointment_id": req.AppointmentID,
		"status":         "completed",
	})
}

func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	staffID := strings.TrimSpace(r.URL.Query().Get("staff_id"))
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if staffID == "" || date == "" {
		http.Error(w, "staff_id and date are required", http.StatusBadRequest)
		return
	}

	slots, err := h.svc.Slots(r.Context(), staffID, date)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			StartTime: s.Start.UTC().Format(time.RFC3339),
			EndTime:   s.End.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	staffID := strings.TrimSpace(r.URL.Query().Get("staff_id"))
	patientID := strings.TrimSpace(r.URL.Query().Get("patient_id"))

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	appts, err := h.svc.Appointments(r.Context(), staffID, patientID, limit)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	items := make([]appointmentItem, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toAppointmentItem(appt))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	appt, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentItem(appt))
}

func (h *BookingHandler) writeBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrInvalidTime):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, booking.ErrClinicClosed):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, booking.ErrPatientNotFound),
		errors.Is(err, booking.ErrStaffNotFound),
		errors.Is(err, booking.ErrAppointmentNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, booking.ErrSlotTaken),
		errors.Is(err, booking.ErrNotBooked):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("booking request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// sanitizeNote trims, caps and escapes a free-text patient note so it is
// safe to echo back in any surface. The cap lands on a rune boundary so a
// truncated note stays valid UTF-8.
func sanitizeNote(note string) string {
	note = strings.TrimSpace(note)
	if len(note) > maxNoteLength {
		cut := maxNoteLength
		for cut > 0 && !utf8.RuneStart(note[cut]) {
			cut--
		}
		note = note[:cut]
	}
	return html.EscapeString(note)
}

func toAppointmentItem(appt model.Appointment) appointmentItem {
	item := appointmentItem{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		StaffID:       appt.StaffID,
		StartTime:     appt.StartTime.UTC().Format(time.RFC3339),
		EndTime:       appt.EndTime.UTC().Format(time.RFC3339),
		Status:        string(appt.Status),
		Paid:          appt.Paid,
		Note:          appt.PatientNote,
		CreatedAt:     appt.CreatedAt.UTC().Format(time.RFC3339),
	}
	if appt.CancelledAt != nil {
		item.CancelledAt = appt.CancelledAt.UTC().Format(time.RFC3339)
	}
	return item
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
