// Package api exposes the tracker over JSON HTTP.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/p-n-ai/pai-tracker/internal/realtime"
	"github.com/p-n-ai/pai-tracker/internal/report"
	"github.com/p-n-ai/pai-tracker/internal/tracker"
)

const (
	maxBodyBytes = 1 << 20
	dateLayout   = "2006-01-02"
	xlsxType     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Handler serves the /v1 routes.
type Handler struct {
	svc      *tracker.Service
	hub      *realtime.Hub
	validate *bodyValidator
	mux      *http.ServeMux
}

// New builds the handler. A nil hub disables GET /v1/events.
func New(svc *tracker.Service, hub *realtime.Hub) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("api: service is required")
	}
	h := &Handler{svc: svc, hub: hub, validate: newBodyValidator(), mux: http.NewServeMux()}
	h.routes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	handle := func(pattern string, fn http.HandlerFunc) {
		h.mux.HandleFunc(pattern, withUser(fn))
	}

	handle("GET /v1/catalog", h.getCatalog)

	handle("GET /v1/enrollments", h.listEnrollments)
	handle("POST /v1/enrollments", h.enroll)
	handle("POST /v1/enrollments/{course}/pause", h.pause)
	handle("POST /v1/enrollments/{course}/resume", h.resume)
	handle("POST /v1/enrollments/{course}/clear", h.clearLevel)
	handle("DELETE /v1/enrollments/{course}", h.removeEnrollment)
	handle("GET /v1/enrollments/{course}/history", h.history)

	const level = "/v1/courses/{course}/levels/{level}"
	handle("GET "+level+"/subjects", h.listSubjects)
	handle("POST "+level+"/subjects", h.addSubject)
	handle("PUT "+level+"/subjects/order", h.reorderSubjects)
	handle("POST "+level+"/subjects/reset", h.resetSubjects)
	handle("PATCH "+level+"/subjects/{subject}", h.updateSubject)
	handle("DELETE "+level+"/subjects/{subject}", h.deleteSubject)

	handle("GET "+level+"/subjects/{subject}/topics", h.listTopics)
	handle("POST "+level+"/subjects/{subject}/topics", h.addTopic)
	handle("PATCH "+level+"/subjects/{subject}/topics", h.renameTopic)
	handle("DELETE "+level+"/subjects/{subject}/topics", h.deleteTopic)
	handle("PUT "+level+"/subjects/{subject}/topics/order", h.reorderTopics)

	handle("GET "+level+"/sessions", h.listSessions)
	handle("POST "+level+"/sessions", h.logStudy)
	handle("GET "+level+"/progress", h.progress)

	handle("GET /v1/report.xlsx", h.report)
	handle("GET /v1/events", h.events)
}

type enrollBody struct {
	CourseID   string `json:"course_id" validate:"required"`
	LevelKey   string `json:"level_key" validate:"required"`
	Slot       int    `json:"slot" validate:"omitempty,min=1,max=2"`
	CustomName string `json:"custom_name" validate:"max=80"`
}

type clearBody struct {
	LevelKey  string `json:"level_key" validate:"required"`
	NextLevel string `json:"next_level"`
	Notes     string `json:"notes" validate:"max=2000"`
}

type subjectBody struct {
	Key         string  `json:"subject_key" validate:"omitempty,max=16"`
	Label       string  `json:"label" validate:"notblank,max=80"`
	TargetHours float64 `json:"target_hours" validate:"gte=0,lte=10000"`
	Color       string  `json:"color" validate:"omitempty,hexcolor"`
}

type subjectPatchBody struct {
	Label       *string  `json:"label" validate:"omitempty,notblank,max=80"`
	TargetHours *float64 `json:"target_hours" validate:"omitempty,gte=0,lte=10000"`
	Color       *string  `json:"color" validate:"omitempty,hexcolor"`
}

type orderBody struct {
	Order []string `json:"order" validate:"required,min=1,dive,required"`
}

type topicBody struct {
	Topic string `json:"topic" validate:"notblank,max=200"`
}

type renameTopicBody struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"notblank,max=200"`
}

type sessionBody struct {
	SubjectKey string  `json:"subject_key" validate:"required"`
	Hours      float64 `json:"hours" validate:"gt=0,lte=24"`
	StudiedOn  string  `json:"studied_on" validate:"omitempty,datetime=2006-01-02"`
	Note       string  `json:"note" validate:"max=500"`
}

// decode reads a JSON body into dst and validates it, writing a 400 on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		msg := "invalid request body"
		if !errors.Is(err, io.EOF) {
			msg = fmt.Sprintf("invalid request body: %v", err)
		}
		writeJSON(w, http.StatusBadRequest, envelope{Message: msg})
		return false
	}
	if msg, fields, ok := h.validate.check(dst); !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Message: msg, Data: fields})
		return false
	}
	return true
}

func levelRef(r *http.Request) tracker.LevelRef {
	return tracker.LevelRef{
		UserID:   userFrom(r),
		CourseID: r.PathValue("course"),
		LevelKey: r.PathValue("level"),
	}
}

func (h *Handler) getCatalog(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, http.StatusOK, "", h.svc.Catalog())
}

func (h *Handler) listEnrollments(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListEnrollments(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "", list)
}

func (h *Handler) enroll(w http.ResponseWriter, r *http.Request) {
	var body enrollBody
	if !h.decode(w, r, &body) {
		return
	}
	e, err := h.svc.Enroll(r.Context(), userFrom(r), tracker.EnrollRequest{
		CourseID:   body.CourseID,
		LevelKey:   body.LevelKey,
		Slot:       body.Slot,
		CustomName: body.CustomName,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, "Enrolled", e)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Pause(r.Context(), userFrom(r), r.PathValue("course"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Paused", e)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Resume(r.Context(), userFrom(r), r.PathValue("course"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Resumed", e)
}

func (h *Handler) clearLevel(w http.ResponseWriter, r *http.Request) {
	var body clearBody
	if !h.decode(w, r, &body) {
		return
	}
	e, err := h.svc.ClearLevel(r.Context(), userFrom(r), tracker.ClearLevelRequest{
		CourseID:  r.PathValue("course"),
		LevelKey:  body.LevelKey,
		NextLevel: body.NextLevel,
		Notes:     body.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := "Level cleared"
	if e.Status == tracker.StatusCompleted {
		msg = "Course completed"
	}
	writeOK(w, http.StatusOK, msg, e)
}

func (h *Handler) removeEnrollment(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Remove(r.Context(), userFrom(r), r.PathValue("course")); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Removed", nil)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.History(r.Context(), userFrom(r), r.PathValue("course"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "", list)
}

func (h *Handler) listSubjects(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.FetchSubjects(r.Context(), levelRef(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "", list)
}

func (h *Handler) addSubject(w http.ResponseWriter, r *http.Request) {
	var body subjectBody
	if !h.decode(w, r, &body) {
		return
	}
	sub, err := h.svc.AddSubject(r.Context(), levelRef(r), tracker.NewSubject{
		Key:         body.Key,
		Label:       body.Label,
		TargetHours: body.TargetHours,
		Color:       body.Color,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, "Subject added", sub)
}

func (h *Handler) updateSubject(w http.ResponseWriter, r *http.Request) {
	var body subjectPatchBody
	if !h.decode(w, r, &body) {
		return
	}
	sub, err := h.svc.UpdateSubject(r.Context(), levelRef(r), r.PathValue("subject"), tracker.SubjectPatch{
		Label:       body.Label,
		TargetHours: body.TargetHours,
		Color:       body.Color,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Subject updated", sub)
}

func (h *Handler) deleteSubject(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSubject(r.Context(), levelRef(r), r.PathValue("subject")); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Subject deleted", nil)
}

func (h *Handler) reorderSubjects(w http.ResponseWriter, r *http.Request) {
	var body orderBody
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.svc.ReorderSubjects(r.Context(), levelRef(r), body.Order); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Subjects reordered", nil)
}

func (h *Handler) resetSubjects(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ResetSubjects(r.Context(), levelRef(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Subjects reset", list)
}

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.FetchTopics(r.Context(), levelRef(r), r.PathValue("subject"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "", list)
}

func (h *Handler) addTopic(w http.ResponseWriter, r *http.Request) {
	var body topicBody
	if !h.decode(w, r, &body) {
		return
	}
	t, err := h.svc.AddTopic(r.Context(), levelRef(r), r.PathValue("subject"), body.Topic)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, "Topic added", t)
}

func (h *Handler) renameTopic(w http.ResponseWriter, r *http.Request) {
	var body renameTopicBody
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.svc.RenameTopic(r.Context(), levelRef(r), r.PathValue("subject"), body.From, body.To); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Topic renamed", nil)
}

func (h *Handler) deleteTopic(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "invalid input: text query parameter is required"})
		return
	}
	if err := h.svc.DeleteTopic(r.Context(), levelRef(r), r.PathValue("subject"), text); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Topic deleted", nil)
}

func (h *Handler) reorderTopics(w http.ResponseWriter, r *http.Request) {
	var body orderBody
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.svc.ReorderTopics(r.Context(), levelRef(r), r.PathValue("subject"), body.Order); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Topics reordered", nil)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, envelope{Message: "invalid input: limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	list, err := h.svc.RecentSessions(r.Context(), levelRef(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "", list)
}

func (h *Handler) logStudy(w http.ResponseWriter, r *http.Request) {
	var body sessionBody
	if !h.decode(w, r, &body) {
		return
	}
	ref := levelRef(r)
	entry := tracker.StudyEntry{
		CourseID:   ref.CourseID,
		LevelKey:   ref.LevelKey,
		SubjectKey: body.SubjectKey,
		Hours:      body.Hours,
		Note:       body.Note,
	}
	if body.StudiedOn != "" {
		// Format already checked by the datetime validator.
		entry.StudiedOn, _ = time.Parse(dateLayout, body.StudiedOn)
	}
	sess, err := h.svc.LogStudy(r.Context(), ref.UserID, entry)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, "Study logged", sess)
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Progress(r.Context(), levelRef(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "", p)
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := report.Write(r.Context(), &buf, h.svc, userFrom(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxType)
	w.Header().Set("Content-Disposition", `attachment; filename="tracker-report.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeJSON(w, http.StatusNotFound, envelope{Message: "live events are disabled"})
		return
	}
	h.hub.Serve(w, r, userFrom(r))
}
