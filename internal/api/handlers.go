package api

import (
	"encoding/json"
	"encoding/xml"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medimind/medimind/internal/models"
	"github.com/medimind/medimind/internal/phone"
)

// createMedicationHandler handles POST /medications. Persisting,
// materializing, and job registration all complete before the response
// returns.
func (s *Server) createMedicationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var med models.Medication
	if err := json.NewDecoder(r.Body).Decode(&med); err != nil {
		slog.Warn("Server.createMedicationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if med.ID == "" {
		med.ID = uuid.NewString()
	}
	if err := med.Validate(); err != nil {
		slog.Warn("Server.createMedicationHandler: validation failed", "error", err, "medicationID", med.ID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.store.SaveMedication(r.Context(), med); err != nil {
		slog.Error("Server.createMedicationHandler: failed to save medication", "error", err, "medicationID", med.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save medication"))
		return
	}
	if err := s.sched.AddMedication(r.Context(), med.UserID, med); err != nil {
		slog.Error("Server.createMedicationHandler: failed to schedule medication", "error", err, "medicationID", med.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to schedule reminders"))
		return
	}

	slog.Info("Server.createMedicationHandler: medication created", "medicationID", med.ID, "userID", med.UserID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Medication created", med))
}

// updateMedicationHandler handles PUT /medications/{id}.
func (s *Server) updateMedicationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id := chi.URLParam(r, "id")

	existing, err := s.store.GetMedication(r.Context(), id)
	if err != nil {
		slog.Error("Server.updateMedicationHandler: lookup failed", "error", err, "medicationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load medication"))
		return
	}
	if existing == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Medication not found"))
		return
	}

	var med models.Medication
	if err := json.NewDecoder(r.Body).Decode(&med); err != nil {
		slog.Warn("Server.updateMedicationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	med.ID = id
	if med.UserID == "" {
		med.UserID = existing.UserID
	}
	if err := med.Validate(); err != nil {
		slog.Warn("Server.updateMedicationHandler: validation failed", "error", err, "medicationID", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.store.SaveMedication(r.Context(), med); err != nil {
		slog.Error("Server.updateMedicationHandler: failed to save medication", "error", err, "medicationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save medication"))
		return
	}
	if err := s.sched.UpdateMedication(r.Context(), med.UserID, med); err != nil {
		slog.Error("Server.updateMedicationHandler: failed to reschedule", "error", err, "medicationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reschedule reminders"))
		return
	}

	slog.Info("Server.updateMedicationHandler: medication updated", "medicationID", id, "userID", med.UserID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Medication updated", med))
}

// deleteMedicationHandler handles DELETE /medications/{id}.
func (s *Server) deleteMedicationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existing, err := s.store.GetMedication(r.Context(), id)
	if err != nil {
		slog.Error("Server.deleteMedicationHandler: lookup failed", "error", err, "medicationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load medication"))
		return
	}
	if existing == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Medication not found"))
		return
	}

	if err := s.sched.RemoveMedication(r.Context(), existing.UserID, id); err != nil {
		slog.Error("Server.deleteMedicationHandler: failed to cancel jobs", "error", err, "medicationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel reminders"))
		return
	}
	if err := s.store.DeleteMedication(r.Context(), id); err != nil {
		slog.Error("Server.deleteMedicationHandler: failed to delete medication", "error", err, "medicationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete medication"))
		return
	}

	slog.Info("Server.deleteMedicationHandler: medication deleted", "medicationID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Medication deleted", nil))
}

// createUserHandler handles POST /users. The phone number is normalized
// to canonical E.164 before persisting so inbound reply matching works.
func (s *Server) createUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var user models.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		slog.Warn("Server.createUserHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	canonical, err := phone.Normalize(user.Phone)
	if err != nil {
		slog.Warn("Server.createUserHandler: invalid phone", "error", err, "userID", user.ID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number format"))
		return
	}
	user.Phone = canonical

	if err := s.store.SaveUser(r.Context(), user); err != nil {
		slog.Error("Server.createUserHandler: failed to save user", "error", err, "userID", user.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save user"))
		return
	}
	s.sched.TrackUser(user)

	slog.Info("Server.createUserHandler: user created", "userID", user.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("User created", user))
}

// deleteUserHandler handles DELETE /users/{id}. Every job, pending
// snooze, medication, and unsent occurrence for the user goes with them.
func (s *Server) deleteUserHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.sched.RemoveUser(r.Context(), id)
	if err := s.store.DeleteMedicationsByUser(r.Context(), id); err != nil {
		slog.Error("Server.deleteUserHandler: failed to delete medications", "error", err, "userID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete user data"))
		return
	}
	if _, err := s.store.DeleteOccurrences(r.Context(), models.OccurrenceFilter{UserID: id, Sent: models.BoolPtr(false)}); err != nil {
		slog.Error("Server.deleteUserHandler: failed to delete occurrences", "error", err, "userID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete user data"))
		return
	}
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		slog.Error("Server.deleteUserHandler: failed to delete user", "error", err, "userID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete user"))
		return
	}

	slog.Info("Server.deleteUserHandler: user deleted", "userID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("User deleted", nil))
}

// twimlResponse is the minimal TwiML document for an SMS reply.
type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

// inboundSMSHandler handles POST /sms/inbound, the Twilio webhook.
// Twilio delivers form-encoded From/Body and expects TwiML back; the
// response is always 200 with a reply body, whatever happened inside.
func (s *Server) inboundSMSHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.inboundSMSHandler: failed to parse form", "error", err)
	}
	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	slog.Debug("Server.inboundSMSHandler: inbound message", "from", from, "body_length", len(body))

	reply := s.replies.HandleReply(r.Context(), from, body)

	out, err := xml.Marshal(twimlResponse{Message: reply})
	if err != nil {
		slog.Error("Server.inboundSMSHandler: failed to marshal TwiML", "error", err)
		out = []byte("<Response></Response>")
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		slog.Error("Server.inboundSMSHandler: failed to write response", "error", err)
		return
	}
	if _, err := w.Write(out); err != nil {
		slog.Error("Server.inboundSMSHandler: failed to write response", "error", err)
	}
}

// testReminderRequest is the body of POST /sms/test.
type testReminderRequest struct {
	MedicationID string `json:"medicationId"`
}

// testReminderHandler handles POST /sms/test: an immediate one-off
// reminder send, bypassing the schedule.
func (s *Server) testReminderHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req testReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.testReminderHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.MedicationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: medicationId"))
		return
	}

	outcome, err := s.sched.SendTestReminder(r.Context(), req.MedicationID)
	if err != nil {
		slog.Warn("Server.testReminderHandler: send failed", "error", err, "medicationID", req.MedicationID)
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		return
	}

	slog.Info("Server.testReminderHandler: test reminder dispatched",
		"medicationID", req.MedicationID, "success", outcome.Success, "simulated", outcome.Simulated)
	writeJSONResponse(w, http.StatusOK, models.Success(outcome))
}

// validatePhoneRequest is the body of POST /phone/validate.
type validatePhoneRequest struct {
	Phone string `json:"phone"`
}

// validatePhoneHandler handles POST /phone/validate: normalization as a
// service, no state touched.
func (s *Server) validatePhoneHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req validatePhoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.validatePhoneHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	canonical, err := phone.Normalize(req.Phone)
	if err != nil {
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
			"valid": false,
		}))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"valid":      true,
		"normalized": canonical,
	}))
}

// statusHandler handles GET /status.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.sched.Status()))
}

// jobsHandler handles GET /jobs: the live registry snapshot with
// computed next-fire times.
func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs := s.sched.Jobs()
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	}))
}

// healthHandler handles GET /health for monitoring and load balancing.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"gateway":   s.gateway.Status(),
	})
}
