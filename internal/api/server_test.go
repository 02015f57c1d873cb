package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/medimind/medimind/internal/messaging"
	"github.com/medimind/medimind/internal/models"
	"github.com/medimind/medimind/internal/occurrence"
	"github.com/medimind/medimind/internal/scheduler"
	"github.com/medimind/medimind/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	gateway := messaging.NewSMSGateway(nil, "") // simulation mode
	mat := occurrence.NewMaterializer(st, occurrence.WithZone(time.UTC), occurrence.WithHorizonDays(7))
	sched := scheduler.NewScheduler(st, gateway, mat, scheduler.WithZone(time.UTC))
	t.Cleanup(sched.Shutdown)
	replies := messaging.NewReplyProcessor(st, st, sched, time.UTC)
	return NewServer(st, sched, replies, gateway), st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response envelope: %v", err)
	}
	return resp
}

func seedUser(t *testing.T, st *store.InMemoryStore) models.User {
	t.Helper()
	user := models.User{ID: "u1", FirstName: "Asha", LastName: "Patel", Phone: "+919876543210"}
	if err := st.SaveUser(context.Background(), user); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	return user
}

func TestCreateMedicationRegistersJobsSynchronously(t *testing.T) {
	server, st := newTestServer(t)
	router := server.Router()
	seedUser(t, st)

	med := models.Medication{
		UserID:           "u1",
		Name:             "Metformin",
		Dosage:           "500mg",
		Times:            []string{"08:00", "20:00"},
		RemindersEnabled: true,
	}
	rec := doJSON(t, router, http.MethodPost, "/medications", med)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	// The registry reflects the change before the response returned.
	jobs := server.sched.Jobs()
	if len(jobs) != 2 {
		t.Errorf("jobs after create = %d, want 2", len(jobs))
	}

	resp := decodeEnvelope(t, rec)
	if resp.Status != "ok" {
		t.Errorf("envelope status = %q, want ok", resp.Status)
	}
}

func TestCreateMedicationRejectsInvalid(t *testing.T) {
	server, st := newTestServer(t)
	router := server.Router()
	seedUser(t, st)

	med := models.Medication{
		UserID:           "u1",
		Name:             "Metformin",
		Times:            []string{}, // enabled but no times
		RemindersEnabled: true,
	}
	rec := doJSON(t, router, http.MethodPost, "/medications", med)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if n := len(server.sched.Jobs()); n != 0 {
		t.Errorf("jobs after rejected create = %d, want 0", n)
	}
}

func TestUpdateMedicationReplacesJobs(t *testing.T) {
	server, st := newTestServer(t)
	router := server.Router()
	seedUser(t, st)

	med := models.Medication{
		ID: "m1", UserID: "u1", Name: "Metformin",
		Times: []string{"08:00", "20:00"}, RemindersEnabled: true,
	}
	if rec := doJSON(t, router, http.MethodPost, "/medications", med); rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", rec.Code, rec.Body.String())
	}

	med.Times = []string{"09:30"}
	rec := doJSON(t, router, http.MethodPut, "/medications/m1", med)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if n := len(server.sched.Jobs()); n != 1 {
		t.Errorf("jobs after update = %d, want 1", n)
	}
}

func TestUpdateMedicationNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()

	med := models.Medication{UserID: "u1", Name: "X", Times: []string{"08:00"}, RemindersEnabled: true}
	rec := doJSON(t, router, http.MethodPut, "/medications/nope", med)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteMedicationCancelsJobs(t *testing.T) {
	server, st := newTestServer(t)
	router := server.Router()
	seedUser(t, st)

	med := models.Medication{
		ID: "m1", UserID: "u1", Name: "Metformin",
		Times: []string{"08:00"}, RemindersEnabled: true,
	}
	if rec := doJSON(t, router, http.MethodPost, "/medications", med); rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", rec.Code)
	}

	rec := doJSON(t, router, http.MethodDelete, "/medications/m1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", rec.Code)
	}
	if n := len(server.sched.Jobs()); n != 0 {
		t.Errorf("jobs after delete = %d, want 0", n)
	}
	stored, _ := st.GetMedication(context.Background(), "m1")
	if stored != nil {
		t.Error("medication row should be gone after delete")
	}
}

func TestCreateUserNormalizesPhone(t *testing.T) {
	server, st := newTestServer(t)
	router := server.Router()

	user := models.User{FirstName: "Rahul", Phone: "(415) 555-2671"}
	rec := doJSON(t, router, http.MethodPost, "/users", user)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	users, _ := st.GetUsers(context.Background())
	if len(users) != 1 {
		t.Fatalf("stored users = %d, want 1", len(users))
	}
	if users[0].Phone != "+14155552671" {
		t.Errorf("stored phone = %q, want +14155552671", users[0].Phone)
	}
	if users[0].ID == "" {
		t.Error("user should have an allocated ID")
	}
}

func TestCreateUserRejectsBadPhone(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()

	rec := doJSON(t, router, http.MethodPost, "/users", models.User{FirstName: "X", Phone: "12"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteUserRemovesEverything(t *testing.T) {
	server, st := newTestServer(t)
	router := server.Router()
	seedUser(t, st)

	med := models.Medication{
		ID: "m1", UserID: "u1", Name: "Metformin",
		Times: []string{"08:00"}, RemindersEnabled: true,
	}
	if rec := doJSON(t, router, http.MethodPost, "/medications", med); rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", rec.Code)
	}

	rec := doJSON(t, router, http.MethodDelete, "/users/u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete user status = %d, want 200", rec.Code)
	}

	ctx := context.Background()
	if u, _ := st.GetUserByID(ctx, "u1"); u != nil {
		t.Error("user row should be gone")
	}
	if meds, _ := st.GetMedicationsByUser(ctx, "u1"); len(meds) != 0 {
		t.Error("medication rows should be gone")
	}
	if n := len(server.sched.Jobs()); n != 0 {
		t.Errorf("jobs after user delete = %d, want 0", n)
	}
}

func TestInboundSMSRepliesWithTwiML(t *testing.T) {
	server, st := newTestServer(t)
	router := server.Router()
	user := seedUser(t, st)

	// A sent occurrence for TAKEN to land on.
	occ := models.ReminderOccurrence{
		OccurrenceKey:  models.OccurrenceKey{UserID: user.ID, MedicationID: "m1", Date: "2026-09-01", Time: "08:00"},
		MedicationName: "Metformin",
	}
	if _, err := st.UpsertOccurrence(context.Background(), occ); err != nil {
		t.Fatalf("UpsertOccurrence failed: %v", err)
	}
	if err := st.MarkSent(context.Background(), occ.OccurrenceKey, time.Now()); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}

	form := url.Values{"From": {user.Phone}, "Body": {"taken"}}
	req := httptest.NewRequest(http.MethodPost, "/sms/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("content type = %q, want application/xml", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Response>") || !strings.Contains(body, "<Message>") {
		t.Errorf("response is not TwiML: %s", body)
	}
	if !strings.Contains(body, "recorded that you took") {
		t.Errorf("TAKEN acknowledgement missing: %s", body)
	}

	stored, _ := st.GetOccurrence(context.Background(), occ.OccurrenceKey)
	if stored.Outcome != models.OutcomeAcknowledged {
		t.Errorf("outcome = %q, want acknowledged", stored.Outcome)
	}
}

func TestInboundSMSUnknownSenderStill200(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()

	form := url.Values{"From": {"+14155550000"}, "Body": {"TAKEN"}}
	req := httptest.NewRequest(http.MethodPost, "/sms/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even for unknown sender", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "could not identify") {
		t.Errorf("unknown-sender reply missing: %s", rec.Body.String())
	}
}

func TestTestReminderEndpoint(t *testing.T) {
	server, st := newTestServer(t)
	router := server.Router()
	seedUser(t, st)
	med := models.Medication{
		ID: "m1", UserID: "u1", Name: "Metformin",
		Times: []string{"08:00"}, RemindersEnabled: true,
	}
	if err := st.SaveMedication(context.Background(), med); err != nil {
		t.Fatalf("SaveMedication failed: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/sms/test", map[string]string{"medicationId": "m1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result is not an object: %+v", resp.Result)
	}
	if result["success"] != true || result["simulated"] != true {
		t.Errorf("outcome = %+v, want simulated success", result)
	}

	rec = doJSON(t, router, http.MethodPost, "/sms/test", map[string]string{"medicationId": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status for unknown medication = %d, want 404", rec.Code)
	}
}

func TestValidatePhoneEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()

	rec := doJSON(t, router, http.MethodPost, "/phone/validate", map[string]string{"phone": "98765 43210"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	result := resp.Result.(map[string]interface{})
	if result["valid"] != true || result["normalized"] != "+919876543210" {
		t.Errorf("result = %+v, want valid +919876543210", result)
	}

	rec = doJSON(t, router, http.MethodPost, "/phone/validate", map[string]string{"phone": "12"})
	resp = decodeEnvelope(t, rec)
	result = resp.Result.(map[string]interface{})
	if result["valid"] != false {
		t.Errorf("result = %+v, want invalid", result)
	}
}

func TestStatusAndJobsEndpoints(t *testing.T) {
	server, st := newTestServer(t)
	router := server.Router()
	seedUser(t, st)
	med := models.Medication{
		ID: "m1", UserID: "u1", Name: "Metformin",
		Times: []string{"08:00"}, RemindersEnabled: true,
	}
	if rec := doJSON(t, router, http.MethodPost, "/medications", med); rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", rec.Code)
	}

	rec := doJSON(t, router, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	result := resp.Result.(map[string]interface{})
	if result["jobs"].(float64) != 1 {
		t.Errorf("status jobs = %v, want 1", result["jobs"])
	}
	gateway := result["gateway"].(map[string]interface{})
	if gateway["simulated"] != true {
		t.Errorf("gateway = %+v, want simulated", gateway)
	}

	rec = doJSON(t, router, http.MethodGet, "/jobs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("jobs endpoint = %d, want 200", rec.Code)
	}
	resp = decodeEnvelope(t, rec)
	jobs := resp.Result.(map[string]interface{})
	if jobs["count"].(float64) != 1 {
		t.Errorf("jobs count = %v, want 1", jobs["count"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router()

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("health = %+v, want healthy", body)
	}
}
