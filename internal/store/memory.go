package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medimind/medimind/internal/models"
)

// InMemoryStore keeps everything in process memory. Used in tests and
// when no database DSN is configured.
type InMemoryStore struct {
	mu          sync.RWMutex
	users       map[string]models.User
	medications map[string]models.Medication
	occurrences map[models.OccurrenceKey]models.ReminderOccurrence
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:       make(map[string]models.User),
		medications: make(map[string]models.Medication),
		occurrences: make(map[models.OccurrenceKey]models.ReminderOccurrence),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) SaveUser(_ context.Context, u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) FindUserByPhone(_ context.Context, phone string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Phone == phone {
			cp := u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetUsers(_ context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *InMemoryStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

func (s *InMemoryStore) SaveMedication(_ context.Context, m models.Medication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.medications[m.ID] = m
	return nil
}

func (s *InMemoryStore) GetMedication(_ context.Context, id string) (*models.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.medications[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *InMemoryStore) GetActiveMedications(_ context.Context) ([]models.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var meds []models.Medication
	for _, m := range s.medications {
		if m.RemindersEnabled {
			meds = append(meds, m)
		}
	}
	sort.Slice(meds, func(i, j int) bool { return meds[i].ID < meds[j].ID })
	return meds, nil
}

func (s *InMemoryStore) GetMedicationsByUser(_ context.Context, userID string) ([]models.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var meds []models.Medication
	for _, m := range s.medications {
		if m.UserID == userID {
			meds = append(meds, m)
		}
	}
	sort.Slice(meds, func(i, j int) bool { return meds[i].ID < meds[j].ID })
	return meds, nil
}

func (s *InMemoryStore) DeleteMedication(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.medications, id)
	return nil
}

func (s *InMemoryStore) DeleteMedicationsByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.medications {
		if m.UserID == userID {
			delete(s.medications, id)
		}
	}
	return nil
}

func (s *InMemoryStore) UpsertOccurrence(_ context.Context, occ models.ReminderOccurrence) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := occ.OccurrenceKey
	if _, exists := s.occurrences[key]; exists {
		return false, nil
	}
	occ.Sent = false
	occ.SentAt = nil
	occ.Outcome = models.OutcomeUnset
	s.occurrences[key] = occ
	return true, nil
}

func (s *InMemoryStore) matches(occ models.ReminderOccurrence, f models.OccurrenceFilter) bool {
	if f.UserID != "" && occ.UserID != f.UserID {
		return false
	}
	if f.MedicationID != "" && occ.MedicationID != f.MedicationID {
		return false
	}
	if f.Date != "" && occ.Date != f.Date {
		return false
	}
	if f.Sent != nil && occ.Sent != *f.Sent {
		return false
	}
	return true
}

func (s *InMemoryStore) DeleteOccurrences(_ context.Context, f models.OccurrenceFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, occ := range s.occurrences {
		if s.matches(occ, f) {
			delete(s.occurrences, key)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountOccurrences(_ context.Context, f models.OccurrenceFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, occ := range s.occurrences {
		if s.matches(occ, f) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListOccurrences(_ context.Context, f models.OccurrenceFilter) ([]models.ReminderOccurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var occs []models.ReminderOccurrence
	for _, occ := range s.occurrences {
		if s.matches(occ, f) {
			occs = append(occs, occ)
		}
	}
	sort.Slice(occs, func(i, j int) bool {
		if occs[i].Date != occs[j].Date {
			return occs[i].Date < occs[j].Date
		}
		return occs[i].Time < occs[j].Time
	})
	return occs, nil
}

func (s *InMemoryStore) GetOccurrence(_ context.Context, key models.OccurrenceKey) (*models.ReminderOccurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	occ, ok := s.occurrences[key]
	if !ok {
		return nil, nil
	}
	return &occ, nil
}

func (s *InMemoryStore) MarkSent(_ context.Context, key models.OccurrenceKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.occurrences[key]
	if !ok {
		return nil
	}
	occ.Sent = true
	occ.SentAt = &at
	s.occurrences[key] = occ
	return nil
}

func (s *InMemoryStore) MarkOutcome(_ context.Context, key models.OccurrenceKey, outcome models.OutcomeKind) error {
	if !models.IsValidOutcomeKind(outcome) {
		return fmt.Errorf("%w: %q", models.ErrUnknownOutcomeKind, outcome)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.occurrences[key]
	if !ok {
		return nil
	}
	occ.Outcome = outcome
	s.occurrences[key] = occ
	return nil
}

func (s *InMemoryStore) FindLatestSentByUser(_ context.Context, userID string) (*models.ReminderOccurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.ReminderOccurrence
	for _, occ := range s.occurrences {
		if occ.UserID != userID || !occ.Sent || occ.SentAt == nil {
			continue
		}
		if latest == nil || occ.SentAt.After(*latest.SentAt) {
			cp := occ
			latest = &cp
		}
	}
	return latest, nil
}
