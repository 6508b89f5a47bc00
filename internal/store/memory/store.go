// Package memory is an in-process implementation of store.Store. Every
// transaction holds one store-wide mutex, so it is linearizable but does not
// scale past a single instance; use it for local runs and tests.
//
// Transactions and savepoints snapshot the whole state on entry, so a sweep
// costs O(rows × state size).
package memory

import (
	"context"
	"encoding/json"
	"maps"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
)

type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
	// txSeq and eventSeq only grow, rollbacks included.
	txSeq    int64
	eventSeq int64
}

type state struct {
	facilities   map[string]models.Facility
	patients     map[string]models.Patient
	appointments map[string]models.Appointment
	queue        map[string]models.QueueEntry
	referrals    map[string]models.Referral
	counters     map[string]int
	events       []store.OutboxEvent
	offsets      map[string]store.OutboxCursor
}

func New() *Store {
	return &Store{
		state: &state{
			facilities:   make(map[string]models.Facility),
			patients:     make(map[string]models.Patient),
			appointments: make(map[string]models.Appointment),
			queue:        make(map[string]models.QueueEntry),
			referrals:    make(map[string]models.Referral),
			counters:     make(map[string]int),
			offsets:      make(map[string]store.OutboxCursor),
		},
		now: time.Now,
	}
}

// Seed is the on-disk shape accepted by LoadSeedFile.
type Seed struct {
	Facilities []models.Facility `json:"facilities"`
	Patients   []models.Patient  `json:"patients"`
}

func (s *Store) LoadSeedFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return err
	}
	s.PutFacilities(seed.Facilities...)
	s.PutPatients(seed.Patients...)
	return nil
}

func (s *Store) PutFacilities(facilities ...models.Facility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range facilities {
		s.state.facilities[f.FacilityID] = f
	}
}

func (s *Store) PutPatients(patients ...models.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range patients {
		s.state.patients[p.PatientID] = p
	}
}

// PutReferral stores a referral as-is, bypassing issue-time checks.
func (s *Store) PutReferral(ref models.Referral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.referrals[ref.ReferralID] = ref
}

func (s *Store) ListAppointments() []models.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Appointment, 0, len(s.state.appointments))
	for _, a := range s.state.appointments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	backup := s.state.clone()
	s.txSeq++
	if err := fn(&tx{s: s, id: s.txSeq}); err != nil {
		s.state = backup
		return err
	}
	return nil
}

func (s *Store) GetFacility(_ context.Context, facilityID string) (models.Facility, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.facility(facilityID)
}

func (s *Store) ListFacilities(context.Context) ([]models.Facility, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Facility, 0, len(s.state.facilities))
	for _, f := range s.state.facilities {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type.Rank() != out[j].Type.Rank() {
			return out[i].Type.Rank() < out[j].Type.Rank()
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) GetPatient(_ context.Context, patientID string) (models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.patient(patientID)
}

func (s *Store) GetAppointment(_ context.Context, appointmentID string) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.appointment(appointmentID)
}

func (s *Store) GetQueueEntry(_ context.Context, queueID string) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.queue[queueID]
	if !ok {
		return models.QueueEntry{}, store.ErrQueueEntryNotFound
	}
	return e, nil
}

func (s *Store) GetReferral(_ context.Context, referralID string) (models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.referral(referralID)
}

func (s *Store) ListActiveReferrals(_ context.Context, patientID string) ([]models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.activeReferrals(patientID), nil
}

func (s *Store) ListQueueEntries(_ context.Context, facilityID string, date time.Time) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := models.DateOf(date)
	var out []models.QueueEntry
	for _, e := range s.state.queue {
		if e.FacilityID != facilityID || !e.ScheduledDate.Equal(day) {
			continue
		}
		if appt, ok := s.state.appointments[e.AppointmentID]; ok && appt.Status == models.AppointmentCancelled {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueNumber < out[j].QueueNumber })
	return out, nil
}

// ListOutboxEvents can list every stored event: transactions commit whole
// under the store mutex, in cursor order.
func (s *Store) ListOutboxEvents(_ context.Context, after store.OutboxCursor, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.OutboxEvent
	for _, ev := range s.state.events {
		if !after.Less(ev.Cursor()) {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LatestOutboxCursor(context.Context) (store.OutboxCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.state.events) == 0 {
		return store.OutboxCursor{}, nil
	}
	return s.state.events[len(s.state.events)-1].Cursor(), nil
}

func (s *Store) GetRelayOffset(_ context.Context, name string) (store.OutboxCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.offsets[name], nil
}

func (s *Store) UpdateRelayOffset(_ context.Context, name string, offset store.OutboxCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.offsets[name] = offset
	return nil
}

type tx struct {
	s  *Store
	id int64
}

func (t *tx) st() *state { return t.s.state }

func (t *tx) GetFacility(_ context.Context, facilityID string) (models.Facility, error) {
	return t.st().facility(facilityID)
}

func (t *tx) GetPatient(_ context.Context, patientID string) (models.Patient, error) {
	return t.st().patient(patientID)
}

func (t *tx) LockReferral(_ context.Context, referralID string) (models.Referral, error) {
	return t.st().referral(referralID)
}

func (t *tx) LockActiveReferrals(_ context.Context, patientID string) ([]models.Referral, error) {
	return t.st().activeReferrals(patientID), nil
}

func (t *tx) InsertReferral(_ context.Context, ref models.Referral) error {
	t.st().referrals[ref.ReferralID] = ref
	return nil
}

func (t *tx) UpdateReferral(_ context.Context, ref models.Referral) error {
	if _, ok := t.st().referrals[ref.ReferralID]; !ok {
		return store.ErrReferralNotFound
	}
	t.st().referrals[ref.ReferralID] = ref
	return nil
}

func (t *tx) HasFacilityBooking(_ context.Context, patientID, facilityID string, date time.Time) (bool, error) {
	return t.st().hasBooking(patientID, facilityID, date), nil
}

func (t *tx) LockSlot(_ context.Context, facilityID string, date time.Time, slot models.TimeSlot) (int, error) {
	day := models.DateOf(date)
	count := 0
	for _, a := range t.st().appointments {
		if a.FacilityID == facilityID && a.ScheduledDate.Equal(day) && a.ScheduledTime == slot && a.Status != models.AppointmentCancelled {
			count++
		}
	}
	return count, nil
}

func (t *tx) InsertAppointment(_ context.Context, appt models.Appointment) error {
	if t.st().hasBooking(appt.PatientID, appt.FacilityID, appt.ScheduledDate) {
		return store.ErrDuplicateBooking
	}
	appt.ScheduledDate = models.DateOf(appt.ScheduledDate)
	t.st().appointments[appt.AppointmentID] = appt
	return nil
}

func (t *tx) LockAppointment(_ context.Context, appointmentID string) (models.Appointment, error) {
	return t.st().appointment(appointmentID)
}

func (t *tx) UpdateAppointment(_ context.Context, appt models.Appointment) error {
	if _, ok := t.st().appointments[appt.AppointmentID]; !ok {
		return store.ErrAppointmentNotFound
	}
	t.st().appointments[appt.AppointmentID] = appt
	return nil
}

func (t *tx) NextQueueNumber(_ context.Context, facilityID string, date time.Time) (int, error) {
	key := facilityID + "|" + models.FormatDate(date)
	t.st().counters[key]++
	return t.st().counters[key], nil
}

func (t *tx) InsertQueueEntry(_ context.Context, entry models.QueueEntry) error {
	entry.ScheduledDate = models.DateOf(entry.ScheduledDate)
	for _, e := range t.st().queue {
		if e.FacilityID == entry.FacilityID && e.ScheduledDate.Equal(entry.ScheduledDate) && e.QueueNumber == entry.QueueNumber {
			return store.ErrDuplicateQueueNumber
		}
	}
	t.st().queue[entry.QueueID] = entry
	return nil
}

func (t *tx) LockQueueEntry(_ context.Context, queueID string) (models.QueueEntry, error) {
	e, ok := t.st().queue[queueID]
	if !ok {
		return models.QueueEntry{}, store.ErrQueueEntryNotFound
	}
	return e, nil
}

func (t *tx) LockQueueEntryByAppointment(_ context.Context, appointmentID string) (models.QueueEntry, bool, error) {
	for _, e := range t.st().queue {
		if e.AppointmentID == appointmentID {
			return e, true, nil
		}
	}
	return models.QueueEntry{}, false, nil
}

func (t *tx) UpdateQueueEntry(_ context.Context, entry models.QueueEntry) error {
	if _, ok := t.st().queue[entry.QueueID]; !ok {
		return store.ErrQueueEntryNotFound
	}
	t.st().queue[entry.QueueID] = entry
	return nil
}

func (t *tx) LockDueAppointments(_ context.Context, cutoff time.Time, exclude []string, limit int) ([]models.Appointment, error) {
	var out []models.Appointment
	for _, a := range t.st().appointments {
		if slices.Contains(exclude, a.AppointmentID) {
			continue
		}
		if a.Status == models.AppointmentConfirmed && !a.SlotStart().After(cutoff) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SlotStart().Equal(out[j].SlotStart()) {
			return out[i].SlotStart().Before(out[j].SlotStart())
		}
		return out[i].AppointmentID < out[j].AppointmentID
	})
	return truncate(out, limit), nil
}

func (t *tx) LockExpiredReferrals(_ context.Context, now time.Time, exclude []string, limit int) ([]models.Referral, error) {
	var out []models.Referral
	for _, r := range t.st().referrals {
		if slices.Contains(exclude, r.ReferralID) {
			continue
		}
		if r.Status == models.ReferralActive && r.Expired(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return truncate(out, limit), nil
}

func (t *tx) LockStaleQueueEntries(_ context.Context, before time.Time, exclude []string, limit int) ([]models.QueueEntry, error) {
	day := models.DateOf(before)
	var out []models.QueueEntry
	for _, e := range t.st().queue {
		if slices.Contains(exclude, e.QueueID) {
			continue
		}
		if appt, ok := t.st().appointments[e.AppointmentID]; ok && appt.Status == models.AppointmentCancelled {
			continue
		}
		if (e.Status == models.QueueWaiting || e.Status == models.QueueSkipped) && e.ScheduledDate.Before(day) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledDate.Equal(out[j].ScheduledDate) {
			return out[i].ScheduledDate.Before(out[j].ScheduledDate)
		}
		return out[i].QueueNumber < out[j].QueueNumber
	})
	return truncate(out, limit), nil
}

func (t *tx) AppendEvent(_ context.Context, eventType, aggregateID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.s.eventSeq++
	t.st().events = append(t.st().events, store.OutboxEvent{
		EventID:     uuid.NewString(),
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     raw,
		CreatedAt:   t.s.now().UTC(),
		TxID:        t.id,
		Seq:         t.s.eventSeq,
	})
	return nil
}

func (t *tx) Savepoint(_ context.Context, fn func(store.Tx) error) error {
	backup := t.s.state.clone()
	if err := fn(t); err != nil {
		t.s.state = backup
		return err
	}
	return nil
}

func (st *state) facility(id string) (models.Facility, error) {
	f, ok := st.facilities[id]
	if !ok {
		return models.Facility{}, store.ErrFacilityNotFound
	}
	return f, nil
}

func (st *state) patient(id string) (models.Patient, error) {
	p, ok := st.patients[id]
	if !ok {
		return models.Patient{}, store.ErrPatientNotFound
	}
	return p, nil
}

func (st *state) appointment(id string) (models.Appointment, error) {
	a, ok := st.appointments[id]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	return a, nil
}

func (st *state) referral(id string) (models.Referral, error) {
	r, ok := st.referrals[id]
	if !ok {
		return models.Referral{}, store.ErrReferralNotFound
	}
	return r, nil
}

func (st *state) activeReferrals(patientID string) []models.Referral {
	var out []models.Referral
	for _, r := range st.referrals {
		if r.PatientID == patientID && r.Status == models.ReferralActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

func (st *state) hasBooking(patientID, facilityID string, date time.Time) bool {
	day := models.DateOf(date)
	for _, a := range st.appointments {
		if a.PatientID == patientID && a.FacilityID == facilityID && a.ScheduledDate.Equal(day) && a.Status != models.AppointmentCancelled {
			return true
		}
	}
	return false
}

func (st *state) clone() *state {
	return &state{
		facilities:   maps.Clone(st.facilities),
		patients:     maps.Clone(st.patients),
		appointments: maps.Clone(st.appointments),
		queue:        maps.Clone(st.queue),
		referrals:    maps.Clone(st.referrals),
		counters:     maps.Clone(st.counters),
		events:       append([]store.OutboxEvent(nil), st.events...),
		offsets:      maps.Clone(st.offsets),
	}
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
