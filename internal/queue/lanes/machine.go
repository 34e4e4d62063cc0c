// Package lanes sequences customers through one checkout counter.
//
// Each counter owns a Machine. Tracks mapped into the counter's zone become
// WAITING entries, the front of the line is promoted to CURRENT one at a
// time, and a CURRENT entry whose track leaves is COMPLETED and turned into
// a ServiceRecord.
package lanes

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/queue.report/internal/queue"
)

// Config holds per-counter lifecycle parameters.
type Config struct {
	AbsenceGrace           time.Duration // Absence tolerated before an entry leaves
	Retention              time.Duration // How long completed entries stay visible
	DefaultServiceEstimate time.Duration // Assumed service time before any is observed
	ServiceSampleSize      int           // Recent services used for estimates
}

// Result lists what changed during one Update.
type Result struct {
	Admitted  []int64
	Promoted  int64 // zero when nobody was promoted
	Completed []queue.ServiceRecord
	Abandoned []queue.QueueEntry

	// Released holds track ids the machine no longer owns.
	Released []int64
}

// Machine is the queue state of one counter. It is not safe for concurrent
// use; the pipeline owns it.
type Machine struct {
	Zone queue.Zone
	cfg  Config

	current   *queue.QueueEntry
	waiting   []*queue.QueueEntry // index i holds rank i+1
	byTrack   map[int64]*queue.QueueEntry
	completed []queue.QueueEntry

	recent    []time.Duration
	served    int
	abandoned int
}

// NewMachine returns an empty queue for the zone.
func NewMachine(zone queue.Zone, cfg Config) *Machine {
	if cfg.ServiceSampleSize <= 0 {
		cfg.ServiceSampleSize = 100
	}
	return &Machine{
		Zone:    zone,
		cfg:     cfg,
		byTrack: make(map[int64]*queue.QueueEntry),
	}
}

// Update applies one frame's zoned tracks for this counter.
func (m *Machine) Update(present []queue.Track, now time.Time) Result {
	var res Result

	seen := make(map[int64]queue.Track, len(present))
	for _, t := range present {
		seen[t.ID] = t
	}

	// Step 1: refresh last-seen for entries still in the zone.
	for id, e := range m.byTrack {
		if t, ok := seen[id]; ok && t.LastSeen.After(e.LastSeen) {
			e.LastSeen = t.LastSeen
		}
	}

	// Step 2: departures.
	freed := false
	if c := m.current; c != nil && m.departed(c, seen, now) {
		rec := m.complete(c)
		res.Completed = append(res.Completed, rec)
		res.Released = append(res.Released, c.TrackID)
		freed = true
	}
	kept := m.waiting[:0]
	for _, e := range m.waiting {
		if m.departed(e, seen, now) {
			delete(m.byTrack, e.TrackID)
			m.abandoned++
			res.Abandoned = append(res.Abandoned, *e)
			res.Released = append(res.Released, e.TrackID)
			continue
		}
		kept = append(kept, e)
	}
	m.waiting = kept
	m.renumber()

	// Step 3: admissions, lower track id first.
	for _, t := range present {
		if _, ok := m.byTrack[t.ID]; ok || m.recentlyServed(t.ID) {
			continue
		}
		e := &queue.QueueEntry{
			TrackID:      t.ID,
			CounterID:    m.Zone.ID,
			Position:     len(m.waiting) + 1,
			State:        queue.StateWaiting,
			EntryAt:      now,
			LastSeen:     t.LastSeen,
			OverCapacity: m.Zone.Capacity > 0 && len(m.waiting) >= m.Zone.Capacity,
		}
		m.waiting = append(m.waiting, e)
		m.byTrack[t.ID] = e
		res.Admitted = append(res.Admitted, t.ID)
	}

	// Step 4: promote the head of the line into an empty slot. A slot freed
	// this update stays empty until the next one.
	if m.current == nil && !freed && len(m.waiting) > 0 {
		head := m.waiting[0]
		m.waiting = m.waiting[1:]
		head.State = queue.StateCurrent
		head.Position = 0
		head.StartAt = now
		m.current = head
		m.renumber()
		res.Promoted = head.TrackID
	}

	// Step 5: archive completed entries past retention.
	m.expire(now)

	return res
}

func (m *Machine) departed(e *queue.QueueEntry, seen map[int64]queue.Track, now time.Time) bool {
	if _, ok := seen[e.TrackID]; ok {
		return false
	}
	return now.Sub(e.LastSeen) > m.cfg.AbsenceGrace
}

// complete moves the current entry to COMPLETED. The service ends when the
// customer was last seen, never before service started.
func (m *Machine) complete(e *queue.QueueEntry) queue.ServiceRecord {
	e.State = queue.StateCompleted
	e.Position = -1
	e.EndAt = e.LastSeen
	if e.EndAt.Before(e.StartAt) {
		e.EndAt = e.StartAt
	}
	delete(m.byTrack, e.TrackID)
	m.current = nil
	m.completed = append(m.completed, *e)

	rec := queue.NewServiceRecord(*e, m.Zone.Lane)
	m.served++
	m.recent = append(m.recent, rec.ServiceDuration)
	if len(m.recent) > m.cfg.ServiceSampleSize {
		m.recent = m.recent[len(m.recent)-m.cfg.ServiceSampleSize:]
	}
	return rec
}

func (m *Machine) recentlyServed(trackID int64) bool {
	for _, e := range m.completed {
		if e.TrackID == trackID {
			return true
		}
	}
	return false
}

func (m *Machine) expire(now time.Time) {
	kept := m.completed[:0]
	for _, e := range m.completed {
		if now.Sub(e.EndAt) > m.cfg.Retention {
			continue
		}
		kept = append(kept, e)
	}
	m.completed = kept
}

func (m *Machine) renumber() {
	for i, e := range m.waiting {
		e.Position = i + 1
	}
}

// Owns reports whether the track holds a non-completed entry here.
func (m *Machine) Owns(trackID int64) bool {
	_, ok := m.byTrack[trackID]
	return ok
}

// Current returns the entry being served.
func (m *Machine) Current() (queue.QueueEntry, bool) {
	if m.current == nil {
		return queue.QueueEntry{}, false
	}
	return *m.current, true
}

// Waiting returns the waiting entries in rank order.
func (m *Machine) Waiting() []queue.QueueEntry {
	out := make([]queue.QueueEntry, 0, len(m.waiting))
	for _, e := range m.waiting {
		out = append(out, *e)
	}
	return out
}

// Completed returns completed entries still inside the retention window.
func (m *Machine) Completed() []queue.QueueEntry {
	return append([]queue.QueueEntry(nil), m.completed...)
}

// WaitingCount is the queue length excluding the customer being served.
func (m *Machine) WaitingCount() int { return len(m.waiting) }

// AtCapacity reports whether the waiting line has reached the zone limit.
func (m *Machine) AtCapacity() bool {
	return m.Zone.Capacity > 0 && len(m.waiting) >= m.Zone.Capacity
}

// Served returns the number of completed services this session.
func (m *Machine) Served() int { return m.served }

// Abandoned returns the number of customers who left before service.
func (m *Machine) Abandoned() int { return m.abandoned }

// AverageService returns the mean of the recent service durations, or the
// configured default when none has been observed.
func (m *Machine) AverageService() time.Duration {
	if len(m.recent) == 0 {
		return m.cfg.DefaultServiceEstimate
	}
	var total time.Duration
	for _, d := range m.recent {
		total += d
	}
	return total / time.Duration(len(m.recent))
}

// EstimateWait returns the expected wait for a customer at rank.
func (m *Machine) EstimateWait(rank int, now time.Time) time.Duration {
	avg := m.AverageService()
	var remaining time.Duration
	if m.current != nil {
		remaining = avg - Elapsed(*m.current, now)
		if remaining < 0 {
			remaining = 0
		}
	}
	if rank < 1 {
		rank = 1
	}
	return remaining + time.Duration(rank-1)*avg
}

// Status labels the counter from its length and the wait a new arrival
// would face.
func (m *Machine) Status(now time.Time) queue.QueueStatus {
	length := len(m.waiting)
	if m.current != nil {
		length++
	}
	if opt := m.Zone.OptimalLength; opt > 0 {
		if length > opt*2 {
			return queue.StatusCritical
		}
		if length > opt {
			return queue.StatusWarning
		}
	}
	if m.Zone.MaxWait > 0 && m.EstimateWait(len(m.waiting)+1, now) > m.Zone.MaxWait {
		return queue.StatusSlow
	}
	return queue.StatusGood
}

// View builds the read-only snapshot of this counter. Alerts are attached
// by the caller.
func (m *Machine) View(now time.Time) queue.CounterSnapshot {
	v := queue.CounterSnapshot{
		ID:         m.Zone.ID,
		Lane:       m.Zone.Lane,
		Capacity:   m.Zone.Capacity,
		Waiting:    make([]queue.WaitingView, 0, len(m.waiting)),
		AtCapacity: m.AtCapacity(),
		Status:     m.Status(now),
		Served:     m.served,
		Abandoned:  m.abandoned,
		AvgService: m.AverageService(),
	}
	if c := m.current; c != nil {
		v.Current = &queue.CurrentView{
			TrackID: c.TrackID,
			EntryAt: c.EntryAt,
			StartAt: c.StartAt,
			Elapsed: Elapsed(*c, now),
		}
	}
	for _, e := range m.waiting {
		v.Waiting = append(v.Waiting, queue.WaitingView{
			TrackID:      e.TrackID,
			Rank:         e.Position,
			EntryAt:      e.EntryAt,
			Waited:       Waited(*e, now),
			WaitEstimate: m.EstimateWait(e.Position, now),
			OverCapacity: e.OverCapacity,
		})
	}
	return v
}

// ErrInvariant is wrapped by every CheckInvariants failure.
var ErrInvariant = errors.New("queue invariant violated")

// CheckInvariants verifies the single-CURRENT rule, gapless waiting ranks,
// ownership bookkeeping and timestamp ordering.
func (m *Machine) CheckInvariants() error {
	owned := 0
	if c := m.current; c != nil {
		owned++
		if c.State != queue.StateCurrent || c.Position != 0 {
			return fmt.Errorf("%w: counter %d current entry %d has state %s position %d",
				ErrInvariant, m.Zone.ID, c.TrackID, c.State, c.Position)
		}
		if c.StartAt.Before(c.EntryAt) {
			return fmt.Errorf("%w: counter %d entry %d started before it entered", ErrInvariant, m.Zone.ID, c.TrackID)
		}
		if m.byTrack[c.TrackID] != c {
			return fmt.Errorf("%w: counter %d current entry %d not indexed", ErrInvariant, m.Zone.ID, c.TrackID)
		}
	}
	for i, e := range m.waiting {
		owned++
		if e.State != queue.StateWaiting {
			return fmt.Errorf("%w: counter %d waiting entry %d has state %s", ErrInvariant, m.Zone.ID, e.TrackID, e.State)
		}
		if e.Position != i+1 {
			return fmt.Errorf("%w: counter %d rank %d holds position %d", ErrInvariant, m.Zone.ID, i+1, e.Position)
		}
		if m.byTrack[e.TrackID] != e {
			return fmt.Errorf("%w: counter %d waiting entry %d not indexed", ErrInvariant, m.Zone.ID, e.TrackID)
		}
	}
	if owned != len(m.byTrack) {
		return fmt.Errorf("%w: counter %d indexes %d entries but holds %d", ErrInvariant, m.Zone.ID, len(m.byTrack), owned)
	}
	for _, e := range m.completed {
		if e.EndAt.Before(e.StartAt) || e.StartAt.Before(e.EntryAt) {
			return fmt.Errorf("%w: counter %d completed entry %d has unordered timestamps", ErrInvariant, m.Zone.ID, e.TrackID)
		}
	}
	return nil
}

// Heal rebuilds the queue from the entries it still references. The entry
// holding the current slot keeps it, otherwise the earliest service start
// wins; any other entry
// claiming CURRENT is archived as completed without a service record, since
// entries never return to WAITING. Waiting entries are re-ranked by entry
// time, ties by lower track id. Returns the track ids released.
func (m *Machine) Heal() []int64 {
	all := make(map[int64]*queue.QueueEntry)
	if m.current != nil {
		all[m.current.TrackID] = m.current
	}
	for _, e := range m.waiting {
		if _, dup := all[e.TrackID]; !dup {
			all[e.TrackID] = e
		}
	}
	for id, e := range m.byTrack {
		if _, dup := all[id]; !dup {
			all[id] = e
		}
	}

	var currents, waiting []*queue.QueueEntry
	for _, e := range all {
		if e.State == queue.StateCurrent {
			currents = append(currents, e)
		} else if e.State == queue.StateWaiting {
			waiting = append(waiting, e)
		}
	}
	holder := m.current
	sort.Slice(currents, func(i, j int) bool {
		if (currents[i] == holder) != (currents[j] == holder) {
			return currents[i] == holder
		}
		if !currents[i].StartAt.Equal(currents[j].StartAt) {
			return currents[i].StartAt.Before(currents[j].StartAt)
		}
		return currents[i].TrackID < currents[j].TrackID
	})
	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].EntryAt.Equal(waiting[j].EntryAt) {
			return waiting[i].EntryAt.Before(waiting[j].EntryAt)
		}
		return waiting[i].TrackID < waiting[j].TrackID
	})

	var released []int64
	m.byTrack = make(map[int64]*queue.QueueEntry, len(all))
	m.current = nil
	for i, e := range currents {
		if i == 0 {
			e.Position = 0
			if e.StartAt.Before(e.EntryAt) {
				e.StartAt = e.EntryAt
			}
			m.current = e
			m.byTrack[e.TrackID] = e
			continue
		}
		e.State = queue.StateCompleted
		e.Position = -1
		e.EndAt = e.LastSeen
		if e.EndAt.Before(e.StartAt) {
			e.EndAt = e.StartAt
		}
		m.completed = append(m.completed, *e)
		released = append(released, e.TrackID)
	}
	m.waiting = waiting
	for _, e := range waiting {
		m.byTrack[e.TrackID] = e
	}
	m.renumber()
	for _, e := range all {
		if e.State == queue.StateCompleted && m.byTrack[e.TrackID] == nil && !containsID(released, e.TrackID) {
			released = append(released, e.TrackID)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	return released
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
