/*
inservice.go - Visits that collide with a caregiver's in-service training

PURPOSE:
  A caregiver booked for an in-service event cannot also be on a visit for
  another provider at the same time. Such pairs are recorded like any other
  conflict, with every rule flag N and InService set, and go through the
  same merger as visit pairs.

JOIN:
  Same SSN, different provider, strict overlap of the visit's effective
  window (actual, else scheduled) with the event window. A visit that
  overlaps an event of its own provider is not paired at all. Excluded
  agencies and SSNs apply to both sides.

IDS:
  An event is recorded under a synthetic VisitID, the hex MD5 of "I" and
  its EventID. Both orientations of a pair are keyed on the visit's date.

STALE CLEANUP:
  In-service records are never picked up by the stale cleaner.

SEE ALSO:
  - join.go: The same-date visit join
  - merge.go: Merger
*/
package conflict

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"time"
)

// InServiceEvent is one caregiver training session.
type InServiceEvent struct {
	EventID    string
	SSN        string
	ProviderID string
	AgencyID   string
	Window     Window
	Deleted    bool
	UpdatedAt  time.Time
}

// InServiceVisitID is the synthetic VisitID an event is recorded under.
func InServiceVisitID(eventID string) VisitID {
	sum := md5.Sum([]byte("I" + eventID))
	return VisitID(hex.EncodeToString(sum[:]))
}

func (e InServiceEvent) VisitID() VisitID { return InServiceVisitID(e.EventID) }

// Dates returns every date the event touches. The end is exclusive.
func (e InServiceEvent) Dates() []Date {
	if !e.Window.Populated() || !e.Window.Start.Before(e.Window.End) {
		return nil
	}
	last := DateOf(e.Window.End.Add(-time.Nanosecond))
	var out []Date
	for d := DateOf(e.Window.Start); !d.After(last); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// Keys returns the join keys the event can collide on.
func (e InServiceEvent) Keys() []Key {
	dates := e.Dates()
	out := make([]Key, len(dates))
	for i, d := range dates {
		out[i] = Key{Date: d, SSN: e.SSN}
	}
	return out
}

func (e InServiceEvent) Validate() error {
	switch {
	case e.EventID == "":
		return &DataIntegrityError{VisitID: e.VisitID(), Field: "EventID", Reason: "missing"}
	case e.SSN == "":
		return &DataIntegrityError{VisitID: e.VisitID(), Field: "SSN", Reason: "missing"}
	case !e.Window.Populated():
		return &DataIntegrityError{VisitID: e.VisitID(), Field: "InserviceStartDate/InserviceEndDate", Reason: "missing window"}
	case !e.Window.Start.Before(e.Window.End):
		return &DataIntegrityError{VisitID: e.VisitID(), Field: "InserviceStartDate", Reason: "start not before end"}
	}
	return nil
}

// asVisit is the event as the partner of a visit on date.
func (e InServiceEvent) asVisit(date Date) Visit {
	return Visit{
		VisitID:    e.VisitID(),
		SSN:        e.SSN,
		ProviderID: e.ProviderID,
		AgencyID:   e.AgencyID,
		VisitDate:  date,
		Scheduled:  e.Window,
		UpdatedAt:  e.UpdatedAt,
	}
}

func effectiveWindow(v Visit) Window {
	if v.Actual.Populated() {
		return v.Actual
	}
	return v.Scheduled
}

// DetectInService pairs visits with the overlapping in-service events of
// their caregiver. Both orientations of every pair are returned, sorted by
// PairID. Malformed events are returned as errors and skipped; malformed
// visits are skipped silently since the visit join reports them.
func DetectInService(visits []Visit, events []InServiceEvent, ref *ReferenceData) ([]Detection, []error) {
	var skipped []error
	bySSN := make(map[string][]InServiceEvent)
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if _, dup := seen[e.EventID]; dup || e.Deleted {
			continue
		}
		seen[e.EventID] = struct{}{}
		if err := e.Validate(); err != nil {
			skipped = append(skipped, err)
			continue
		}
		bySSN[e.SSN] = append(bySSN[e.SSN], e)
	}

	var out []Detection
	for _, v := range visits {
		if v.Deleted || v.Validate() != nil || ref.Excludes(v) {
			continue
		}
		w := effectiveWindow(v)
		var hits []InServiceEvent
		own := false
		for _, e := range bySSN[v.SSN] {
			if !w.Overlaps(e.Window) {
				continue
			}
			if e.ProviderID == v.ProviderID {
				own = true
				break
			}
			hits = append(hits, e)
		}
		if own {
			continue
		}
		for _, e := range hits {
			ev := e.asVisit(v.VisitDate)
			if ref.Excludes(ev) {
				continue
			}
			out = append(out,
				Detection{Pair: Pair{Visit: v, Con: ev}, Flags: NoFlags(), InService: true},
				Detection{Pair: Pair{Visit: ev, Con: v}, Flags: NoFlags(), InService: true},
			)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Pair.ID(), out[j].Pair.ID()
		if a.VisitID != b.VisitID {
			return a.VisitID < b.VisitID
		}
		return a.ConVisitID < b.ConVisitID
	})
	return out, skipped
}
