package detector

import (
	"sync"
	"time"

	"github.com/touristguard/geofence/internal/domain"
)

// membershipState tracks which zones each user is currently inside. It is
// shared between the sweep loop and the bulk workers' on-demand checks.
type membershipState struct {
	mu sync.Mutex
	// users maps userID -> zoneID -> entry record.
	users map[string]map[string]*memberRecord
}

type memberRecord struct {
	since    time.Time
	lastSeen domain.Coordinate
	zone     *domain.Zone
}

// exitRecord describes a membership that ended this diff.
type exitRecord struct {
	userID   string
	zoneID   string
	since    time.Time
	lastSeen domain.Coordinate
	zone     *domain.Zone
}

func newMembershipState() *membershipState {
	return &membershipState{users: make(map[string]map[string]*memberRecord)}
}

// diffZone reconciles one zone against the set of users currently inside
// it. Returns the user IDs that entered, the ones that stayed, and exit
// records for the ones that left. Every touched record carries the zone,
// so an exit detected later by either diff path can always name it.
func (s *membershipState) diffZone(z *domain.Zone, inside map[string]domain.Coordinate, now time.Time) (entered, stayed []string, exited []exitRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, at := range inside {
		zones := s.users[userID]
		if zones == nil {
			zones = make(map[string]*memberRecord)
			s.users[userID] = zones
		}
		if rec, ok := zones[z.ID]; ok {
			rec.lastSeen = at
			rec.zone = z
			stayed = append(stayed, userID)
		} else {
			zones[z.ID] = &memberRecord{since: now, lastSeen: at, zone: z}
			entered = append(entered, userID)
		}
	}

	for userID, zones := range s.users {
		rec, ok := zones[z.ID]
		if !ok {
			continue
		}
		if _, still := inside[userID]; still {
			continue
		}
		exited = append(exited, exitRecord{
			userID:   userID,
			zoneID:   z.ID,
			since:    rec.since,
			lastSeen: rec.lastSeen,
			zone:     rec.zone,
		})
		delete(zones, z.ID)
		if len(zones) == 0 {
			delete(s.users, userID)
		}
	}
	return entered, stayed, exited
}

// diffUser reconciles one user against the full set of zones currently
// containing them. Returns the zones entered, the zones stayed in, and
// exit records for memberships that ended.
func (s *membershipState) diffUser(userID string, current map[string]*domain.Zone, now time.Time) (entered, stayed []*domain.Zone, exited []exitRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zones := s.users[userID]
	if zones == nil {
		zones = make(map[string]*memberRecord)
		s.users[userID] = zones
	}

	for zoneID, z := range current {
		if rec, ok := zones[zoneID]; ok {
			rec.zone = z
			stayed = append(stayed, z)
		} else {
			zones[zoneID] = &memberRecord{since: now, zone: z}
			entered = append(entered, z)
		}
	}

	for zoneID, rec := range zones {
		if _, still := current[zoneID]; still {
			continue
		}
		exited = append(exited, exitRecord{
			userID:   userID,
			zoneID:   zoneID,
			since:    rec.since,
			lastSeen: rec.lastSeen,
			zone:     rec.zone,
		})
		delete(zones, zoneID)
	}
	if len(zones) == 0 {
		delete(s.users, userID)
	}
	return entered, stayed, exited
}

// since returns when the user entered the zone, or the zero time when the
// membership is unknown.
func (s *membershipState) since(userID, zoneID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.users[userID][zoneID]; ok {
		return rec.since
	}
	return time.Time{}
}

func (s *membershipState) forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}
