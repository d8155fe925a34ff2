package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
)

type progressKey struct {
	mission   core.MissionID
	character core.CharacterID
}

// Store is a concurrent in-memory Storage implementation. A single mutex makes
// every operation one atomic unit.
type Store struct {
	mu          sync.Mutex
	characters  map[core.CharacterID]core.Character
	wallets     map[core.CharacterID]core.Wallet
	settlements map[core.EventID]core.SettlementRecord
	missions    map[core.MissionID]core.Mission
	progress    map[progressKey]core.MissionProgress
	clubs       map[core.ClubID]core.Club
	memberships map[core.CharacterID]core.ClubMembership
}

func New() *Store {
	return &Store{
		characters:  make(map[core.CharacterID]core.Character),
		wallets:     make(map[core.CharacterID]core.Wallet),
		settlements: make(map[core.EventID]core.SettlementRecord),
		missions:    make(map[core.MissionID]core.Mission),
		progress:    make(map[progressKey]core.MissionProgress),
		clubs:       make(map[core.ClubID]core.Club),
		memberships: make(map[core.CharacterID]core.ClubMembership),
	}
}

func (s *Store) CreateCharacter(_ context.Context, c core.Character, w core.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.characters[c.ID]; ok {
		return fmt.Errorf("%w: character %s exists", core.ErrConflict, c.ID)
	}
	w.CharacterID = c.ID
	s.characters[c.ID] = c.Clone()
	s.wallets[c.ID] = w
	return nil
}

func (s *Store) GetCharacter(_ context.Context, id core.CharacterID) (core.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.characters[id]
	if !ok {
		return core.Character{}, fmt.Errorf("%w: character %s", core.ErrNotFound, id)
	}
	return c.Clone(), nil
}

func (s *Store) GetWallet(_ context.Context, id core.CharacterID) (core.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return core.Wallet{}, fmt.Errorf("%w: wallet for %s", core.ErrNotFound, id)
	}
	return w, nil
}

func (s *Store) UpdateCharacter(_ context.Context, id core.CharacterID, fn func(*core.Character) error) (core.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.characters[id]
	if !ok {
		return core.Character{}, fmt.Errorf("%w: character %s", core.ErrNotFound, id)
	}
	next := c.Clone()
	if err := fn(&next); err != nil {
		return core.Character{}, err
	}
	next.ID = id
	s.characters[id] = next.Clone()
	return next, nil
}

func (s *Store) Settle(_ context.Context, eventID core.EventID, characterID core.CharacterID, fn engine.SettleFunc) (core.SettlementRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.settlements[eventID]; ok {
		return rec, false, nil
	}
	c, ok := s.characters[characterID]
	if !ok {
		return core.SettlementRecord{}, false, fmt.Errorf("%w: character %s", core.ErrNotFound, characterID)
	}
	w, ok := s.wallets[characterID]
	if !ok {
		return core.SettlementRecord{}, false, fmt.Errorf("%w: wallet for %s", core.ErrNotFound, characterID)
	}
	nc, nw, rec, err := fn(c.Clone(), w)
	if err != nil {
		return core.SettlementRecord{}, false, err
	}
	s.characters[characterID] = nc.Clone()
	s.wallets[characterID] = nw
	s.settlements[eventID] = rec
	return rec, true, nil
}

func (s *Store) GetSettlement(_ context.Context, eventID core.EventID) (core.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.settlements[eventID]
	if !ok {
		return core.SettlementRecord{}, fmt.Errorf("%w: settlement %s", core.ErrNotFound, eventID)
	}
	return rec, nil
}

func (s *Store) CreateMission(_ context.Context, m core.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[m.ID]; ok {
		return fmt.Errorf("%w: mission %s exists", core.ErrConflict, m.ID)
	}
	s.missions[m.ID] = m
	return nil
}

func (s *Store) GetMission(_ context.Context, id core.MissionID) (core.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return core.Mission{}, fmt.Errorf("%w: mission %s", core.ErrNotFound, id)
	}
	return m, nil
}

func (s *Store) ListMissionsByType(_ context.Context, eventType string) ([]core.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Mission
	for _, m := range s.missions {
		if m.Type == eventType {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetProgress(_ context.Context, missionID core.MissionID, characterID core.CharacterID) (core.MissionProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[progressKey{missionID, characterID}]
	if !ok {
		return core.MissionProgress{}, fmt.Errorf("%w: progress %s/%s", core.ErrNotFound, missionID, characterID)
	}
	p.AppliedEvents = slices.Clone(p.AppliedEvents)
	return p, nil
}

func (s *Store) UpdateMissionProgress(_ context.Context, missionID core.MissionID, characterID core.CharacterID, fn func(*core.MissionProgress) error) (core.MissionProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[missionID]; !ok {
		return core.MissionProgress{}, fmt.Errorf("%w: mission %s", core.ErrNotFound, missionID)
	}
	key := progressKey{missionID, characterID}
	p, ok := s.progress[key]
	if !ok {
		p = core.MissionProgress{MissionID: missionID, CharacterID: characterID}
	}
	p.AppliedEvents = slices.Clone(p.AppliedEvents)
	if err := fn(&p); err != nil {
		return core.MissionProgress{}, err
	}
	p.MissionID, p.CharacterID = missionID, characterID
	s.progress[key] = p
	p.AppliedEvents = slices.Clone(p.AppliedEvents)
	return p, nil
}

func (s *Store) SumMissionProgress(_ context.Context, missionID core.MissionID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for k, p := range s.progress {
		if k.mission == missionID {
			total += p.ProgressValue
		}
	}
	return total, nil
}

func (s *Store) CompleteMission(_ context.Context, id core.MissionID, by core.CharacterID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return false, fmt.Errorf("%w: mission %s", core.ErrNotFound, id)
	}
	if m.Status != core.MissionActive {
		return false, nil
	}
	m.Status = core.MissionCompleted
	m.CompletedBy = by
	m.CompletedAt = &at
	s.missions[id] = m
	return true, nil
}

func (s *Store) CreateClub(_ context.Context, club core.Club, owner core.ClubMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clubs[club.ID]; ok {
		return fmt.Errorf("%w: club %s exists", core.ErrConflict, club.ID)
	}
	if _, ok := s.memberships[owner.CharacterID]; ok {
		return fmt.Errorf("%w: character %s already belongs to a club", core.ErrConflict, owner.CharacterID)
	}
	owner.ClubID = club.ID
	club.MemberCount = 1
	s.clubs[club.ID] = club
	s.memberships[owner.CharacterID] = owner
	return nil
}

func (s *Store) GetClub(_ context.Context, id core.ClubID) (core.Club, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clubs[id]
	if !ok {
		return core.Club{}, fmt.Errorf("%w: club %s", core.ErrNotFound, id)
	}
	return c, nil
}

func (s *Store) AddMember(_ context.Context, m core.ClubMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	club, ok := s.clubs[m.ClubID]
	if !ok {
		return fmt.Errorf("%w: club %s", core.ErrNotFound, m.ClubID)
	}
	if _, ok := s.memberships[m.CharacterID]; ok {
		return fmt.Errorf("%w: character %s already belongs to a club", core.ErrConflict, m.CharacterID)
	}
	club.MemberCount++
	s.clubs[m.ClubID] = club
	s.memberships[m.CharacterID] = m
	return nil
}

func (s *Store) RemoveMember(_ context.Context, clubID core.ClubID, characterID core.CharacterID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[characterID]
	if !ok || m.ClubID != clubID {
		return fmt.Errorf("%w: membership %s/%s", core.ErrNotFound, clubID, characterID)
	}
	club := s.clubs[clubID]
	club.MemberCount--
	club.WeeklyContribution -= m.WeeklyContribution
	club.TotalContribution -= m.TotalContribution
	s.clubs[clubID] = club
	delete(s.memberships, characterID)
	return nil
}

func (s *Store) SetRole(_ context.Context, clubID core.ClubID, characterID core.CharacterID, role core.ClubRole) (core.ClubMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[characterID]
	if !ok || m.ClubID != clubID {
		return core.ClubMembership{}, fmt.Errorf("%w: membership %s/%s", core.ErrNotFound, clubID, characterID)
	}
	m.Role = role
	s.memberships[characterID] = m
	return m, nil
}

func (s *Store) GetMembership(_ context.Context, characterID core.CharacterID) (core.ClubMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[characterID]
	if !ok {
		return core.ClubMembership{}, fmt.Errorf("%w: membership for %s", core.ErrNotFound, characterID)
	}
	return m, nil
}

func (s *Store) ListMembers(_ context.Context, clubID core.ClubID) ([]core.ClubMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ClubMembership
	for _, m := range s.memberships {
		if m.ClubID == clubID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CharacterID < out[j].CharacterID })
	return out, nil
}

func (s *Store) AddContribution(_ context.Context, clubID core.ClubID, characterID core.CharacterID, amount int64, at time.Time) (core.ClubMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[characterID]
	if !ok || m.ClubID != clubID {
		return core.ClubMembership{}, fmt.Errorf("%w: membership %s/%s", core.ErrNotFound, clubID, characterID)
	}
	weekly, err := core.AddSafe(m.WeeklyContribution, amount)
	if err != nil {
		return core.ClubMembership{}, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	total, err := core.AddSafe(m.TotalContribution, amount)
	if err != nil {
		return core.ClubMembership{}, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	m.WeeklyContribution, m.TotalContribution = weekly, total
	m.LastContributionAt = &at
	club := s.clubs[clubID]
	club.WeeklyContribution += amount
	club.TotalContribution += amount
	s.clubs[clubID] = club
	s.memberships[characterID] = m
	return m, nil
}

func (s *Store) ResetWeeklyContributions(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.memberships {
		m.WeeklyContribution = 0
		s.memberships[id] = m
	}
	for id, c := range s.clubs {
		c.WeeklyContribution = 0
		s.clubs[id] = c
	}
	return int64(len(s.memberships)), nil
}

var _ engine.Storage = (*Store)(nil)
