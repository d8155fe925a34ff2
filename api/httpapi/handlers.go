package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
)

// actorHeader names the character performing a club administration request.
const actorHeader = "X-Character-ID"

type createCharacterRequest struct {
	Name     string `json:"name"`
	Position string `json:"position"`
}

type characterResponse struct {
	Character core.Character `json:"character"`
	Wallet    *core.Wallet   `json:"wallet,omitempty"`
	Progress  levelProgress  `json:"progress"`
}

type levelProgress struct {
	Level            int   `json:"level"`
	Experience       int64 `json:"experience"`
	NextLevelAt      int64 `json:"next_level_at,omitempty"`
	ExperienceToNext int64 `json:"experience_to_next"`
	MaxLevel         bool  `json:"max_level"`
}

func (a *api) progressOf(c core.Character) levelProgress {
	curve := a.svc.Settlement().Curve()
	p := levelProgress{
		Level:            c.Level,
		Experience:       c.Experience,
		ExperienceToNext: curve.ExperienceToNext(c.Experience),
		MaxLevel:         c.Level >= curve.MaxLevel(),
	}
	if !p.MaxLevel {
		p.NextLevelAt = curve.Threshold(c.Level + 1)
	}
	return p
}

func (a *api) createCharacter(w http.ResponseWriter, r *http.Request) {
	var req createCharacterRequest
	if !a.decode(w, r, &req) {
		return
	}
	c, wallet, err := a.svc.CreateCharacter(r.Context(), req.Name, req.Position)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, characterResponse{Character: c, Wallet: &wallet, Progress: a.progressOf(c)})
}

func (a *api) getCharacter(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.GetCharacter(r.Context(), core.CharacterID(r.PathValue("id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, characterResponse{Character: c, Progress: a.progressOf(c)})
}

func (a *api) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := a.svc.GetWallet(r.Context(), core.CharacterID(r.PathValue("id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

type outcomeRequest struct {
	EventID       string `json:"event_id"`
	Kind          string `json:"kind"`
	OpponentLevel int    `json:"opponent_level"`
}

func (a *api) reportOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if !a.decode(w, r, &req) {
		return
	}
	kind, err := core.ParseOutcome(req.Kind)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.svc.ReportOutcome(r.Context(), engine.OutcomeRequest{
		EventID:       core.EventID(req.EventID),
		CharacterID:   core.CharacterID(r.PathValue("id")),
		Kind:          kind,
		OpponentLevel: req.OpponentLevel,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type eventIDRequest struct {
	EventID string `json:"event_id"`
}

func (a *api) train(w http.ResponseWriter, r *http.Request) {
	var req eventIDRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.svc.Train(r.Context(), core.EventID(req.EventID), core.CharacterID(r.PathValue("id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) allocateSkill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stat string `json:"stat"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	c, err := a.svc.AllocateSkill(r.Context(), core.CharacterID(r.PathValue("id")), req.Stat)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *api) playBotMatch(w http.ResponseWriter, r *http.Request) {
	var req eventIDRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.svc.PlayBotMatch(r.Context(), core.EventID(req.EventID), core.CharacterID(r.PathValue("id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) recordEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type      string `json:"type"`
		Magnitude int64  `json:"magnitude"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	outcomes, err := a.svc.RecordEvent(r.Context(), core.CharacterID(r.PathValue("id")), req.Type, req.Magnitude)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if outcomes == nil {
		outcomes = []engine.MissionOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"missions": outcomes})
}

func (a *api) getMembership(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.Clubs().Membership(r.Context(), core.CharacterID(r.PathValue("id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *api) getSettlement(w http.ResponseWriter, r *http.Request) {
	rec, found, err := a.svc.Settlement().Lookup(r.Context(), core.EventID(r.PathValue("eventID")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "settlement not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type createMissionRequest struct {
	ClubID            string     `json:"club_id"`
	Title             string     `json:"title"`
	Type              string     `json:"type"`
	TargetValue       int64      `json:"target_value"`
	RewardExp         int64      `json:"reward_exp"`
	RewardCoins       int64      `json:"reward_coins"`
	RewardSkillPoints int        `json:"reward_skill_points"`
	Scope             string     `json:"scope"`
	PerMember         bool       `json:"per_member"`
	Deadline          *time.Time `json:"deadline"`
}

func (a *api) createMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if !a.decode(w, r, &req) {
		return
	}
	scope := core.MissionScope(strings.ToLower(strings.TrimSpace(req.Scope)))
	if scope == "" {
		scope = core.ScopeIndividual
	}
	m, err := a.svc.Missions().CreateMission(r.Context(), core.Mission{
		ClubID:            core.ClubID(strings.TrimSpace(req.ClubID)),
		Title:             req.Title,
		Type:              req.Type,
		TargetValue:       req.TargetValue,
		RewardExp:         req.RewardExp,
		RewardCoins:       req.RewardCoins,
		RewardSkillPoints: req.RewardSkillPoints,
		Scope:             scope,
		PerMember:         req.PerMember,
		Deadline:          req.Deadline,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *api) getMission(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.Missions().GetMission(r.Context(), core.MissionID(r.PathValue("id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *api) advanceMission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacterID string `json:"character_id"`
		Magnitude   int64  `json:"magnitude"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	out, err := a.svc.Missions().Advance(r.Context(), core.MissionID(r.PathValue("id")), core.CharacterID(req.CharacterID), req.Magnitude)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) missionProgress(w http.ResponseWriter, r *http.Request) {
	view, err := a.svc.Missions().Progress(r.Context(), core.MissionID(r.PathValue("id")), core.CharacterID(r.PathValue("characterID")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) createClub(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		CreatorID   string `json:"creator_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	club, err := a.svc.Clubs().CreateClub(r.Context(), req.Name, req.Description, core.CharacterID(req.CreatorID))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, club)
}

func (a *api) getClub(w http.ResponseWriter, r *http.Request) {
	club, err := a.svc.Clubs().GetClub(r.Context(), core.ClubID(r.PathValue("id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, club)
}

func (a *api) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := a.svc.Clubs().Members(r.Context(), core.ClubID(r.PathValue("id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if members == nil {
		members = []core.ClubMembership{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (a *api) joinClub(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacterID string `json:"character_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	m, err := a.svc.Clubs().Join(r.Context(), core.ClubID(r.PathValue("id")), core.CharacterID(req.CharacterID))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *api) leaveClub(w http.ResponseWriter, r *http.Request) {
	err := a.svc.Clubs().Leave(r.Context(), core.ClubID(r.PathValue("id")), core.CharacterID(r.PathValue("characterID")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setRole lets the club owner or an admin, named by X-Character-ID, change
// another member's role. Ownership cannot be granted or taken away here.
func (a *api) setRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	role, err := core.ParseRole(req.Role)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if role == core.RoleOwner {
		writeError(w, http.StatusForbidden, "forbidden", "the owner role cannot be assigned", nil)
		return
	}
	ctx := r.Context()
	clubID := core.ClubID(r.PathValue("id"))
	target := core.CharacterID(r.PathValue("characterID"))

	actor := core.CharacterID(strings.TrimSpace(r.Header.Get(actorHeader)))
	if actor == "" {
		writeError(w, http.StatusForbidden, "forbidden", actorHeader+" header required", nil)
		return
	}
	am, err := a.svc.Clubs().Membership(ctx, actor)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		a.fail(w, r, err)
		return
	}
	if err != nil || am.ClubID != clubID || (am.Role != core.RoleOwner && am.Role != core.RoleAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "only the club owner or an admin can change roles", nil)
		return
	}
	tm, err := a.svc.Clubs().Membership(ctx, target)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if tm.ClubID != clubID {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s is not a member of %s", target, clubID), nil)
		return
	}
	if tm.Role == core.RoleOwner {
		writeError(w, http.StatusForbidden, "forbidden", "the owner's role cannot be changed", nil)
		return
	}

	m, err := a.svc.Clubs().SetRole(ctx, clubID, target, role)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *api) contribute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacterID string `json:"character_id"`
		Amount      int64  `json:"amount"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.svc.Contribute(r.Context(), core.ClubID(r.PathValue("id")), core.CharacterID(req.CharacterID), req.Amount)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) ranking(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	members, err := a.svc.Clubs().WeeklyRanking(r.Context(), core.ClubID(r.PathValue("id")), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if members == nil {
		members = []core.ClubMembership{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (a *api) totals(w http.ResponseWriter, r *http.Request) {
	window := core.ContributionWindow(r.URL.Query().Get("window"))
	if window == "" {
		window = core.WindowWeekly
	}
	total, err := a.svc.Clubs().Totals(r.Context(), core.ClubID(r.PathValue("id")), window)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"club_id": r.PathValue("id"), "window": window, "total": total})
}
