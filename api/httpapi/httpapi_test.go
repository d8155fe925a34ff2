package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "github.com/CMDESIGN8/lupiback/adapters/memory"
	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
)

func newTestService(t *testing.T) *engine.Service {
	t.Helper()
	store := mem.New()
	bus := engine.NewEventBus(engine.DispatchSync)
	settlement, err := engine.NewSettlementEngine(store, core.DefaultLevelCurve(), core.DefaultRewardPolicy(), bus,
		engine.SettlementConfig{PointsPerLevel: core.DefaultPointsPerLevel}, nil, nil)
	require.NoError(t, err)
	missions := engine.NewMissionTracker(store, settlement, bus, nil, nil)
	clubs := engine.NewClubAggregator(store, bus, nil, nil)
	svc := engine.NewService(store, bus, settlement, missions, clubs, engine.ServiceConfig{StartingBalance: decimal.NewFromInt(100), Seed: 11}, nil)
	t.Cleanup(svc.Close)
	return svc
}

type call struct {
	method string
	path   string
	body   any
	header map[string]string
}

func do(t *testing.T, h http.Handler, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createCharacter(t *testing.T, h http.Handler, name string) core.CharacterID {
	t.Helper()
	rec := do(t, h, call{method: http.MethodPost, path: "/api/characters", body: map[string]string{"name": name, "position": "ala"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[characterResponse](t, rec).Character.ID
}

func TestCreateAndGetCharacter(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api"})

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/characters", body: map[string]string{"name": "Ricardinho", "position": "ala"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[characterResponse](t, rec)
	require.NotNil(t, created.Wallet)
	assert.True(t, created.Wallet.Balance.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, created.Progress.Level)
	assert.Equal(t, int64(100), created.Progress.NextLevelAt)

	rec = do(t, handler, call{method: http.MethodGet, path: "/api/characters/" + string(created.Character.ID)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decodeBody[characterResponse](t, rec)
	assert.Equal(t, "Ricardinho", got.Character.Name)
	assert.Nil(t, got.Wallet)

	rec = do(t, handler, call{method: http.MethodGet, path: "/api/characters/" + string(created.Character.ID) + "/wallet"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateCharacterValidation(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api"})

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/characters", body: map[string]string{"name": "  "}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	assert.Equal(t, "validation", decodeBody[apiError](t, rec).Code)

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/characters", body: map[string]any{"name": "x", "level": 99}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
	assert.Equal(t, "invalid_body", decodeBody[apiError](t, rec).Code)
}

func TestGetCharacterNotFound(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api"})

	rec := do(t, handler, call{method: http.MethodGet, path: "/api/characters/unknown"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestReportOutcomeAndReplay(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api"})
	id := createCharacter(t, handler, "Falcao")
	body := map[string]any{"event_id": "match-1", "kind": "win", "opponent_level": 1}

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/characters/" + string(id) + "/outcomes", body: body})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[engine.ActionResult](t, rec)
	assert.Equal(t, int64(60), first.Settlement.Record.ExperienceDelta)
	assert.False(t, first.Settlement.Replayed)

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/characters/" + string(id) + "/outcomes", body: body})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[engine.ActionResult](t, rec)
	assert.True(t, second.Settlement.Replayed)
	assert.Equal(t, int64(60), second.Settlement.Character.Experience)

	rec = do(t, handler, call{method: http.MethodGet, path: "/api/settlements/match-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody[core.SettlementRecord](t, rec).CharacterID)

	rec = do(t, handler, call{method: http.MethodGet, path: "/api/settlements/match-404"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportOutcomeRejectsUnknownKind(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api"})
	id := createCharacter(t, handler, "Pito")

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/characters/" + string(id) + "/outcomes", body: map[string]any{"event_id": "m", "kind": "forfeit"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAllocateSkillWithoutPoints(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api"})
	id := createCharacter(t, handler, "Ferrao")

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/characters/" + string(id) + "/skills", body: map[string]string{"stat": "shooting"}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTrainAndBotMatch(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api"})
	id := createCharacter(t, handler, "Dyego")

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/characters/" + string(id) + "/training", body: map[string]string{"event_id": "train-1"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(100), decodeBody[engine.ActionResult](t, rec).Settlement.Record.ExperienceDelta)

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/characters/" + string(id) + "/bot-matches", body: map[string]string{"event_id": "bot-1"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[engine.BotMatchResult](t, rec)
	assert.NotNil(t, res.Match)
	assert.NotNil(t, res.Opponent)
}

func TestClubFlow(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api"})
	alice := createCharacter(t, handler, "Alice")
	bob := createCharacter(t, handler, "Bob")

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/clubs", body: map[string]string{"name": "Lupi FC", "creator_id": string(alice)}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	club := decodeBody[core.Club](t, rec)
	base := "/api/clubs/" + string(club.ID)

	rec = do(t, handler, call{method: http.MethodPost, path: base + "/members", body: map[string]string{"character_id": string(bob)}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, handler, call{method: http.MethodPost, path: base + "/contributions", body: map[string]any{"character_id": string(bob), "amount": 30}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, handler, call{method: http.MethodPost, path: base + "/contributions", body: map[string]any{"character_id": string(alice), "amount": 10}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, handler, call{method: http.MethodPost, path: base + "/contributions", body: map[string]any{"character_id": string(alice), "amount": -1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, call{method: http.MethodGet, path: base + "/ranking?limit=1"})
	require.Equal(t, http.StatusOK, rec.Code)
	ranking := decodeBody[[]core.ClubMembership](t, rec)
	require.Len(t, ranking, 1)
	assert.Equal(t, bob, ranking[0].CharacterID)

	rec = do(t, handler, call{method: http.MethodGet, path: base + "/totals?window=lifetime"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(40), decodeBody[map[string]any](t, rec)["total"])

	rec = do(t, handler, call{method: http.MethodGet, path: base + "/totals?window=monthly"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, call{method: http.MethodGet, path: "/api/characters/" + string(bob) + "/club"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, club.ID, decodeBody[core.ClubMembership](t, rec).ClubID)

	rec = do(t, handler, call{method: http.MethodDelete, path: base + "/members/" + string(bob)})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, handler, call{method: http.MethodGet, path: base + "/members"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]core.ClubMembership](t, rec), 1)
}

func TestSetRolePermissions(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api"})
	owner := createCharacter(t, handler, "Owner")
	member := createCharacter(t, handler, "Member")

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/clubs", body: map[string]string{"name": "Roles", "creator_id": string(owner)}})
	require.Equal(t, http.StatusCreated, rec.Code)
	base := "/api/clubs/" + string(decodeBody[core.Club](t, rec).ID)
	rec = do(t, handler, call{method: http.MethodPost, path: base + "/members", body: map[string]string{"character_id": string(member)}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rolePath := base + "/members/" + string(member) + "/role"
	tests := []struct {
		name   string
		actor  string
		role   string
		status int
	}{
		{"missing actor", "", "admin", http.StatusForbidden},
		{"member cannot promote", string(member), "admin", http.StatusForbidden},
		{"owner cannot be assigned", string(owner), "owner", http.StatusForbidden},
		{"unknown role", string(owner), "captain", http.StatusBadRequest},
		{"owner promotes", string(owner), "admin", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := map[string]string{}
			if tt.actor != "" {
				header[actorHeader] = tt.actor
			}
			rec := do(t, handler, call{method: http.MethodPut, path: rolePath, body: map[string]string{"role": tt.role}, header: header})
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec = do(t, handler, call{method: http.MethodPut, path: base + "/members/" + string(owner) + "/role",
		body: map[string]string{"role": "member"}, header: map[string]string{actorHeader: string(member)}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMissionRoutes(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{
		PathPrefix: "/api",
		APIKeys:    []string{"player", "ops"},
		AdminKeys:  []string{"ops"},
	})
	player := map[string]string{"X-API-Key": "player"}
	ops := map[string]string{"X-API-Key": "ops"}
	rec := do(t, handler, call{method: http.MethodPost, path: "/api/characters", body: map[string]string{"name": "Jesulita"}, header: player})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[characterResponse](t, rec).Character.ID

	mission := map[string]any{"title": "Score goals", "type": "goal", "target_value": 3, "reward_exp": 50, "reward_coins": 20}
	rec = do(t, handler, call{method: http.MethodPost, path: "/api/missions", body: mission, header: player})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin key, got %d", rec.Code)
	}

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/missions", body: mission, header: ops})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	m := decodeBody[core.Mission](t, rec)
	assert.Equal(t, core.ScopeIndividual, m.Scope)
	assert.Equal(t, core.MissionActive, m.Status)

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/missions/" + string(m.ID) + "/advance",
		body: map[string]any{"character_id": string(id), "magnitude": 3}, header: player})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[engine.MissionOutcome](t, rec)
	assert.True(t, out.Completed)
	require.Len(t, out.Rewards, 1)

	rec = do(t, handler, call{method: http.MethodGet, path: "/api/missions/" + string(m.ID) + "/progress/" + string(id), header: player})
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[engine.MissionProgressView](t, rec)
	assert.Equal(t, int64(3), view.Own)
	assert.True(t, view.Completed)

	rec = do(t, handler, call{method: http.MethodPost, path: "/api/characters/" + string(id) + "/events",
		body: map[string]any{"type": "goal", "magnitude": 1}, header: player})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{
		PathPrefix:      "/api",
		APIKeys:         []string{"secret"},
		AllowCORSOrigin: "*",
	})

	rec := do(t, handler, call{method: http.MethodGet, path: "/api/characters/alice"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = do(t, handler, call{method: http.MethodGet, path: "/api/characters/alice", header: map[string]string{"Authorization": "Bearer secret"}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 once authorized, got %d", rec.Code)
	}

	rec = do(t, handler, call{method: http.MethodGet, path: "/api/healthz"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open health check, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api", AllowCORSOrigin: "https://lupi.example"})

	rec := do(t, handler, call{method: http.MethodOptions, path: "/api/characters"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://lupi.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), actorHeader)
}

func TestRateLimit(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{
		PathPrefix:       "/api",
		APIKeys:          []string{"k"},
		RateLimitEnabled: true,
		RateLimitRPM:     1,
		RateLimitBurst:   1,
	})
	key := map[string]string{"X-API-Key": "k"}

	rec := do(t, handler, call{method: http.MethodGet, path: "/api/healthz", header: key})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 first request, got %d", rec.Code)
	}
	rec = do(t, handler, call{method: http.MethodGet, path: "/api/healthz", header: key})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestBodyTooLarge(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api", MaxBodyBytes: 16})

	rec := do(t, handler, call{method: http.MethodPost, path: "/api/characters", body: map[string]string{"name": "a name that does not fit"}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
