package redis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMDESIGN8/lupiback/adapters/storagetest"
	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
)

// newTestClient spins up a miniredis server and returns a client plus the server.
func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) engine.Storage {
		client, _ := newTestClient(t)
		return NewWithClient(client)
	})
}

func TestStoreKeyLayout(t *testing.T) {
	client, mr := newTestClient(t)
	store := newStore(client, Config{KeyPrefix: "test"})
	ctx := context.Background()

	storagetest.Seed(t, store, "c1", 100)
	assert.True(t, mr.Exists("test:char:c1"))
	assert.True(t, mr.Exists("test:wallet:c1"))

	_, _, err := store.Settle(ctx, "ev-1", "c1", func(c core.Character, w core.Wallet) (core.Character, core.Wallet, core.SettlementRecord, error) {
		return c, w, core.SettlementRecord{EventID: "ev-1", CharacterID: c.ID}, nil
	})
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:settlement:ev-1"))

	club := core.Club{ID: "k1", Name: "K", CreatedBy: "c1", CreatedAt: time.Unix(1700000000, 0)}
	require.NoError(t, store.CreateClub(ctx, club, core.ClubMembership{ClubID: "k1", CharacterID: "c1", Role: core.RoleOwner, JoinedAt: club.CreatedAt}))
	assert.Equal(t, "k1", mr.HGet("test:member:c1", "club_id"))
	ok, err := mr.SIsMember("test:club:k1:members", "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreDecodesLegacyMembership(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewWithClient(client)

	mr.HSet("lupi:member:old", "club_id", "k", "role", "member", "weekly", "3", "total", "9", "last_at", "", "joined_at", "1700000000000")
	m, err := store.GetMembership(context.Background(), "old")
	require.NoError(t, err)
	assert.Nil(t, m.LastContributionAt)
	assert.Equal(t, int64(9), m.TotalContribution)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), m.JoinedAt)

	mr.HSet("lupi:member:bad", "club_id", "k", "weekly", "x")
	_, err = store.GetMembership(context.Background(), "bad")
	require.ErrorIs(t, err, core.ErrStorage)
}

func TestScriptErrMapping(t *testing.T) {
	assert.ErrorIs(t, scriptErr("op", errors.New("NOT_FOUND club x")), core.ErrNotFound)
	assert.ErrorIs(t, scriptErr("op", errors.New("CONFLICT club x exists")), core.ErrConflict)
	assert.ErrorIs(t, scriptErr("op", errors.New("connection refused")), core.ErrStorage)
}

func TestStoreUnavailable(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewWithClient(client)
	mr.Close()

	_, err := store.GetCharacter(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err))
	assert.Error(t, store.Ping(context.Background()))
}

func TestResetWeeklyWithHashTaggedPrefix(t *testing.T) {
	client, mr := newTestClient(t)
	store := newStore(client, Config{KeyPrefix: "{lupi}"})
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	club := core.Club{ID: "k1", Name: "K", CreatedBy: "c1", CreatedAt: at}
	require.NoError(t, store.CreateClub(ctx, club, core.ClubMembership{ClubID: "k1", CharacterID: "c1", Role: core.RoleOwner, JoinedAt: at}))
	require.NoError(t, store.AddMember(ctx, core.ClubMembership{ClubID: "k1", CharacterID: "c2", Role: core.RoleMember, JoinedAt: at}))
	_, err := store.AddContribution(ctx, "k1", "c1", 7, at)
	require.NoError(t, err)
	_, err = store.AddContribution(ctx, "k1", "c2", 5, at)
	require.NoError(t, err)

	n, err := store.ResetWeeklyContributions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []core.CharacterID{"c1", "c2"} {
		m, err := store.GetMembership(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, m.WeeklyContribution)
		assert.Positive(t, m.TotalContribution)
	}
	assert.Equal(t, "0", mr.HGet("{lupi}:club:k1", "weekly"))
	assert.Equal(t, "12", mr.HGet("{lupi}:club:k1", "total"))
	for _, key := range mr.Keys() {
		assert.True(t, strings.HasPrefix(key, "{lupi}:"), key)
	}
}
