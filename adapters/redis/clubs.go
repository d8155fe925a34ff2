package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CMDESIGN8/lupiback/core"
)

// Club and membership counters live in hashes so every single-club mutation
// below runs as one Lua script that touches only the keys it is given.

var createClubScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return redis.error_reply('CONFLICT club ' .. ARGV[1] .. ' exists')
	end
	if redis.call('EXISTS', KEYS[2]) == 1 then
		return redis.error_reply('CONFLICT character ' .. ARGV[6] .. ' already belongs to a club')
	end
	redis.call('HSET', KEYS[1], 'name', ARGV[2], 'description', ARGV[3], 'created_by', ARGV[4],
		'created_at', ARGV[5], 'member_count', 1, 'weekly', 0, 'total', 0)
	redis.call('HSET', KEYS[2], 'club_id', ARGV[1], 'role', ARGV[7], 'weekly', 0, 'total', 0,
		'last_at', '', 'joined_at', ARGV[8])
	redis.call('SADD', KEYS[3], ARGV[6])
	redis.call('SADD', KEYS[4], ARGV[1])
	redis.call('SADD', KEYS[5], ARGV[6])
	return 1
`)

var addMemberScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return redis.error_reply('NOT_FOUND club ' .. ARGV[1])
	end
	if redis.call('EXISTS', KEYS[2]) == 1 then
		return redis.error_reply('CONFLICT character ' .. ARGV[2] .. ' already belongs to a club')
	end
	redis.call('HSET', KEYS[2], 'club_id', ARGV[1], 'role', ARGV[3], 'weekly', 0, 'total', 0,
		'last_at', '', 'joined_at', ARGV[4])
	redis.call('SADD', KEYS[3], ARGV[2])
	redis.call('SADD', KEYS[4], ARGV[2])
	redis.call('HINCRBY', KEYS[1], 'member_count', 1)
	return 1
`)

var removeMemberScript = redis.NewScript(`
	if redis.call('HGET', KEYS[2], 'club_id') ~= ARGV[1] then
		return redis.error_reply('NOT_FOUND membership ' .. ARGV[1] .. '/' .. ARGV[2])
	end
	local weekly = tonumber(redis.call('HGET', KEYS[2], 'weekly') or '0')
	local total = tonumber(redis.call('HGET', KEYS[2], 'total') or '0')
	redis.call('HINCRBY', KEYS[1], 'weekly', 0 - weekly)
	redis.call('HINCRBY', KEYS[1], 'total', 0 - total)
	redis.call('HINCRBY', KEYS[1], 'member_count', -1)
	redis.call('DEL', KEYS[2])
	redis.call('SREM', KEYS[3], ARGV[2])
	redis.call('SREM', KEYS[4], ARGV[2])
	return 1
`)

var setRoleScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'club_id') ~= ARGV[1] then
		return redis.error_reply('NOT_FOUND membership ' .. ARGV[1] .. '/' .. ARGV[2])
	end
	redis.call('HSET', KEYS[1], 'role', ARGV[3])
	return redis.call('HGETALL', KEYS[1])
`)

var addContributionScript = redis.NewScript(`
	if redis.call('HGET', KEYS[2], 'club_id') ~= ARGV[1] then
		return redis.error_reply('NOT_FOUND membership ' .. ARGV[1] .. '/' .. ARGV[2])
	end
	redis.call('HINCRBY', KEYS[2], 'weekly', ARGV[3])
	redis.call('HINCRBY', KEYS[2], 'total', ARGV[3])
	redis.call('HSET', KEYS[2], 'last_at', ARGV[4])
	redis.call('HINCRBY', KEYS[1], 'weekly', ARGV[3])
	redis.call('HINCRBY', KEYS[1], 'total', ARGV[3])
	return redis.call('HGETALL', KEYS[2])
`)

func (s *Store) clubKey(id core.ClubID) string        { return s.key("club", string(id)) }
func (s *Store) clubMembersKey(id core.ClubID) string { return s.key("club", string(id), "members") }
func (s *Store) memberKey(id core.CharacterID) string { return s.key("member", string(id)) }
func (s *Store) allClubsKey() string                  { return s.key("clubs") }
func (s *Store) allMembersKey() string                { return s.key("members") }

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func fromMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *Store) CreateClub(ctx context.Context, club core.Club, owner core.ClubMembership) error {
	keys := []string{s.clubKey(club.ID), s.memberKey(owner.CharacterID), s.clubMembersKey(club.ID), s.allClubsKey(), s.allMembersKey()}
	err := createClubScript.Run(ctx, s.client, keys,
		string(club.ID), club.Name, club.Description, string(club.CreatedBy), millis(club.CreatedAt),
		string(owner.CharacterID), string(owner.Role), millis(owner.JoinedAt)).Err()
	if err != nil {
		return scriptErr("create club", err)
	}
	return nil
}

func (s *Store) GetClub(ctx context.Context, id core.ClubID) (core.Club, error) {
	h, err := s.client.HGetAll(ctx, s.clubKey(id)).Result()
	if err != nil {
		return core.Club{}, storageErr("get club", err)
	}
	if len(h) == 0 {
		return core.Club{}, fmt.Errorf("%w: club %s", core.ErrNotFound, id)
	}
	return clubFromHash(id, h)
}

func (s *Store) AddMember(ctx context.Context, m core.ClubMembership) error {
	keys := []string{s.clubKey(m.ClubID), s.memberKey(m.CharacterID), s.clubMembersKey(m.ClubID), s.allMembersKey()}
	err := addMemberScript.Run(ctx, s.client, keys, string(m.ClubID), string(m.CharacterID), string(m.Role), millis(m.JoinedAt)).Err()
	if err != nil {
		return scriptErr("add member", err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, clubID core.ClubID, characterID core.CharacterID) error {
	keys := []string{s.clubKey(clubID), s.memberKey(characterID), s.clubMembersKey(clubID), s.allMembersKey()}
	if err := removeMemberScript.Run(ctx, s.client, keys, string(clubID), string(characterID)).Err(); err != nil {
		return scriptErr("remove member", err)
	}
	return nil
}

func (s *Store) SetRole(ctx context.Context, clubID core.ClubID, characterID core.CharacterID, role core.ClubRole) (core.ClubMembership, error) {
	res, err := setRoleScript.Run(ctx, s.client, []string{s.memberKey(characterID)}, string(clubID), string(characterID), string(role)).StringSlice()
	if err != nil {
		return core.ClubMembership{}, scriptErr("set role", err)
	}
	return membershipFromHash(characterID, pairs(res))
}

func (s *Store) GetMembership(ctx context.Context, characterID core.CharacterID) (core.ClubMembership, error) {
	h, err := s.client.HGetAll(ctx, s.memberKey(characterID)).Result()
	if err != nil {
		return core.ClubMembership{}, storageErr("get membership", err)
	}
	if len(h) == 0 {
		return core.ClubMembership{}, fmt.Errorf("%w: membership for %s", core.ErrNotFound, characterID)
	}
	return membershipFromHash(characterID, h)
}

func (s *Store) ListMembers(ctx context.Context, clubID core.ClubID) ([]core.ClubMembership, error) {
	ids, err := s.client.SMembers(ctx, s.clubMembersKey(clubID)).Result()
	if err != nil {
		return nil, storageErr("list members", err)
	}
	sort.Strings(ids)
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.memberKey(core.CharacterID(id)))
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list members", err)
	}
	out := make([]core.ClubMembership, 0, len(ids))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		m, err := membershipFromHash(core.CharacterID(ids[i]), h)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) AddContribution(ctx context.Context, clubID core.ClubID, characterID core.CharacterID, amount int64, at time.Time) (core.ClubMembership, error) {
	keys := []string{s.clubKey(clubID), s.memberKey(characterID)}
	res, err := addContributionScript.Run(ctx, s.client, keys, string(clubID), string(characterID), amount, millis(at)).StringSlice()
	if err != nil {
		return core.ClubMembership{}, scriptErr("add contribution", err)
	}
	return membershipFromHash(characterID, pairs(res))
}

// ResetWeeklyContributions overwrites every weekly counter in one MULTI.
// Counters are set to zero, never decremented, so the reset cannot race an
// increment into a negative or stale value. The member and club index sets are
// watched, so a join or leave during the read restarts the reset; every hash
// it writes is named explicitly as a command key.
func (s *Store) ResetWeeklyContributions(ctx context.Context) (int64, error) {
	membersKey, clubsKey := s.allMembersKey(), s.allClubsKey()
	var n int64
	err := s.retryTx(ctx, "reset weekly contributions", func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, membersKey).Result()
		if err != nil {
			return storageErr("reset weekly contributions", err)
		}
		clubs, err := tx.SMembers(ctx, clubsKey).Result()
		if err != nil {
			return storageErr("reset weekly contributions", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range members {
				pipe.HSet(ctx, s.memberKey(core.CharacterID(id)), "weekly", 0)
			}
			for _, id := range clubs {
				pipe.HSet(ctx, s.clubKey(core.ClubID(id)), "weekly", 0)
			}
			return nil
		})
		n = int64(len(members))
		return err
	}, membersKey, clubsKey)
	if err != nil && !errors.Is(err, core.ErrStorage) {
		err = storageErr("reset weekly contributions", err)
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func pairs(flat []string) map[string]string {
	h := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		h[flat[i]] = flat[i+1]
	}
	return h
}

func clubFromHash(id core.ClubID, h map[string]string) (core.Club, error) {
	c := core.Club{
		ID:          id,
		Name:        h["name"],
		Description: h["description"],
		CreatedBy:   core.CharacterID(h["created_by"]),
	}
	var err error
	if c.CreatedAt, err = fromMillis(h["created_at"]); err != nil {
		return core.Club{}, storageErr("decode club", err)
	}
	count, err := strconv.Atoi(h["member_count"])
	if err != nil {
		return core.Club{}, storageErr("decode club", err)
	}
	c.MemberCount = count
	if c.WeeklyContribution, err = strconv.ParseInt(h["weekly"], 10, 64); err != nil {
		return core.Club{}, storageErr("decode club", err)
	}
	if c.TotalContribution, err = strconv.ParseInt(h["total"], 10, 64); err != nil {
		return core.Club{}, storageErr("decode club", err)
	}
	return c, nil
}

func membershipFromHash(id core.CharacterID, h map[string]string) (core.ClubMembership, error) {
	m := core.ClubMembership{
		ClubID:      core.ClubID(h["club_id"]),
		CharacterID: id,
		Role:        core.ClubRole(h["role"]),
	}
	var err error
	if m.WeeklyContribution, err = strconv.ParseInt(h["weekly"], 10, 64); err != nil {
		return core.ClubMembership{}, storageErr("decode membership", err)
	}
	if m.TotalContribution, err = strconv.ParseInt(h["total"], 10, 64); err != nil {
		return core.ClubMembership{}, storageErr("decode membership", err)
	}
	if m.JoinedAt, err = fromMillis(h["joined_at"]); err != nil {
		return core.ClubMembership{}, storageErr("decode membership", err)
	}
	if v := h["last_at"]; v != "" {
		at, err := fromMillis(v)
		if err != nil {
			return core.ClubMembership{}, storageErr("decode membership", err)
		}
		m.LastContributionAt = &at
	}
	return m, nil
}
