package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CMDESIGN8/lupiback/core"
)

type missionRow struct {
	ID                string        `db:"id"`
	ClubID            string        `db:"club_id"`
	Title             string        `db:"title"`
	EventType         string        `db:"event_type"`
	TargetValue       int64         `db:"target_value"`
	RewardExp         int64         `db:"reward_exp"`
	RewardCoins       int64         `db:"reward_coins"`
	RewardSkillPoints int           `db:"reward_skill_points"`
	Scope             string        `db:"scope"`
	PerMember         bool          `db:"per_member"`
	Status            string        `db:"status"`
	Deadline          sql.NullInt64 `db:"deadline"`
	CompletedAt       sql.NullInt64 `db:"completed_at"`
	CompletedBy       string        `db:"completed_by"`
	CreatedAt         int64         `db:"created_at"`
}

func (r missionRow) mission() core.Mission {
	return core.Mission{
		ID:                core.MissionID(r.ID),
		ClubID:            core.ClubID(r.ClubID),
		Title:             r.Title,
		Type:              r.EventType,
		TargetValue:       r.TargetValue,
		RewardExp:         r.RewardExp,
		RewardCoins:       r.RewardCoins,
		RewardSkillPoints: r.RewardSkillPoints,
		Scope:             core.MissionScope(r.Scope),
		PerMember:         r.PerMember,
		Status:            core.MissionStatus(r.Status),
		Deadline:          fromNullMillis(r.Deadline),
		CompletedAt:       fromNullMillis(r.CompletedAt),
		CompletedBy:       core.CharacterID(r.CompletedBy),
		CreatedAt:         fromMillis(r.CreatedAt),
	}
}

type progressRow struct {
	MissionID     string         `db:"mission_id"`
	CharacterID   string         `db:"character_id"`
	ProgressValue int64          `db:"progress_value"`
	CompletedAt   sql.NullInt64  `db:"completed_at"`
	UpdatedAt     int64          `db:"updated_at"`
	AppliedEvents sql.NullString `db:"applied_events"`
}

func (r progressRow) progress() (core.MissionProgress, error) {
	p := core.MissionProgress{
		MissionID:     core.MissionID(r.MissionID),
		CharacterID:   core.CharacterID(r.CharacterID),
		ProgressValue: r.ProgressValue,
		CompletedAt:   fromNullMillis(r.CompletedAt),
		UpdatedAt:     fromMillis(r.UpdatedAt),
	}
	if r.AppliedEvents.Valid && r.AppliedEvents.String != "" {
		if err := json.Unmarshal([]byte(r.AppliedEvents.String), &p.AppliedEvents); err != nil {
			return core.MissionProgress{}, storageErr("decode applied events", err)
		}
	}
	return p, nil
}

// appliedEventsJSON stores an empty list as NULL.
func appliedEventsJSON(ids []core.EventID) sql.NullString {
	if len(ids) == 0 {
		return sql.NullString{}
	}
	data, _ := json.Marshal(ids)
	return sql.NullString{String: string(data), Valid: true}
}

const (
	missionColumns = `id, club_id, title, event_type, target_value, reward_exp, reward_coins, reward_skill_points,
		scope, per_member, status, deadline, completed_at, completed_by, created_at`
	progressColumns = `mission_id, character_id, progress_value, completed_at, updated_at, applied_events`
)

// progressInsertAttempts bounds retries when two writers create the same progress row.
const progressInsertAttempts = 3

func (s *Store) CreateMission(ctx context.Context, m core.Mission) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO missions (`+missionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ClubID, m.Title, m.Type, m.TargetValue, m.RewardExp, m.RewardCoins, m.RewardSkillPoints,
		m.Scope, m.PerMember, m.Status, nullMillis(m.Deadline), nullMillis(m.CompletedAt), m.CompletedBy, toMillis(m.CreatedAt))
	if isDuplicate(err) {
		return fmt.Errorf("%w: mission %s exists", core.ErrConflict, m.ID)
	}
	if err != nil {
		return storageErr("create mission", err)
	}
	return nil
}

func (s *Store) GetMission(ctx context.Context, id core.MissionID) (core.Mission, error) {
	var row missionRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+missionColumns+` FROM missions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Mission{}, fmt.Errorf("%w: mission %s", core.ErrNotFound, id)
	}
	if err != nil {
		return core.Mission{}, storageErr("get mission", err)
	}
	return row.mission(), nil
}

func (s *Store) ListMissionsByType(ctx context.Context, eventType string) ([]core.Mission, error) {
	var rows []missionRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+missionColumns+` FROM missions WHERE event_type = ? ORDER BY id`), eventType)
	if err != nil {
		return nil, storageErr("list missions", err)
	}
	out := make([]core.Mission, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.mission())
	}
	return out, nil
}

func (s *Store) GetProgress(ctx context.Context, missionID core.MissionID, characterID core.CharacterID) (core.MissionProgress, error) {
	return s.loadProgress(ctx, s.db, missionID, characterID, "")
}

func (s *Store) loadProgress(ctx context.Context, q sqlx.QueryerContext, missionID core.MissionID, characterID core.CharacterID, suffix string) (core.MissionProgress, error) {
	var row progressRow
	err := sqlx.GetContext(ctx, q, &row, s.q(`SELECT `+progressColumns+` FROM mission_progress WHERE mission_id = ? AND character_id = ?`+suffix), missionID, characterID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.MissionProgress{}, fmt.Errorf("%w: progress %s/%s", core.ErrNotFound, missionID, characterID)
	}
	if err != nil {
		return core.MissionProgress{}, storageErr("get progress", err)
	}
	return row.progress()
}

func (s *Store) UpdateMissionProgress(ctx context.Context, missionID core.MissionID, characterID core.CharacterID, fn func(*core.MissionProgress) error) (core.MissionProgress, error) {
	for attempt := 1; ; attempt++ {
		out, err := s.updateProgressOnce(ctx, missionID, characterID, fn)
		if isDuplicate(err) && attempt < progressInsertAttempts {
			continue
		}
		if isDuplicate(err) {
			return core.MissionProgress{}, storageErr("update progress", err)
		}
		return out, err
	}
}

func (s *Store) updateProgressOnce(ctx context.Context, missionID core.MissionID, characterID core.CharacterID, fn func(*core.MissionProgress) error) (core.MissionProgress, error) {
	var out core.MissionProgress
	err := s.inTx(ctx, "update progress", func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists, s.q(`SELECT COUNT(*) FROM missions WHERE id = ?`), missionID)
		if err != nil {
			return storageErr("update progress", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: mission %s", core.ErrNotFound, missionID)
		}

		p, err := s.loadProgress(ctx, tx, missionID, characterID, s.forUpdate())
		fresh := errors.Is(err, core.ErrNotFound)
		if err != nil && !fresh {
			return err
		}
		if fresh {
			p = core.MissionProgress{MissionID: missionID, CharacterID: characterID}
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.MissionID, p.CharacterID = missionID, characterID
		out = p

		if fresh {
			_, err = tx.ExecContext(ctx, s.q(`INSERT INTO mission_progress (`+progressColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
				missionID, characterID, p.ProgressValue, nullMillis(p.CompletedAt), toMillis(p.UpdatedAt), appliedEventsJSON(p.AppliedEvents))
			if isDuplicate(err) {
				// returned raw so the caller retries against the winner's row
				return err
			}
		} else {
			_, err = tx.ExecContext(ctx, s.q(`UPDATE mission_progress SET progress_value = ?, completed_at = ?, updated_at = ?, applied_events = ? WHERE mission_id = ? AND character_id = ?`),
				p.ProgressValue, nullMillis(p.CompletedAt), toMillis(p.UpdatedAt), appliedEventsJSON(p.AppliedEvents), missionID, characterID)
		}
		if err != nil {
			return storageErr("update progress", err)
		}
		return nil
	})
	return out, err
}

func (s *Store) SumMissionProgress(ctx context.Context, missionID core.MissionID) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, s.q(`SELECT COALESCE(SUM(progress_value), 0) FROM mission_progress WHERE mission_id = ?`), missionID)
	if err != nil {
		return 0, storageErr("sum progress", err)
	}
	return total, nil
}

func (s *Store) CompleteMission(ctx context.Context, id core.MissionID, by core.CharacterID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE missions SET status = ?, completed_by = ?, completed_at = ? WHERE id = ? AND status = ?`),
		core.MissionCompleted, by, toMillis(at), id, core.MissionActive)
	if err != nil {
		return false, storageErr("complete mission", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("complete mission", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetMission(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
