package sqlx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CMDESIGN8/lupiback/core"
)

type clubRow struct {
	ID                 string `db:"id"`
	Name               string `db:"name"`
	Description        string `db:"description"`
	CreatedBy          string `db:"created_by"`
	MemberCount        int    `db:"member_count"`
	WeeklyContribution int64  `db:"weekly_contribution"`
	TotalContribution  int64  `db:"total_contribution"`
	CreatedAt          int64  `db:"created_at"`
}

func (r clubRow) club() core.Club {
	return core.Club{
		ID:                 core.ClubID(r.ID),
		Name:               r.Name,
		Description:        r.Description,
		CreatedBy:          core.CharacterID(r.CreatedBy),
		MemberCount:        r.MemberCount,
		WeeklyContribution: r.WeeklyContribution,
		TotalContribution:  r.TotalContribution,
		CreatedAt:          fromMillis(r.CreatedAt),
	}
}

type memberRow struct {
	CharacterID        string        `db:"character_id"`
	ClubID             string        `db:"club_id"`
	Role               string        `db:"role"`
	WeeklyContribution int64         `db:"weekly_contribution"`
	TotalContribution  int64         `db:"total_contribution"`
	LastContributionAt sql.NullInt64 `db:"last_contribution_at"`
	JoinedAt           int64         `db:"joined_at"`
}

func (r memberRow) membership() core.ClubMembership {
	return core.ClubMembership{
		ClubID:             core.ClubID(r.ClubID),
		CharacterID:        core.CharacterID(r.CharacterID),
		Role:               core.ClubRole(r.Role),
		WeeklyContribution: r.WeeklyContribution,
		TotalContribution:  r.TotalContribution,
		LastContributionAt: fromNullMillis(r.LastContributionAt),
		JoinedAt:           fromMillis(r.JoinedAt),
	}
}

const (
	clubColumns   = `id, name, description, created_by, member_count, weekly_contribution, total_contribution, created_at`
	memberColumns = `character_id, club_id, role, weekly_contribution, total_contribution, last_contribution_at, joined_at`
)

func (s *Store) CreateClub(ctx context.Context, club core.Club, owner core.ClubMembership) error {
	return s.inTx(ctx, "create club", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO clubs (`+clubColumns+`) VALUES (?, ?, ?, ?, 1, 0, 0, ?)`),
			club.ID, club.Name, club.Description, club.CreatedBy, toMillis(club.CreatedAt))
		if isDuplicate(err) {
			return fmt.Errorf("%w: club %s exists", core.ErrConflict, club.ID)
		}
		if err != nil {
			return storageErr("create club", err)
		}
		owner.ClubID = club.ID
		return s.insertMember(ctx, tx, owner)
	})
}

func (s *Store) insertMember(ctx context.Context, tx *sqlx.Tx, m core.ClubMembership) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO club_members (`+memberColumns+`) VALUES (?, ?, ?, 0, 0, NULL, ?)`),
		m.CharacterID, m.ClubID, m.Role, toMillis(m.JoinedAt))
	if isDuplicate(err) {
		return fmt.Errorf("%w: character %s already belongs to a club", core.ErrConflict, m.CharacterID)
	}
	if err != nil {
		return storageErr("insert member", err)
	}
	return nil
}

func (s *Store) GetClub(ctx context.Context, id core.ClubID) (core.Club, error) {
	var row clubRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+clubColumns+` FROM clubs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Club{}, fmt.Errorf("%w: club %s", core.ErrNotFound, id)
	}
	if err != nil {
		return core.Club{}, storageErr("get club", err)
	}
	return row.club(), nil
}

func (s *Store) AddMember(ctx context.Context, m core.ClubMembership) error {
	return s.inTx(ctx, "add member", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE clubs SET member_count = member_count + 1 WHERE id = ?`), m.ClubID)
		if err != nil {
			return storageErr("add member", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return storageErr("add member", err)
		} else if n == 0 {
			return fmt.Errorf("%w: club %s", core.ErrNotFound, m.ClubID)
		}
		return s.insertMember(ctx, tx, m)
	})
}

func (s *Store) RemoveMember(ctx context.Context, clubID core.ClubID, characterID core.CharacterID) error {
	return s.inTx(ctx, "remove member", func(tx *sqlx.Tx) error {
		m, err := s.loadMember(ctx, tx, characterID, s.forUpdate())
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return err
		}
		if err != nil || m.ClubID != clubID {
			return fmt.Errorf("%w: membership %s/%s", core.ErrNotFound, clubID, characterID)
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE clubs SET member_count = member_count - 1,
			weekly_contribution = weekly_contribution - ?, total_contribution = total_contribution - ? WHERE id = ?`),
			m.WeeklyContribution, m.TotalContribution, clubID)
		if err != nil {
			return storageErr("remove member", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM club_members WHERE character_id = ?`), characterID); err != nil {
			return storageErr("remove member", err)
		}
		return nil
	})
}

func (s *Store) SetRole(ctx context.Context, clubID core.ClubID, characterID core.CharacterID, role core.ClubRole) (core.ClubMembership, error) {
	var out core.ClubMembership
	err := s.inTx(ctx, "set role", func(tx *sqlx.Tx) error {
		m, err := s.loadMember(ctx, tx, characterID, s.forUpdate())
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return err
		}
		if err != nil || m.ClubID != clubID {
			return fmt.Errorf("%w: membership %s/%s", core.ErrNotFound, clubID, characterID)
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE club_members SET role = ? WHERE character_id = ?`), role, characterID); err != nil {
			return storageErr("set role", err)
		}
		m.Role = role
		out = m
		return nil
	})
	return out, err
}

func (s *Store) GetMembership(ctx context.Context, characterID core.CharacterID) (core.ClubMembership, error) {
	return s.loadMember(ctx, s.db, characterID, "")
}

func (s *Store) loadMember(ctx context.Context, q sqlx.QueryerContext, characterID core.CharacterID, suffix string) (core.ClubMembership, error) {
	var row memberRow
	err := sqlx.GetContext(ctx, q, &row, s.q(`SELECT `+memberColumns+` FROM club_members WHERE character_id = ?`+suffix), characterID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ClubMembership{}, fmt.Errorf("%w: membership for %s", core.ErrNotFound, characterID)
	}
	if err != nil {
		return core.ClubMembership{}, storageErr("get membership", err)
	}
	return row.membership(), nil
}

func (s *Store) ListMembers(ctx context.Context, clubID core.ClubID) ([]core.ClubMembership, error) {
	var rows []memberRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+memberColumns+` FROM club_members WHERE club_id = ? ORDER BY character_id`), clubID)
	if err != nil {
		return nil, storageErr("list members", err)
	}
	out := make([]core.ClubMembership, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.membership())
	}
	return out, nil
}

func (s *Store) AddContribution(ctx context.Context, clubID core.ClubID, characterID core.CharacterID, amount int64, at time.Time) (core.ClubMembership, error) {
	var out core.ClubMembership
	err := s.inTx(ctx, "add contribution", func(tx *sqlx.Tx) error {
		m, err := s.loadMember(ctx, tx, characterID, s.forUpdate())
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return err
		}
		if err != nil || m.ClubID != clubID {
			return fmt.Errorf("%w: membership %s/%s", core.ErrNotFound, clubID, characterID)
		}
		if m.WeeklyContribution, err = core.AddSafe(m.WeeklyContribution, amount); err != nil {
			return fmt.Errorf("%w: %v", core.ErrValidation, err)
		}
		if m.TotalContribution, err = core.AddSafe(m.TotalContribution, amount); err != nil {
			return fmt.Errorf("%w: %v", core.ErrValidation, err)
		}
		at = at.UTC()
		m.LastContributionAt = &at

		_, err = tx.ExecContext(ctx, s.q(`UPDATE club_members SET weekly_contribution = ?, total_contribution = ?, last_contribution_at = ? WHERE character_id = ?`),
			m.WeeklyContribution, m.TotalContribution, nullMillis(m.LastContributionAt), characterID)
		if err != nil {
			return storageErr("add contribution", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE clubs SET weekly_contribution = weekly_contribution + ?, total_contribution = total_contribution + ? WHERE id = ?`),
			amount, amount, clubID)
		if err != nil {
			return storageErr("add contribution", err)
		}
		out = m
		return nil
	})
	return out, err
}

func (s *Store) ResetWeeklyContributions(ctx context.Context) (int64, error) {
	var n int64
	err := s.inTx(ctx, "reset weekly contributions", func(tx *sqlx.Tx) error {
		// RowsAffected skips unchanged rows on MySQL, so count members up front
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM club_members`); err != nil {
			return storageErr("reset weekly contributions", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE club_members SET weekly_contribution = 0`); err != nil {
			return storageErr("reset weekly contributions", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE clubs SET weekly_contribution = 0`); err != nil {
			return storageErr("reset weekly contributions", err)
		}
		return nil
	})
	return n, err
}
