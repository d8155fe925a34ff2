package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/CMDESIGN8/lupiback/core"
)

// Character is a character together with its level progress. Wallet is only
// set on creation.
type Character struct {
	Character core.Character `json:"character"`
	Wallet    *core.Wallet   `json:"wallet,omitempty"`
	Progress  LevelProgress  `json:"progress"`
}

// LevelProgress describes how far a character is from its next level.
type LevelProgress struct {
	Level            int   `json:"level"`
	Experience       int64 `json:"experience"`
	NextLevelAt      int64 `json:"next_level_at,omitempty"`
	ExperienceToNext int64 `json:"experience_to_next"`
	MaxLevel         bool  `json:"max_level"`
}

// Outcome reports a finished match.
type Outcome struct {
	EventID       string `json:"event_id"`
	Kind          string `json:"kind"`
	OpponentLevel int    `json:"opponent_level"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks"`
}

// APIError is a non-2xx response. errors.Is matches it against the core
// error sentinels by its code.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lupiback: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "not_found":
		return core.ErrNotFound
	case "conflict":
		return core.ErrConflict
	case "invalid_state":
		return core.ErrInvalidState
	case "validation", "invalid_body":
		return core.ErrValidation
	case "unavailable":
		return core.ErrStorage
	}
	return nil
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if target == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyID is returned when a required identifier is empty.
var ErrEmptyID = errors.New("id is required")
