package v1

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/kbot/ai/memory"
	"github.com/hrygo/kbot/store"
)

// ScopeInfo summarizes one context scope.
type ScopeInfo struct {
	Scope    string `json:"scope"`
	Users    int    `json:"users"`
	MaxPairs int    `json:"max_pairs"`
	Enabled  bool   `json:"context_enabled"`
}

// PendingUser is a user with units waiting in the aggregator.
type PendingUser struct {
	UserID string `json:"user_id"`
	Units  int    `json:"units"`
}

// ArchivedPair is the JSON form of an archived history pair.
type ArchivedPair struct {
	ID        int64  `json:"id"`
	Scope     string `json:"scope"`
	UserID    string `json:"user_id"`
	RecordID  string `json:"record_id"`
	User      string `json:"user"`
	AI        string `json:"ai"`
	EvictedAt int64  `json:"evicted_at"`
}

const defaultArchiveLimit = 100

// contextStore resolves the :scope path parameter.
func (s *APIV1Service) contextStore(c echo.Context) (*memory.ContextStore, error) {
	scope := c.Param("scope")
	cs, ok := s.Bot.Contexts().Lookup(scope)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("scope %q not found", scope))
	}
	return cs, nil
}

// userParam returns the unescaped :user path parameter.
func userParam(c echo.Context) (string, error) {
	userID, err := url.PathUnescape(c.Param("user"))
	if err != nil || userID == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	return userID, nil
}

func (s *APIV1Service) ListScopes(c echo.Context) error {
	scopes := []ScopeInfo{}
	for _, key := range s.Bot.Contexts().Keys() {
		cs, ok := s.Bot.Contexts().Lookup(key)
		if !ok {
			continue
		}
		cfg := cs.Config()
		scopes = append(scopes, ScopeInfo{
			Scope:    key,
			Users:    len(cs.Users()),
			MaxPairs: cfg.MaxPairs,
			Enabled:  cfg.EnableContext,
		})
	}
	return c.JSON(http.StatusOK, scopes)
}

func (s *APIV1Service) ListUsers(c echo.Context) error {
	cs, err := s.contextStore(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cs.Users())
}

func (s *APIV1Service) GetHistory(c echo.Context) error {
	cs, err := s.contextStore(c)
	if err != nil {
		return err
	}
	userID, err := userParam(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cs.History(userID))
}

// SearchRecords returns the user's records matching ?pattern=. An empty
// pattern matches every record; an invalid one matches none.
func (s *APIV1Service) SearchRecords(c echo.Context) error {
	cs, err := s.contextStore(c)
	if err != nil {
		return err
	}
	userID, err := userParam(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cs.Search(userID, c.QueryParam("pattern")))
}

func (s *APIV1Service) GetRecord(c echo.Context) error {
	cs, err := s.contextStore(c)
	if err != nil {
		return err
	}
	userID, err := userParam(c)
	if err != nil {
		return err
	}
	rec, ok := cs.GetRecord(userID, c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *APIV1Service) SearchAllRecords(c echo.Context) error {
	cs, err := s.contextStore(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cs.SearchAll(c.QueryParam("pattern")))
}

func (s *APIV1Service) ClearUser(c echo.Context) error {
	cs, err := s.contextStore(c)
	if err != nil {
		return err
	}
	userID, err := userParam(c)
	if err != nil {
		return err
	}
	cs.Clear(userID)
	return c.NoContent(http.StatusNoContent)
}

func (s *APIV1Service) ClearScope(c echo.Context) error {
	cs, err := s.contextStore(c)
	if err != nil {
		return err
	}
	cs.ClearAll()
	return c.NoContent(http.StatusNoContent)
}

// ListArchive lists archived pairs of a scope, optionally filtered by
// ?user= and capped by ?limit=.
func (s *APIV1Service) ListArchive(c echo.Context) error {
	if s.Store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "archive is disabled")
	}
	if _, err := s.contextStore(c); err != nil {
		return err
	}

	scope := c.Param("scope")
	find := &store.FindArchivedPair{Scope: &scope, Limit: defaultArchiveLimit}
	if user := c.QueryParam("user"); user != "" {
		find.UserID = &user
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		find.Limit = limit
	}

	rows, err := s.Store.ListArchivedPairs(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list archive").SetInternal(err)
	}

	out := make([]ArchivedPair, 0, len(rows))
	for _, r := range rows {
		out = append(out, ArchivedPair{
			ID:        r.ID,
			Scope:     r.Scope,
			UserID:    r.UserID,
			RecordID:  r.RecordID,
			User:      r.UserText,
			AI:        r.AIText,
			EvictedAt: r.EvictedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIV1Service) ListPending(c echo.Context) error {
	agg := s.Bot.Aggregator()
	pending := []PendingUser{}
	for _, userID := range agg.Users() {
		if n := len(agg.Pending(userID)); n > 0 {
			pending = append(pending, PendingUser{UserID: userID, Units: n})
		}
	}
	return c.JSON(http.StatusOK, pending)
}
