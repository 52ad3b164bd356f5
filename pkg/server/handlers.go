package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Flissel/Vibemind-sub000/pkg/api"
	"github.com/Flissel/Vibemind-sub000/pkg/bridge"
	"github.com/Flissel/Vibemind-sub000/pkg/version"
)

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, api.HealthResponse{
		Status:  "ok",
		Version: version.Version,
	})
}

func (s *Server) listTools(c echo.Context) error {
	return c.JSON(http.StatusOK, api.FromTools(s.manager.Tools()))
}

func (s *Server) createSession(c echo.Context) error {
	var req api.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Tool == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tool is required")
	}

	sess, err := s.manager.Create(c.Request().Context(), req.Tool, req.Metadata)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, api.FromSession(sess))
}

func (s *Server) listSessions(c echo.Context) error {
	sessions, err := s.manager.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, api.FromSessions(sessions))
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, api.FromSession(sess))
}

// startSession spawns the session's process. The response reports the
// session as starting; the move to running happens once the tool
// announces itself.
func (s *Server) startSession(c echo.Context) error {
	sess, err := s.manager.Start(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, api.FromSession(sess))
}

func (s *Server) stopSession(c echo.Context) error {
	result, err := s.manager.Stop(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, api.StopResponse{Result: string(result)})
}

func (s *Server) deleteSession(c echo.Context) error {
	if err := s.manager.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) sessionEvents(c echo.Context) error {
	since, err := sinceParam(c)
	if err != nil {
		return err
	}

	events, err := s.manager.Events(c.Request().Context(), c.Param("id"), since)
	if err != nil {
		return httpError(err)
	}

	resp := api.EventsResponse{Events: events}
	if resp.Events == nil {
		resp.Events = []bridge.Event{}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) sessionOutput(c echo.Context) error {
	lines, err := s.manager.Output(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if lines == nil {
		lines = []string{}
	}
	return c.JSON(http.StatusOK, api.OutputResponse{Lines: lines})
}

func sinceParam(c echo.Context) (int64, error) {
	raw := c.QueryParam("since")
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "since must be a non-negative integer")
	}
	return since, nil
}
