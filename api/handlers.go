package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		panic("Logger is not initialized")
	}
	e.POST("/api/boards/:boardId/cards/:cardId/move", moveCard(d))
	e.POST("/api/boards/:boardId/lists/:listId/move", moveList(d))
	e.POST("/api/boards/:boardId/lists/reindex", reindexList(d))
	e.POST("/api/boards/:boardId/lists/:listId/reindex", reindexList(d))
	e.GET("/api/boards/:boardId/activity", getActivity(d))
	e.GET("/api/boards/:boardId/snapshot", getSnapshot(d))
	e.GET("/api/boards/:boardId/stream", streamBoard(d))
	e.POST("/internal/boards/:boardId/events", ingestEvent(d))
	e.GET("/healthz", healthz(d))
}

func healthz(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := healthResponse{Status: "ok", Rooms: d.Rooms.Rooms()}
		if d.Health != nil {
			if err := d.Health(c.Request().Context()); err != nil {
				resp.Status = "degraded"
				resp.Error = err.Error()
				return c.JSON(http.StatusServiceUnavailable, resp)
			}
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func moveCard(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newMoveRequestMetrics(c.Request().Context(), d.Logger, "/api/boards/:boardId/cards/:cardId/move")
		c.SetRequest(c.Request().WithContext(ctx))
		var moveErr error
		defer func() {
			if moveErr != nil {
				metrics.Log(c.Response().Status, moveErr)
				return
			}
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := d.Auth.UserIDFromAuthHeader(authHeader(c.Request(), false))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		decodeStart := time.Now()
		var body moveCardRequest
		decodeErr := decodeBody(c, moveBodyMaxSize, &body)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		dedupKey := strings.TrimSpace(body.IdempotencyKey)
		if dedupKey != "" && d.Deduper != nil {
			added, dedupErr := d.Deduper.Add(ctx, userID, dedupKey)
			switch {
			case dedupErr != nil:
				d.Logger.WithError(dedupErr).Warn("idempotency check unavailable; processing move")
				dedupKey = ""
			case !added:
				metrics.SetDuplicate(true)
				metrics.SetErrorStage("duplicate")
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate"})
			}
		} else {
			dedupKey = ""
		}

		commitStart := time.Now()
		res, moveErr := d.Service.MoveCard(ctx, domain.MoveIntent{
			BoardID:        c.Param("boardId"),
			CardID:         c.Param("cardId"),
			TargetListID:   body.TargetListID,
			PrevCardID:     body.PrevCardID,
			NextCardID:     body.NextCardID,
			Index:          body.Index,
			UserID:         userID,
			IdempotencyKey: dedupKey,
		})
		metrics.ObserveCommit(time.Since(commitStart))
		if moveErr != nil {
			if dedupKey != "" {
				if rmErr := d.Deduper.Remove(ctx, userID, dedupKey); rmErr != nil {
					d.Logger.WithError(rmErr).Warn("failed to release idempotency key")
				}
			}
			metrics.SetErrorStage("coordinator")
			return writeError(c, d.Logger, moveErr)
		}
		metrics.SetReindexed(res.Reindexed)
		return c.JSON(http.StatusOK, res)
	}
}

func moveList(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newMoveRequestMetrics(c.Request().Context(), d.Logger, "/api/boards/:boardId/lists/:listId/move")
		c.SetRequest(c.Request().WithContext(ctx))
		var moveErr error
		defer func() {
			if moveErr != nil {
				metrics.Log(c.Response().Status, moveErr)
				return
			}
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := d.Auth.UserIDFromAuthHeader(authHeader(c.Request(), false))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}

		var body moveListRequest
		if decodeErr := decodeBody(c, moveBodyMaxSize, &body); decodeErr != nil {
			metrics.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		commitStart := time.Now()
		res, moveErr := d.Service.MoveList(ctx, domain.ListMoveIntent{
			BoardID:    c.Param("boardId"),
			ListID:     c.Param("listId"),
			PrevListID: body.PrevListID,
			NextListID: body.NextListID,
			Index:      body.Index,
			UserID:     userID,
		})
		metrics.ObserveCommit(time.Since(commitStart))
		if moveErr != nil {
			metrics.SetErrorStage("coordinator")
			return writeError(c, d.Logger, moveErr)
		}
		metrics.SetReindexed(res.Reindexed)
		return c.JSON(http.StatusOK, res)
	}
}

func reindexList(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := d.Auth.UserIDFromAuthHeader(authHeader(c.Request(), false))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		res, err := d.Service.ReindexList(c.Request().Context(), c.Param("boardId"), c.Param("listId"), userID)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

func getActivity(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := d.Auth.UserIDFromAuthHeader(authHeader(c.Request(), false))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		limit := defaultActivityLimit
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			}
		}
		entries, err := d.Service.Recent(c.Request().Context(), c.Param("boardId"), userID, limit)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.JSON(http.StatusOK, activityResponse{Entries: entries})
	}
}

func getSnapshot(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := d.Auth.UserIDFromAuthHeader(authHeader(c.Request(), false))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		boardID := c.Param("boardId")
		if _, err := d.Service.Authorize(ctx, boardID, userID, domain.RoleViewer); err != nil {
			return writeError(c, d.Logger, err)
		}
		snap, err := d.Snapshots.Snapshot(ctx, boardID)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		return c.JSON(http.StatusOK, snap)
	}
}

// ingestEvent accepts CRUD events from the board service and broadcasts them.
func ingestEvent(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !serviceTokenValid(c.Request().Header.Get(echo.HeaderAuthorization), d.InternalToken) {
			return c.NoContent(http.StatusUnauthorized)
		}
		var body ingestRequest
		if err := decodeBody(c, ingestBodyMaxSize, &body); err != nil || body.Type == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		payload, err := domain.DecodePayload(body.Type, body.Data)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}

		ctx := c.Request().Context()
		boardID := c.Param("boardId")
		entry, err := d.Service.Announce(ctx, boardID, body.UserID, payload)
		if err != nil {
			return writeError(c, d.Logger, err)
		}
		if ev, ok := d.Snapshots.(snapshotEvicter); ok {
			ev.Evict(ctx, boardID)
		}
		return c.JSON(http.StatusAccepted, ingestResponse{ID: entry.ID, Seq: entry.Seq})
	}
}

func decodeBody(c echo.Context, max int64, v any) error {
	lr := io.LimitReader(c.Request().Body, max)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// writeError maps coordinator rejections and domain errors to responses.
func writeError(c echo.Context, logger *log.Logger, err error) error {
	kind := err
	var rejected *domain.RejectedError
	if errors.As(err, &rejected) {
		kind = rejected.Kind
	}

	switch {
	case errors.Is(kind, domain.ErrInvalidIntent):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(kind, domain.ErrAuthorization):
		return c.JSON(http.StatusForbidden, errorResponse{Error: domain.ErrAuthorization.Error()})
	case errors.Is(kind, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: domain.ErrNotFound.Error()})
	case errors.Is(kind, domain.ErrReindexFailure):
		return c.JSON(http.StatusLocked, errorResponse{Error: domain.ErrReindexFailure.Error()})
	case errors.Is(kind, domain.ErrRetryableConflict):
		c.Response().Header().Set("Retry-After", "0")
		return c.JSON(http.StatusConflict, errorResponse{Error: domain.ErrRetryableConflict.Error(), Retryable: true})
	case errors.Is(kind, domain.ErrBusy):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: domain.ErrBusy.Error(), Retryable: true})
	default:
		logger.WithError(err).WithField("path", c.Path()).Error("request failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
