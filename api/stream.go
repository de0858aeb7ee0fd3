package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

const (
	streamBuffer    = 64
	streamKeepAlive = 25 * time.Second
	resyncFrame     = "event: resync\ndata: {}\n\n"
	keepAliveFrame  = ":keepalive\n\n"
)

// streamBoard joins the board room for the lifetime of the request and writes
// every delivered event as one SSE data frame. A connection that falls
// behind by more than the buffer is told to resync and closed; the client
// reloads the snapshot and reconnects.
func streamBoard(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := d.Auth.UserIDFromAuthHeader(authHeader(c.Request(), true))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		boardID := c.Param("boardId")
		if _, err := d.Service.Authorize(ctx, boardID, userID, domain.RoleViewer); err != nil {
			return writeError(c, d.Logger, err)
		}

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)

		connID := uuid.NewString()
		conn := newStreamConn()
		d.Rooms.Join(boardID, connID, conn.deliver)
		defer d.Rooms.Leave(boardID, connID)

		logger := d.Logger.WithFields(log.Fields{"board": boardID, "conn": connID, "user": userID})
		logger.Debug("stream opened")
		defer logger.Debug("stream closed")

		if _, err := c.Response().Write([]byte(connectedFrame(connID))); err != nil {
			return nil
		}
		flusher.Flush()

		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-conn.lagged:
				logger.Warn("stream fell behind, asking client to resync")
				_, _ = c.Response().Write([]byte(resyncFrame))
				flusher.Flush()
				return nil
			case ev := <-conn.events:
				data, err := sonic.Marshal(ev)
				if err != nil {
					logger.WithError(err).Error("unable to encode event")
					continue
				}
				if err := writeFrame(c.Response(), data); err != nil {
					return nil
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(keepAliveFrame)); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

type streamConn struct {
	events chan domain.Event
	lagged chan struct{}
	once   sync.Once
}

func newStreamConn() *streamConn {
	return &streamConn{
		events: make(chan domain.Event, streamBuffer),
		lagged: make(chan struct{}),
	}
}

// deliver never blocks the hub.
func (s *streamConn) deliver(ev domain.Event) {
	select {
	case s.events <- ev:
	default:
		s.once.Do(func() { close(s.lagged) })
	}
}

func writeFrame(w http.ResponseWriter, data []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}

func connectedFrame(connID string) string {
	return ":connected " + connID + "\n\n"
}
