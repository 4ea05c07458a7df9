package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/labstack/echo/v4"

	"ootd-notify/delivery"
	"ootd-notify/domain"
	"ootd-notify/events"
)

const defaultPageLimit = 20

// Register wires up all API routes on the provided Echo instance.
// internalToken guards the producer ingress endpoint.
func Register(e *echo.Echo, store NotificationStore, auth Authenticator, registry *delivery.Registry, replay Replayer, publisher *events.Publisher, internalToken string, logger *log.Logger) {
	e.GET("/api/sse", streamNotifications(auth, registry, replay, logger))
	e.GET("/api/notifications", getNotifications(store, auth))
	e.DELETE("/api/notifications/:id", deleteNotification(store, auth))
	e.POST("/internal/events", postEvent(publisher, internalToken))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// streamNotifications opens the long-lived event stream for one user. A
// reconnecting client presents its last seen frame id and receives every
// buffered message that came after it before going live.
func streamNotifications(auth Authenticator, registry *delivery.Registry, replay Replayer, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		// EventSource cannot set headers, so the token may arrive as a
		// query parameter instead.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)

		conn := newSSEConn(c.Response(), flusher)
		registry.Add(userID, conn)
		defer func() {
			registry.Remove(userID, conn)
			conn.Close()
		}()

		// Initial frame confirms the subscription and forces the headers
		// out to the client.
		if err := conn.Push(delivery.Frame{Event: "ping", Data: []byte(`"connected"`)}); err != nil {
			return nil
		}

		lastEventID := c.Request().Header.Get("Last-Event-ID")
		if lastEventID == "" {
			lastEventID = c.QueryParam("lastEventId")
		}
		if cursor, ok := delivery.ParseCursor(lastEventID); ok {
			entries, err := replay.ReadAfter(c.Request().Context(), userID, cursor)
			if err != nil {
				logger.WithError(err).WithField("user_id", userID).Warn("replay read failed")
				// best effort; the client falls back to the persisted list
				_ = conn.Push(delivery.Frame{Event: "error", Data: []byte(`"replay unavailable"`)})
			}
			for _, e := range entries {
				frame := delivery.Frame{
					ID:    delivery.FrameID(e.Score, e.ID),
					Event: e.Event,
					Data:  e.Data,
				}
				if err := conn.Push(frame); err != nil {
					return nil
				}
			}
		}

		select {
		case <-c.Request().Context().Done():
		case <-conn.Done():
		}
		return nil
	}
}

type notificationPage struct {
	Data          []domain.Notification `json:"data"`
	NextCursor    string                `json:"nextCursor,omitempty"`
	NextIDAfter   string                `json:"nextIdAfter,omitempty"`
	HasNext       bool                  `json:"hasNext"`
	TotalCount    int                   `json:"totalCount"`
	SortBy        string                `json:"sortBy"`
	SortDirection string                `json:"sortDirection"`
}

func getNotifications(store NotificationStore, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		var cursor time.Time
		if raw := strings.TrimSpace(c.QueryParam("cursor")); raw != "" {
			cursor, err = time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return c.String(http.StatusBadRequest, "invalid cursor")
			}
		}
		idAfter := c.QueryParam("idAfter")

		limit := defaultPageLimit
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				return c.String(http.StatusBadRequest, "invalid limit")
			}
		}

		direction := strings.ToUpper(strings.TrimSpace(c.QueryParam("sortDirection")))
		switch direction {
		case "":
			direction = "DESCENDING"
		case "ASCENDING", "DESCENDING":
		default:
			return c.String(http.StatusBadRequest, "invalid sort direction")
		}
		desc := direction == "DESCENDING"

		notifications, hasNext, err := store.ListNotifications(ctx, userID, cursor, idAfter, limit, desc)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		total, err := store.CountNotifications(ctx, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		page := notificationPage{
			Data:          notifications,
			HasNext:       hasNext,
			TotalCount:    total,
			SortBy:        "createdAt",
			SortDirection: direction,
		}
		if hasNext && len(notifications) > 0 {
			last := notifications[len(notifications)-1]
			page.NextCursor = last.CreatedAt.Format(time.RFC3339Nano)
			page.NextIDAfter = last.ID
		}
		return c.JSON(http.StatusOK, page)
	}
}

const postEventMaxSize = 1 << 20

// postEvent is the producer ingress: other services hand event batches over
// here instead of talking to the broker directly. Guarded by a shared
// token, not user JWTs. Nothing reaches the broker unless the whole batch
// validates.
func postEvent(publisher *events.Publisher, token string) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		presented, err := bearerTokenRaw(authHeader)
		if err != nil || token == "" || presented != token {
			return c.NoContent(http.StatusUnauthorized)
		}

		lr := io.LimitReader(c.Request().Body, postEventMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)

		evs := make([]domain.Event, 0, 4)
		if err := dec.Decode(&evs); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		buf := publisher.Buffer()
		for i := range evs {
			if evs[i].Type == "" {
				buf.Discard()
				return c.String(http.StatusBadRequest, "missing event type")
			}
			if evs[i].CreatedAt.IsZero() {
				evs[i].CreatedAt = time.Now().UTC()
			}
			if evs[i].Level == "" {
				evs[i].Level = domain.LevelInfo
			}
			buf.Stage(evs[i])
		}
		buf.Commit()
		return c.NoContent(http.StatusAccepted)
	}
}

func deleteNotification(store NotificationStore, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		id := c.Param("id")
		if id == "" {
			return c.String(http.StatusBadRequest, "missing notification id")
		}
		if err := store.DeleteNotification(ctx, userID, id); err != nil {
			var notFound NotificationNotFoundError
			if errors.As(err, &notFound) {
				return c.String(http.StatusNotFound, "notification not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}
