package api

import (
	"context"
	"time"

	"ootd-notify/delivery"
	"ootd-notify/domain"
)

// NotificationStore abstracts persistence for handlers.
type NotificationStore interface {
	ListNotifications(ctx context.Context, receiverID string, cursor time.Time, idAfter string, limit int, desc bool) ([]domain.Notification, bool, error)
	CountNotifications(ctx context.Context, receiverID string) (int, error)
	DeleteNotification(ctx context.Context, receiverID, id string) error
}

// NotificationNotFoundError is returned when the requested notification is
// not in the caller's partition.
type NotificationNotFoundError interface {
	error
	NotificationNotFound()
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Replayer rereads buffered stream entries newer than a cursor score.
type Replayer interface {
	ReadAfter(ctx context.Context, userID string, cursor int64) ([]delivery.Entry, error)
}
