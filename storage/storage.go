package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"ootd-notify/domain"
)

// ErrNotificationNotFound is returned when a notification does not exist
// in the receiver's partition.
var ErrNotificationNotFound error = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string         { return "notification not found" }
func (notFoundError) NotificationNotFound() {}

const dequeueBatchSize = int32(16)

// Storage provides access to the notification table, the user registry
// table and the domain-events queue.
type Storage struct {
	notificationTable *aztables.Client
	userTable         *aztables.Client
	eventQueue        *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, notificationsTable, usersTable, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	nt := svc.NewClient(notificationsTable)
	ut := svc.NewClient(usersTable)

	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{notificationTable: nt, userTable: ut, eventQueue: eq}, nil
}

type notificationEntity struct {
	aztables.Entity
	Title     string `json:"Title"`
	Content   string `json:"Content"`
	Level     string `json:"Level"`
	CreatedAt int64  `json:"CreatedAt"`
}

func (e notificationEntity) toDomain() domain.Notification {
	return domain.Notification{
		ID:         e.RowKey,
		ReceiverID: e.PartitionKey,
		Title:      e.Title,
		Content:    e.Content,
		Level:      domain.Level(e.Level),
		CreatedAt:  time.UnixMilli(e.CreatedAt).UTC(),
	}
}

func entityFor(n domain.Notification) aztables.Entity {
	return aztables.Entity{PartitionKey: n.ReceiverID, RowKey: n.ID}
}

// SaveNotification persists one notification record. PartitionKey is the
// receiver, RowKey the notification id.
func (s *Storage) SaveNotification(ctx context.Context, n domain.Notification) error {
	ent := notificationEntity{
		Entity:    entityFor(n),
		Title:     n.Title,
		Content:   n.Content,
		Level:     string(n.Level),
		CreatedAt: n.CreatedAt.UnixMilli(),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.notificationTable.AddEntity(ctx, payload, nil)
	return err
}

// fetchNotifications retrieves every notification in the receiver's
// partition. Table storage orders by keys only, so cursor pagination over
// CreatedAt sorts in memory.
func (s *Storage) fetchNotifications(ctx context.Context, receiverID string) ([]domain.Notification, error) {
	filter := "PartitionKey eq '" + receiverID + "'"
	pager := s.notificationTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	notifications := []domain.Notification{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent notificationEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			notifications = append(notifications, ent.toDomain())
		}
	}
	return notifications, nil
}

// ListNotifications returns one page of the receiver's notifications
// ordered by creation time, with (cursor, idAfter) as the compound page
// cursor. The second return value reports whether another page exists.
func (s *Storage) ListNotifications(ctx context.Context, receiverID string, cursor time.Time, idAfter string, limit int, desc bool) ([]domain.Notification, bool, error) {
	if limit <= 0 {
		limit = 20
	}
	all, err := s.fetchNotifications(ctx, receiverID)
	if err != nil {
		return nil, false, err
	}
	page, hasNext := paginate(all, cursor, idAfter, limit, desc)
	return page, hasNext, nil
}

// paginate orders the full partition and cuts the page that follows the
// (cursor, idAfter) position.
func paginate(all []domain.Notification, cursor time.Time, idAfter string, limit int, desc bool) ([]domain.Notification, bool) {
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			if desc {
				return all[i].ID > all[j].ID
			}
			return all[i].ID < all[j].ID
		}
		if desc {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	filtered := all[:0]
	for _, n := range all {
		if !afterCursor(n, cursor, idAfter, desc) {
			continue
		}
		filtered = append(filtered, n)
	}

	hasNext := len(filtered) > limit
	if hasNext {
		filtered = filtered[:limit]
	}
	return filtered, hasNext
}

func afterCursor(n domain.Notification, cursor time.Time, idAfter string, desc bool) bool {
	if cursor.IsZero() {
		return true
	}
	if n.CreatedAt.Equal(cursor) {
		if idAfter == "" {
			return false
		}
		if desc {
			return n.ID < idAfter
		}
		return n.ID > idAfter
	}
	if desc {
		return n.CreatedAt.Before(cursor)
	}
	return n.CreatedAt.After(cursor)
}

// CountNotifications reports how many notifications the receiver has.
func (s *Storage) CountNotifications(ctx context.Context, receiverID string) (int, error) {
	filter := "PartitionKey eq '" + receiverID + "'"
	sel := "PartitionKey"
	pager := s.notificationTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	count := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		count += len(resp.Entities)
	}
	return count, nil
}

// DeleteNotification removes one notification from the receiver's
// partition; this is the receiver's "mark read". A notification that does
// not exist in that partition, including another user's notification,
// yields ErrNotificationNotFound.
func (s *Storage) DeleteNotification(ctx context.Context, receiverID, id string) error {
	if _, err := s.notificationTable.GetEntity(ctx, receiverID, id, nil); err != nil {
		return mapNotFound(err)
	}
	if _, err := s.notificationTable.DeleteEntity(ctx, receiverID, id, nil); err != nil {
		return mapNotFound(err)
	}
	return nil
}

func mapNotFound(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return ErrNotificationNotFound
	}
	return err
}

// AllUserIDs returns every known user identity, used to resolve broadcast
// events at consume time.
func (s *Storage) AllUserIDs(ctx context.Context) ([]string, error) {
	sel := "RowKey"
	pager := s.userTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Select: &sel})
	ids := []string{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent aztables.Entity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			ids = append(ids, ent.RowKey)
		}
	}
	return ids, nil
}

// SendEvent enqueues one serialized domain event on the broker topic.
func (s *Storage) SendEvent(ctx context.Context, payload string) error {
	_, err := s.eventQueue.EnqueueMessage(ctx, payload, nil)
	return err
}

// DequeueEvents fetches a batch of raw messages from the broker topic.
func (s *Storage) DequeueEvents(ctx context.Context) ([]domain.QueueMessage, error) {
	count := dequeueBatchSize
	resp, err := s.eventQueue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{NumberOfMessages: &count})
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.QueueMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.MessageID == nil || m.PopReceipt == nil || m.MessageText == nil {
			continue
		}
		msgs = append(msgs, domain.QueueMessage{
			ID:         *m.MessageID,
			PopReceipt: *m.PopReceipt,
			Body:       *m.MessageText,
		})
	}
	return msgs, nil
}

// DeleteEvent removes a processed (or dropped) message from the topic.
func (s *Storage) DeleteEvent(ctx context.Context, msg domain.QueueMessage) error {
	_, err := s.eventQueue.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}
