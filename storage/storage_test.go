package storage

import (
	"errors"
	"testing"
	"time"

	"ootd-notify/domain"
)

func sampleNotifications(base time.Time) []domain.Notification {
	return []domain.Notification{
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(time.Minute)},
		{ID: "c", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "d", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "e", CreatedAt: base.Add(3 * time.Minute)},
	}
}

func ids(page []domain.Notification) string {
	out := ""
	for _, n := range page {
		out += n.ID
	}
	return out
}

func TestPaginateDescendingFirstPage(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	page, hasNext := paginate(sampleNotifications(base), time.Time{}, "", 2, true)
	if got := ids(page); got != "ed" {
		t.Fatalf("unexpected first page: %s", got)
	}
	if !hasNext {
		t.Fatal("expected another page")
	}
}

func TestPaginateDescendingFollowsCursor(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// cursor at "d": same-timestamp sibling "c" must appear, "d" must not
	page, hasNext := paginate(sampleNotifications(base), base.Add(2*time.Minute), "d", 2, true)
	if got := ids(page); got != "cb" {
		t.Fatalf("unexpected page after cursor: %s", got)
	}
	if !hasNext {
		t.Fatal("expected another page")
	}

	page, hasNext = paginate(sampleNotifications(base), base.Add(time.Minute), "b", 2, true)
	if got := ids(page); got != "a" {
		t.Fatalf("unexpected final page: %s", got)
	}
	if hasNext {
		t.Fatal("final page must not report more")
	}
}

func TestPaginateAscending(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	page, hasNext := paginate(sampleNotifications(base), base.Add(2*time.Minute), "c", 10, false)
	if got := ids(page); got != "de" {
		t.Fatalf("unexpected ascending page: %s", got)
	}
	if hasNext {
		t.Fatal("no further page expected")
	}
}

func TestPaginateEmptyPartition(t *testing.T) {
	page, hasNext := paginate(nil, time.Time{}, "", 5, true)
	if len(page) != 0 || hasNext {
		t.Fatalf("empty partition must yield an empty page, got %v/%v", page, hasNext)
	}
}

func TestNotificationEntityRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	n := domain.Notification{
		ID:         "n1",
		ReceiverID: "u1",
		Title:      "title",
		Content:    "content",
		Level:      domain.LevelWarning,
		CreatedAt:  created,
	}
	ent := notificationEntity{
		Entity:    entityFor(n),
		Title:     n.Title,
		Content:   n.Content,
		Level:     string(n.Level),
		CreatedAt: n.CreatedAt.UnixMilli(),
	}
	back := ent.toDomain()
	if back.ID != n.ID || back.ReceiverID != n.ReceiverID || back.Title != n.Title ||
		back.Content != n.Content || back.Level != n.Level || !back.CreatedAt.Equal(n.CreatedAt) {
		t.Fatalf("round trip mismatch: %#v != %#v", back, n)
	}
}

func TestErrNotificationNotFoundBehavior(t *testing.T) {
	var notFound interface {
		error
		NotificationNotFound()
	}
	if !errors.As(ErrNotificationNotFound, &notFound) {
		t.Fatal("sentinel must expose the behavioral interface")
	}
}
