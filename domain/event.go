package domain

import (
	"time"

	"github.com/bytedance/sonic"
)

// Event type tags used as the wire discriminator on the broker topic.
const (
	RoleUpdated      = "role-updated"
	FeedLiked        = "feed-liked"
	FeedCreated      = "feed-created"
	CommentCreated   = "comment-created"
	FollowCreated    = "follow-created"
	DmReceived       = "dm-created"
	AttributeCreated = "attribute-created"
	AttributeUpdated = "attribute-updated"
)

// Level classifies how important a notification is to the receiver.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is the envelope every domain event travels in. Receivers lists the
// target user ids; an empty list means broadcast, resolved to every known
// user at consume time. The envelope carries no delivery-layer state so it
// round-trips through the broker without loss.
type Event struct {
	Type      string                 `json:"type"`
	Level     Level                  `json:"level,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	Receivers []string               `json:"receivers,omitempty"`
	Data      sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// RoleUpdatedData carries the previous and new role names.
type RoleUpdatedData struct {
	OldRole string `json:"oldRole"`
	NewRole string `json:"newRole"`
}

// FeedLikedData names the feed and the user who liked it.
type FeedLikedData struct {
	FeedID      string `json:"feedId"`
	FeedContent string `json:"feedContent"`
	LikerName   string `json:"likerName"`
}

// FeedCreatedData announces a new feed to the author's followers.
type FeedCreatedData struct {
	FeedID     string `json:"feedId"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Content    string `json:"content"`
}

// CommentCreatedData carries a new comment on a feed.
type CommentCreatedData struct {
	FeedID     string `json:"feedId"`
	AuthorName string `json:"authorName"`
	Content    string `json:"content"`
}

// FollowCreatedData names the user who started following the receiver.
type FollowCreatedData struct {
	FollowerName string `json:"followerName"`
}

// DirectMessageData carries a direct message preview.
type DirectMessageData struct {
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
}

// AttributeData names a clothes attribute definition.
type AttributeData struct {
	Name string `json:"name"`
}

func newEvent(eventType string, receivers []string, data any) (Event, error) {
	payload, err := sonic.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Level:     LevelInfo,
		CreatedAt: time.Now().UTC(),
		Receivers: receivers,
		Data:      payload,
	}, nil
}

// NewRoleUpdated targets the user whose role changed.
func NewRoleUpdated(receiverID, oldRole, newRole string) (Event, error) {
	return newEvent(RoleUpdated, []string{receiverID}, RoleUpdatedData{OldRole: oldRole, NewRole: newRole})
}

// NewFeedLiked targets the feed owner.
func NewFeedLiked(ownerID, feedID, feedContent, likerName string) (Event, error) {
	return newEvent(FeedLiked, []string{ownerID}, FeedLikedData{FeedID: feedID, FeedContent: feedContent, LikerName: likerName})
}

// NewFeedCreated targets the author's followers. A nil or empty follower
// list makes this a broadcast, which is almost never what the caller wants;
// callers resolve followers before raising the event.
func NewFeedCreated(followerIDs []string, feedID, authorID, authorName, content string) (Event, error) {
	return newEvent(FeedCreated, followerIDs, FeedCreatedData{FeedID: feedID, AuthorID: authorID, AuthorName: authorName, Content: content})
}

// NewCommentCreated targets the owner of the commented feed.
func NewCommentCreated(feedOwnerID, feedID, authorName, content string) (Event, error) {
	return newEvent(CommentCreated, []string{feedOwnerID}, CommentCreatedData{FeedID: feedID, AuthorName: authorName, Content: content})
}

// NewFollowCreated targets the user who gained a follower.
func NewFollowCreated(followeeID, followerName string) (Event, error) {
	return newEvent(FollowCreated, []string{followeeID}, FollowCreatedData{FollowerName: followerName})
}

// NewDmReceived targets the message receiver.
func NewDmReceived(receiverID, senderName, content string) (Event, error) {
	return newEvent(DmReceived, []string{receiverID}, DirectMessageData{SenderName: senderName, Content: content})
}

// NewAttributeCreated is a broadcast to every known user.
func NewAttributeCreated(name string) (Event, error) {
	return newEvent(AttributeCreated, nil, AttributeData{Name: name})
}

// NewAttributeUpdated is a broadcast to every known user.
func NewAttributeUpdated(name string) (Event, error) {
	return newEvent(AttributeUpdated, nil, AttributeData{Name: name})
}

// Broadcast reports whether the event targets every known user.
func (e Event) Broadcast() bool {
	return len(e.Receivers) == 0
}
