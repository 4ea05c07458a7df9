package domain

import "time"

// Notification is the persisted per-receiver record created once per
// (event, receiver) pair. It is never mutated; the receiver deletes it to
// mark it read.
type Notification struct {
	ID         string    `json:"id"`
	ReceiverID string    `json:"receiverId"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Level      Level     `json:"level"`
	CreatedAt  time.Time `json:"createdAt"`
}

// QueueMessage is one raw message dequeued from the broker topic.
type QueueMessage struct {
	ID         string
	PopReceipt string
	Body       string
}
