package core

import (
	"time"
)

type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateDelivered DeliveryState = "delivered"
)

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment is a reference to an externally stored file; the core never
// touches file bytes.
type Attachment struct {
	URL  string         `json:"url"`
	Kind AttachmentKind `json:"kind"`
}

type Message struct {
	ID            int64         `json:"id"`
	SenderID      string        `json:"sender_id"`
	ReceiverID    string        `json:"receiver_id"`
	Body          string        `json:"body,omitempty"`
	Attachment    *Attachment   `json:"attachment,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	DueAt         *time.Time    `json:"due_at,omitempty"`
	DeliveryState DeliveryState `json:"delivery_state"`
	DeliveredAt   *time.Time    `json:"delivered_at,omitempty"`
	Edited        bool          `json:"edited"`
	DeletedAt     *time.Time    `json:"-"`
}

// Due reports whether the message may be pushed at time now. A nil DueAt
// means immediately deliverable.
func (m Message) Due(now time.Time) bool {
	return m.DueAt == nil || !m.DueAt.After(now)
}

func (m Message) Deleted() bool { return m.DeletedAt != nil }

type EventType string

const (
	EventNewMessage     EventType = "newMessage"
	EventMessageEdited  EventType = "messageEdited"
	EventMessageDeleted EventType = "messageDeleted"
)

// Event is the payload pushed to a live channel. Push is at-least-once; the
// client dedupes by message id.
type Event struct {
	Type      EventType `json:"type"`
	Message   *Message  `json:"message,omitempty"`
	MessageID int64     `json:"message_id,omitempty"`
}
