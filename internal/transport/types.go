package transport

import (
	"context"
	"time"
)

// Destination is an external channel/chat that receives posts.
type Destination struct {
	ChatID int64
}

func (d Destination) IsZero() bool { return d.ChatID == 0 }

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaSticker   MediaKind = "sticker"
)

// Media references an already-uploaded platform file.
type Media struct {
	Kind    MediaKind
	FileID  string
	Caption string
}

// Post is one immutable content unit submitted for delivery.
//
// ID is generated at creation time (uuid) and is never a platform
// message id; platform ids are only unique per chat and have caused
// collisions when used as primary keys.
type Post struct {
	ID     string
	Dest   Destination
	UserID int64

	Text  string
	Media *Media

	// Fingerprint is the perceptual hash of the media, when the media is
	// an image. Text-only posts never carry one.
	Fingerprint    uint64
	HasFingerprint bool

	CreatedAt time.Time
}

// MessageRef identifies a delivered message on the platform.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

// Sender delivers a single post to its destination.
//
// Error contract: a plain error is treated as transient (retryable);
// wrap with Permanent() for failures that must not be retried, and with
// RetryAfter() when the platform supplied an explicit wait hint.
type Sender interface {
	Send(ctx context.Context, post Post) (MessageRef, error)
}

// CompletionNote summarizes a finished batch for the submitting user.
type CompletionNote struct {
	UserID int64
	Dest   Destination

	SentCount      int
	FailedCount    int
	DuplicateCount int

	// FirstRef points at the first successfully delivered post of the
	// batch ("view here" link). Zero if nothing was delivered.
	FirstRef MessageRef

	// NextBatchStart is the estimated first send of the destination's
	// next pending batch. Zero if none is scheduled.
	NextBatchStart time.Time
}

// Notifier reports queue lifecycle back to the requesting user.
type Notifier interface {
	BatchCompleted(ctx context.Context, note CompletionNote) error
	NewQueue(ctx context.Context, userID int64, dest Destination) error
}
