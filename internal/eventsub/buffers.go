package eventsub

import (
	"github.com/ovrly/overlayd/internal/domain"
)

// cacheCapacity bounds each recency buffer.
const cacheCapacity = 50

// buffers holds the two bounded recency caches. Chat messages are kept in
// insertion order with the oldest evicted first; redemptions are kept
// newest-first with the tail truncated. The owning Client serializes all
// access, so buffers itself is not locked.
type buffers struct {
	messages    []domain.ChatMessage
	redemptions []domain.Event
}

// load replaces both buffers from a persisted cache document, re-applying
// the capacity bound in case the document predates it.
func (b *buffers) load(doc domain.CacheDocument) {
	b.messages = append([]domain.ChatMessage(nil), doc.Messages...)
	if len(b.messages) > cacheCapacity {
		b.messages = b.messages[len(b.messages)-cacheCapacity:]
	}
	b.redemptions = append([]domain.Event(nil), doc.Redemptions...)
	if len(b.redemptions) > cacheCapacity {
		b.redemptions = b.redemptions[:cacheCapacity]
	}
}

// appendMessage appends msg, evicting the oldest entry once full.
func (b *buffers) appendMessage(msg domain.ChatMessage) {
	b.messages = append(b.messages, msg)
	if len(b.messages) > cacheCapacity {
		b.messages = b.messages[len(b.messages)-cacheCapacity:]
	}
}

// appendRedemption inserts ev at the front, truncating beyond capacity.
func (b *buffers) appendRedemption(ev domain.Event) {
	b.redemptions = append([]domain.Event{ev}, b.redemptions...)
	if len(b.redemptions) > cacheCapacity {
		b.redemptions = b.redemptions[:cacheCapacity]
	}
}

// snapshotMessages returns a copy of the chat buffer.
func (b *buffers) snapshotMessages() []domain.ChatMessage {
	return append([]domain.ChatMessage(nil), b.messages...)
}

// snapshotRedemptions returns a copy of the redemption buffer.
func (b *buffers) snapshotRedemptions() []domain.Event {
	return append([]domain.Event(nil), b.redemptions...)
}

// document captures both buffers as the persisted cache document.
func (b *buffers) document() domain.CacheDocument {
	return domain.CacheDocument{
		Messages:    b.snapshotMessages(),
		Redemptions: b.snapshotRedemptions(),
	}
}
