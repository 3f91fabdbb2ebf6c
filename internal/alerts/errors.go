// Package alerts implements the redemption/alert processor: it maps inbound
// domain events to renderable alert payloads by merging stored templates
// with event data, attaching mapped audio assets, and handing the result to
// the active broadcast server.
//
// This file centralizes the processor's error values. Every Process call is
// independent: an error is always scoped to the single event being
// processed and never affects subsequent events.
package alerts

import "errors"

var (
	// ErrNoBroadcaster is returned when no broadcast server is running at
	// the moment an alert payload is ready to be delivered.
	ErrNoBroadcaster = errors.New("broadcast server not running")

	// ErrAudioAsset is returned (wrapped) when a mapped audio asset is
	// missing or unreadable. The alert for that event is not emitted.
	ErrAudioAsset = errors.New("audio asset unavailable")
)
