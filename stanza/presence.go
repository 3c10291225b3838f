// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

// PresenceType is the type attribute of a presence stanza. The empty
// string denotes "available" per RFC 6121 §4.7.1.
type PresenceType string

// Presence types used by the presence engine and roster subscription
// state machine.
const (
	AvailablePresence    PresenceType = ""
	UnavailablePresence  PresenceType = "unavailable"
	ErrorPresence        PresenceType = "error"
	ProbePresence        PresenceType = "probe"
	SubscribePresence    PresenceType = "subscribe"
	SubscribedPresence   PresenceType = "subscribed"
	UnsubscribePresence  PresenceType = "unsubscribe"
	UnsubscribedPresence PresenceType = "unsubscribed"
)

// IsSubscriptionRequest reports whether t is one of the four subscription
// management types handled by the roster engine.
func (t PresenceType) IsSubscriptionRequest() bool {
	switch t {
	case SubscribePresence, SubscribedPresence, UnsubscribePresence, UnsubscribedPresence:
		return true
	}
	return false
}
