// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

// MessageType is the type attribute of a message stanza.
type MessageType string

// Message types relevant to routing and archiving decisions.
const (
	NormalMessage    MessageType = "normal"
	ChatMessage      MessageType = "chat"
	GroupChatMessage MessageType = "groupchat"
	HeadlineMessage  MessageType = "headline"
	ErrorMessage     MessageType = "error"
)

// Archivable reports whether a message of this type is eligible for the
// message archive and offline queue (spec §4.6: not type error, groupchat,
// or headline).
func (t MessageType) Archivable() bool {
	switch t {
	case ErrorMessage, GroupChatMessage, HeadlineMessage:
		return false
	}
	return true
}
