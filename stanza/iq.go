// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

// IQType is the type attribute of an iq stanza.
type IQType string

// The four IQ types defined by RFC 6120.
const (
	GetIQ    IQType = "get"
	SetIQ    IQType = "set"
	ResultIQ IQType = "result"
	ErrorIQ  IQType = "error"
)

// IsRequest reports whether t is get or set, i.e. requires a reply.
func (t IQType) IsRequest() bool {
	return t == GetIQ || t == SetIQ
}

// Reply builds a result IQ addressed back to the original sender. The
// caller is expected to set Payload afterwards.
func (s Stanza) Reply() Stanza {
	return Stanza{
		Kind: KindIQ,
		ID:   s.ID,
		To:   s.From,
		From: s.To,
		Type: string(ResultIQ),
	}
}

// ErrorReply builds an error IQ addressed back to the original sender with
// the given stanza error as its payload.
func (s Stanza) ErrorReply(e Error) Stanza {
	reply := Stanza{
		Kind: KindIQ,
		ID:   s.ID,
		To:   s.From,
		From: s.To,
		Type: string(ErrorIQ),
	}
	_ = reply.EncodeElement(e)
	return reply
}
