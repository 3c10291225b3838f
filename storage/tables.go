// Copyright 2024 The xmppd Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage

// Logical table names shared by every extension that persists state
// through the Store contract.
const (
	TableRoster           = "roster_items"
	TableMUCRoom          = "muc_rooms"
	TableMUCAffiliation   = "muc_affiliations"
	TableArchiveCollection = "archive_collections"
	TableArchiveMessage   = "archive_messages"
	TableOffline          = "offline_messages"
	TablePrivate          = "private_storage"
	TableVCard            = "vcards"
	TableCredentials      = "credentials"
	TableDiagnostic       = "diagnostic_nodes"
)
