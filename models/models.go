// Package models defines the core domain types for the settlement core.
//
// Records are persisted as JSON documents. Every record with a status moves
// forward only: a terminal status is never left, and a non-terminal status is
// never replaced by an earlier one.
package models

// Collection names used in the document store.
const (
	CollectionPayloads        = "payloads"
	CollectionWalletLinks     = "wallet_links"
	CollectionDonations       = "donations"
	CollectionProjects        = "projects"
	CollectionUsers           = "users"
	CollectionDestinationTags = "destination_tags"
)
