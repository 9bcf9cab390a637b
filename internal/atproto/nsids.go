// Package atproto provides AT Protocol helpers: lexicon NSIDs, at-URI
// handling, and an unauthenticated client for public identity lookups.
package atproto

// Shelfmark lexicon collection NSIDs.
const (
	NSIDBookshelf = "social.shelfmark.alpha.bookshelf"
	NSIDBook      = "social.shelfmark.alpha.book"
	NSIDComment   = "social.shelfmark.alpha.comment"
)

// CollectionPrefix is the NSID prefix shared by all Shelfmark collections.
const CollectionPrefix = "social.shelfmark.alpha."
