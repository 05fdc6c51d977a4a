package cache

import (
	"strings"
)

// KeyPrefix namespaces every record key.
const KeyPrefix = "harvest:record"

// Key identifies one cached raw record.
type Key struct {
	// Entity is the owner the item was discovered for.
	Entity string

	// ItemID is the validated item identifier.
	ItemID string
}

// String generates a deterministic cache key string.
// Format: harvest:record:<entity>:<item_id>
//
// Entity names are case-insensitive upstream and are lowercased; item
// identifiers are case-sensitive and kept as is.
//
// Example:
//
//	harvest:record:alice:AbC12_XyZ-9
func (k Key) String() string {
	entity := strings.ToLower(strings.TrimSpace(k.Entity))
	return strings.Join([]string{KeyPrefix, entity, strings.TrimSpace(k.ItemID)}, ":")
}
