package models

// ItemStatus represents the processing status of a content URL in the ledger
type ItemStatus string

const (
	ItemStatusUnset    ItemStatus = ""          // Zero value = unset/unknown
	ItemStatusPending  ItemStatus = "pending"   // Discovered but not processed
	ItemStatusSuccess  ItemStatus = "success"   // Fetched, extracted and persisted
	ItemStatusFailure  ItemStatus = "failure"   // Processing failed
	ItemStatusOrphaned ItemStatus = "orphaned"  // Episode stored without its show link
	ItemStatusNotFound ItemStatus = "not_found" // URL not in the ledger
	ItemStatusDBError  ItemStatus = "db_error"  // Ledger read error occurred
)

// String implements fmt.Stringer for logging
func (s ItemStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemStatusPending, ItemStatusSuccess, ItemStatusFailure, ItemStatusOrphaned:
		return true
	}
	return false
}
