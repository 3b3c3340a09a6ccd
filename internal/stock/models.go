package stock

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadySold       = errors.New("stock item already sold")
	ErrInvalidQuantity   = errors.New("invalid quantity")
)

// Item is one sellable credential. It is the unit of exclusivity.
type Item struct {
	ID            string
	ProductID     string
	Credential    []byte // encrypted, opaque here
	Sold          bool
	ReservedUntil *time.Time
	SoldAt        *time.Time
	CreatedAt     time.Time
}

// Available is the availability predicate. The SQL in Repo and the reaper
// sweep use the same comparison: a reservation ending at or before now is over.
func (i Item) Available(now time.Time) bool {
	if i.Sold {
		return false
	}
	return i.ReservedUntil == nil || !i.ReservedUntil.After(now)
}

// InsufficientError reports a reservation that could not be satisfied.
type InsufficientError struct {
	ProductID string
	Required  int
	Available int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Required, e.Available)
}

func (e *InsufficientError) Is(target error) bool { return target == ErrInsufficientStock }

// IDs returns the identities of items in order.
func IDs(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

// SortFIFO orders items the way they are allocated: oldest first.
func SortFIFO(items []Item) {
	sort.Slice(items, func(a, b int) bool {
		if !items[a].CreatedAt.Equal(items[b].CreatedAt) {
			return items[a].CreatedAt.Before(items[b].CreatedAt)
		}
		return items[a].ID < items[b].ID
	})
}
