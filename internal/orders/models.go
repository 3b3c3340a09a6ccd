package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID            string
	UserID        string
	Number        string
	Total         decimal.Decimal
	Status        Status
	Items         []Item
	CancelReason  string
	FailureReason string
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Item is one allocated stock item with the product data captured at
// purchase time.
type Item struct {
	ID          string
	OrderID     string
	ProductID   string
	StockItemID string
	Price       decimal.Decimal
	ProductName string
	Category    string
	// ReleasedAt is set once the allocation no longer holds the stock item
	// (order cancelled/failed, or the hold lapsed and another order took it).
	ReleasedAt *time.Time
	CreatedAt  time.Time
}

func (o Order) StockItemIDs() []string {
	out := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, it.StockItemID)
	}
	return out
}

// LiveStockItemIDs lists stock items still allocated to this order.
func (o Order) LiveStockItemIDs() []string {
	out := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		if it.ReleasedAt == nil {
			out = append(out, it.StockItemID)
		}
	}
	return out
}

func sumPrices(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Price)
	}
	return total
}

// Page is one page of a user's order history, newest first.
type Page struct {
	Orders []Order
	Page   int
	Size   int
	Total  int
}
