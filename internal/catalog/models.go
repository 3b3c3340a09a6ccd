package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrProductNotFound = errors.New("product not found")

// Product is the catalog entry stock items are sold under. Only its price,
// name and category are read here, and only to snapshot them into orders.
type Product struct {
	ID                string
	Name              string
	Category          string
	Price             decimal.Decimal
	LowStockThreshold int
	Active            bool
	CreatedAt         time.Time
}
