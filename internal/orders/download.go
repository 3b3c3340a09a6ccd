package orders

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-credential-orders/internal/identity"
	"github.com/ariefcatur/go-credential-orders/internal/stock"
)

// Decrypter turns a stored credential payload into plaintext.
type Decrypter interface {
	Decrypt(payload []byte) (string, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, id string) (Order, error)
}

type ItemReader interface {
	Items(ctx context.Context, ids []string) ([]stock.Item, error)
}

// Downloads is the only place credentials leave storage in plaintext.
type Downloads struct {
	orders OrderReader
	items  ItemReader
	box    Decrypter
}

func NewDownloads(orders OrderReader, items ItemReader, box Decrypter) *Downloads {
	return &Downloads{orders: orders, items: items, box: box}
}

// GetOrderDownloadInfo returns the decrypted credentials of a completed
// order grouped by product name, in allocation order.
func (d *Downloads) GetOrderDownloadInfo(ctx context.Context, orderID string, user identity.User) (map[string][]string, error) {
	o, err := d.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != user.ID {
		return nil, fmt.Errorf("%w: order %s", ErrAccessDenied, orderID)
	}
	if o.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: order %s is %s, credentials are released once it is %s",
			ErrInvalidOrderStatus, orderID, o.Status, StatusCompleted)
	}

	items, err := d.items.Items(ctx, o.StockItemIDs())
	if err != nil {
		return nil, err
	}
	byID := make(map[string]stock.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	out := make(map[string][]string)
	for _, line := range o.Items {
		it, ok := byID[line.StockItemID]
		if !ok {
			return nil, fmt.Errorf("stock item %s of order %s is missing", line.StockItemID, orderID)
		}
		plain, err := d.box.Decrypt(it.Credential)
		if err != nil {
			return nil, fmt.Errorf("decrypt stock item %s: %w", it.ID, err)
		}
		out[line.ProductName] = append(out[line.ProductName], plain)
	}
	return out, nil
}
