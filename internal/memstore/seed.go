package memstore

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ariefcatur/go-credential-orders/internal/catalog"
	"github.com/shopspring/decimal"
)

type seedProduct struct {
	Name              string          `json:"name"`
	Category          string          `json:"category"`
	Price             decimal.Decimal `json:"price"`
	LowStockThreshold int             `json:"low_stock_threshold"`
	Inactive          bool            `json:"inactive"`
	Credentials       []string        `json:"credentials"`
}

// Seal encrypts a plaintext credential for storage.
type Seal func(plaintext string) ([]byte, error)

// LoadSeed reads a JSON array of products with their plaintext credentials
// and adds them to the store. It returns the created products.
func (s *Store) LoadSeed(r io.Reader, seal Seal) ([]catalog.Product, error) {
	var in []seedProduct
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	out := make([]catalog.Product, 0, len(in))
	for _, sp := range in {
		if sp.Name == "" || sp.Price.IsNegative() {
			return out, fmt.Errorf("seed product %q: name and a non-negative price are required", sp.Name)
		}
		sealed := make([][]byte, 0, len(sp.Credentials))
		for _, c := range sp.Credentials {
			b, err := seal(c)
			if err != nil {
				return out, fmt.Errorf("seal credential for %q: %w", sp.Name, err)
			}
			sealed = append(sealed, b)
		}
		p := s.AddProduct(catalog.Product{
			Name:              sp.Name,
			Category:          sp.Category,
			Price:             sp.Price,
			LowStockThreshold: sp.LowStockThreshold,
			Active:            !sp.Inactive,
		})
		s.AddStock(p.ID, sealed...)
		out = append(out, p)
	}
	return out, nil
}
