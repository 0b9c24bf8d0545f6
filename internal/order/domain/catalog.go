package domain

import (
	"fmt"
	"math"
)

// MaxQuantity bounds the quantity of one product in an order, matching the
// 32-bit quantity column.
const MaxQuantity = math.MaxInt32

type Product struct {
	ID        int64
	StoreID   int64
	Name      string
	BasePrice int64
	Stock     int
}

type Store struct {
	ID            int64
	Name          string
	MinOrderPrice int64
}

type Buyer struct {
	ID      int64
	Name    string
	Balance int64
}

type SelectMode string

const (
	SelectSingle SelectMode = "SINGLE"
	SelectMulti  SelectMode = "MULTI"
)

// OptionGroup is a customization axis attached to products. MinSelect and
// MaxSelect only constrain MULTI groups; a nil MaxSelect is unbounded.
type OptionGroup struct {
	ID        int64
	Name      string
	Mode      SelectMode
	Required  bool
	MinSelect int
	MaxSelect *int
	Items     []OptionItem
}

// NewOptionGroup normalizes the selection policy. SINGLE groups are fixed to
// 0..1 regardless of the given bounds.
func NewOptionGroup(id int64, name string, mode SelectMode, required bool, minSelect int, maxSelect *int, items ...OptionItem) (OptionGroup, error) {
	g := OptionGroup{ID: id, Name: name, Mode: mode, Required: required}
	switch mode {
	case SelectSingle, "":
		one := 1
		g.Mode = SelectSingle
		g.MinSelect = 0
		g.MaxSelect = &one
	case SelectMulti:
		if minSelect < 0 {
			return OptionGroup{}, fmt.Errorf("option group %q: negative min select %d", name, minSelect)
		}
		if maxSelect != nil && *maxSelect < minSelect {
			return OptionGroup{}, fmt.Errorf("option group %q: min select %d exceeds max select %d", name, minSelect, *maxSelect)
		}
		g.MinSelect = minSelect
		if maxSelect != nil {
			m := *maxSelect
			g.MaxSelect = &m
		}
	default:
		return OptionGroup{}, fmt.Errorf("option group %q: unknown select mode %q", name, mode)
	}
	for _, it := range items {
		it.GroupID = id
		g.Items = append(g.Items, it)
	}
	return g, nil
}

func (g OptionGroup) HasItem(itemID int64) bool {
	for _, it := range g.Items {
		if it.ID == itemID {
			return true
		}
	}
	return false
}

// OptionItem belongs to exactly one group. A nil Stock means the item is not
// stock-tracked.
type OptionItem struct {
	ID         int64
	GroupID    int64
	Name       string
	PriceDelta int64
	Stock      *int
}

func (it OptionItem) SoldOut() bool {
	return it.Stock != nil && *it.Stock <= 0
}

func (it OptionItem) Snapshot() OptionSnapshot {
	return OptionSnapshot{ItemID: it.ID, Name: it.Name, PriceDelta: it.PriceDelta}
}

type OptionSnapshot struct {
	ItemID     int64  `json:"item_id"`
	Name       string `json:"name"`
	PriceDelta int64  `json:"price_delta"`
}

// CartLine is the transient request to buy one product.
type CartLine struct {
	ProductID int64
	Quantity  int
	OptionIDs []int64
}

// PricedLine is a validated, priced cart line. Its values are frozen into the
// order as-is.
type PricedLine struct {
	ProductID   int64
	StoreID     int64
	ProductName string
	UnitPrice   int64
	Quantity    int
	LineTotal   int64
	Options     []OptionSnapshot
}
