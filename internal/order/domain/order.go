package domain

import (
	"fmt"
	"strings"
	"time"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusDelivered OrderStatus = "DELIVERED"
	StatusCanceled  OrderStatus = "CANCELED"
)

func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(strings.ToUpper(s)); st {
	case StatusPending, StatusDelivered, StatusCanceled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown order status %q", s)
	}
}

// CanTransition reports whether an order may move from s to next.
// Only PENDING is a source state; DELIVERED and CANCELED are terminal.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return s == StatusPending && (next == StatusDelivered || next == StatusCanceled)
}

type Order struct {
	ID         int64
	BuyerID    int64
	StoreID    int64
	Status     OrderStatus
	Items      []OrderItem
	TotalPrice int64
	Summary    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderItem is the frozen snapshot of one priced cart line.
type OrderItem struct {
	ProductID   int64
	ProductName string
	UnitPrice   int64
	Quantity    int
	LineTotal   int64
	Options     []OptionSnapshot
}

func NewOrderItem(line PricedLine) OrderItem {
	opts := make([]OptionSnapshot, len(line.Options))
	copy(opts, line.Options)
	return OrderItem{
		ProductID:   line.ProductID,
		ProductName: line.ProductName,
		UnitPrice:   line.UnitPrice,
		Quantity:    line.Quantity,
		LineTotal:   line.LineTotal,
		Options:     opts,
	}
}

func NewOrder(buyerID, storeID int64, lines []PricedLine) Order {
	items := make([]OrderItem, 0, len(lines))
	var total int64
	for _, line := range lines {
		item := NewOrderItem(line)
		total += item.LineTotal
		items = append(items, item)
	}
	now := time.Now().UTC()
	return Order{
		BuyerID:    buyerID,
		StoreID:    storeID,
		Status:     StatusPending,
		Items:      items,
		TotalPrice: total,
		Summary:    Summarize(items),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Summarize renders one "• name (opt, opt) x qty" line per item.
func Summarize(items []OrderItem) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString("• ")
		b.WriteString(item.ProductName)
		if len(item.Options) > 0 {
			names := make([]string, 0, len(item.Options))
			for _, o := range item.Options {
				names = append(names, o.Name)
			}
			b.WriteString(" (")
			b.WriteString(strings.Join(names, ", "))
			b.WriteString(")")
		}
		fmt.Fprintf(&b, " x %d\n", item.Quantity)
	}
	return b.String()
}

// CheckTotals verifies that every line total is unit price times quantity
// and that the order total is the sum of the line totals.
func (o Order) CheckTotals() error {
	var sum int64
	for _, item := range o.Items {
		if item.LineTotal != item.UnitPrice*int64(item.Quantity) {
			return fmt.Errorf("order %d: item %d line total %d != %d x %d",
				o.ID, item.ProductID, item.LineTotal, item.UnitPrice, item.Quantity)
		}
		sum += item.LineTotal
	}
	if sum != o.TotalPrice {
		return fmt.Errorf("order %d: total %d != sum of lines %d", o.ID, o.TotalPrice, sum)
	}
	return nil
}

// Transition moves the order to next, or fails with ErrInvalidStatusTransition.
func (o *Order) Transition(next OrderStatus) error {
	if !o.Status.CanTransition(next) {
		return &TransitionError{OrderID: o.ID, From: o.Status, To: next}
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// QuantitiesByProduct sums item quantities per product.
func (o Order) QuantitiesByProduct() map[int64]int {
	out := make(map[int64]int, len(o.Items))
	for _, item := range o.Items {
		out[item.ProductID] += item.Quantity
	}
	return out
}
