package application

import (
	"math"

	"github.com/dmehra2102/drone-delivery/internal/order/domain"
)

// PriceLine computes unit price as the base price (floored at zero) plus
// every option delta, then floors the result at zero again. A discounting
// option combination can make a line free but never negative.
func PriceLine(p domain.Product, quantity int, options []domain.OptionSnapshot) (domain.PricedLine, error) {
	if quantity < 1 || quantity > domain.MaxQuantity {
		re := domain.Reject(domain.CodeInvalidQuantity, "quantity for %s must be between 1 and %d, got %d", p.Name, domain.MaxQuantity, quantity)
		re.Product = p.Name
		re.Requested = int64(quantity)
		return domain.PricedLine{}, re
	}

	unit := max(0, p.BasePrice)
	for _, o := range options {
		unit += o.PriceDelta
	}
	unit = max(0, unit)
	if unit > 0 && unit > math.MaxInt64/int64(quantity) {
		re := domain.Reject(domain.CodeInvalidQuantity, "%d x %s exceeds the largest payable amount", quantity, p.Name)
		re.Product = p.Name
		re.Requested = int64(quantity)
		return domain.PricedLine{}, re
	}

	opts := make([]domain.OptionSnapshot, len(options))
	copy(opts, options)
	return domain.PricedLine{
		ProductID:   p.ID,
		StoreID:     p.StoreID,
		ProductName: p.Name,
		UnitPrice:   unit,
		Quantity:    quantity,
		LineTotal:   unit * int64(quantity),
		Options:     opts,
	}, nil
}
