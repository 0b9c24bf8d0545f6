package application

import (
	"fmt"

	"github.com/dmehra2102/drone-delivery/internal/order/domain"
)

// ValidateSelection checks the chosen option item ids against the groups
// attached to a product and returns the chosen items as snapshots, in the
// order they were requested. items holds whatever the catalog resolved for
// chosen; ids missing from it are unknown.
//
// A repeated id counts as a repeated selection.
func ValidateSelection(product string, groups []domain.OptionGroup, chosen []int64, items map[int64]domain.OptionItem) ([]domain.OptionSnapshot, error) {
	attached := make(map[int64]domain.OptionGroup, len(groups))
	for _, g := range groups {
		attached[g.ID] = g
	}

	counts := make(map[int64]int, len(groups))
	snaps := make([]domain.OptionSnapshot, 0, len(chosen))
	for _, id := range chosen {
		item, ok := items[id]
		if !ok {
			re := domain.Reject(domain.CodeUnknownOption, "option %d does not exist", id)
			re.Product = product
			return nil, re
		}
		g, ok := attached[item.GroupID]
		if !ok || !g.HasItem(item.ID) {
			re := domain.Reject(domain.CodeOptionNotOnProduct, "%s is not offered on %s", item.Name, product)
			re.Product = product
			re.Option = item.Name
			return nil, re
		}
		if item.SoldOut() {
			re := domain.Reject(domain.CodeOptionSoldOut, "%s is sold out", item.Name)
			re.Product = product
			re.Group = g.Name
			re.Option = item.Name
			return nil, re
		}
		counts[g.ID]++
		snaps = append(snaps, item.Snapshot())
	}

	for _, g := range groups {
		if err := checkPolicy(product, g, counts[g.ID]); err != nil {
			return nil, err
		}
	}
	return snaps, nil
}

func checkPolicy(product string, g domain.OptionGroup, count int) error {
	if g.Required && count == 0 {
		re := domain.Reject(domain.CodeRequiredOptionMissing, "choose an option for %s", g.Name)
		re.Product = product
		re.Group = g.Name
		return re
	}

	switch g.Mode {
	case domain.SelectMulti:
		over := g.MaxSelect != nil && count > *g.MaxSelect
		if count >= g.MinSelect && !over {
			return nil
		}
		re := domain.Reject(domain.CodeSelectionCountOutOfRange, "%s takes %s options, got %d", g.Name, selectRange(g), count)
		re.Product = product
		re.Group = g.Name
		re.Requested = int64(count)
		re.Available = int64(g.MinSelect)
		if over {
			re.Available = int64(*g.MaxSelect)
		}
		return re
	default:
		if count <= 1 {
			return nil
		}
		re := domain.Reject(domain.CodeTooManySelections, "%s allows a single choice, got %d", g.Name, count)
		re.Product = product
		re.Group = g.Name
		re.Requested = int64(count)
		re.Available = 1
		return re
	}
}

func selectRange(g domain.OptionGroup) string {
	if g.MaxSelect == nil {
		return fmt.Sprintf("%d or more", g.MinSelect)
	}
	return fmt.Sprintf("%d to %d", g.MinSelect, *g.MaxSelect)
}
