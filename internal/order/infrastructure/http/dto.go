package http

import (
	"time"

	"github.com/dmehra2102/drone-delivery/internal/order/domain"
)

type cartLineReq struct {
	ProductID int64   `json:"product_id"`
	Quantity  int     `json:"quantity"`
	OptionIDs []int64 `json:"option_ids"`
}

type placeOrderReq struct {
	BuyerID int64         `json:"buyer_id"`
	Items   []cartLineReq `json:"items"`
}

func (r placeOrderReq) cart() []domain.CartLine {
	cart := make([]domain.CartLine, 0, len(r.Items))
	for _, it := range r.Items {
		cart = append(cart, domain.CartLine{ProductID: it.ProductID, Quantity: it.Quantity, OptionIDs: it.OptionIDs})
	}
	return cart
}

type orderItemResp struct {
	ProductID   int64                   `json:"product_id"`
	ProductName string                  `json:"product_name"`
	UnitPrice   int64                   `json:"unit_price"`
	Quantity    int                     `json:"quantity"`
	LineTotal   int64                   `json:"line_total"`
	Options     []domain.OptionSnapshot `json:"options"`
}

type orderResp struct {
	ID         int64           `json:"id"`
	BuyerID    int64           `json:"buyer_id"`
	StoreID    int64           `json:"store_id"`
	Status     string          `json:"status"`
	TotalPrice int64           `json:"total_price"`
	Summary    string          `json:"summary"`
	Items      []orderItemResp `json:"items"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func toOrderResp(o domain.Order) orderResp {
	items := make([]orderItemResp, 0, len(o.Items))
	for _, it := range o.Items {
		opts := it.Options
		if opts == nil {
			opts = []domain.OptionSnapshot{}
		}
		items = append(items, orderItemResp{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			UnitPrice:   it.UnitPrice,
			Quantity:    it.Quantity,
			LineTotal:   it.LineTotal,
			Options:     opts,
		})
	}
	return orderResp{
		ID:         o.ID,
		BuyerID:    o.BuyerID,
		StoreID:    o.StoreID,
		Status:     string(o.Status),
		TotalPrice: o.TotalPrice,
		Summary:    o.Summary,
		Items:      items,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}

type previewResp struct {
	ProductID   int64                   `json:"product_id"`
	ProductName string                  `json:"product_name"`
	UnitPrice   int64                   `json:"unit_price"`
	Quantity    int                     `json:"quantity"`
	LineTotal   int64                   `json:"line_total"`
	Options     []domain.OptionSnapshot `json:"options"`
}

type errorResp struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Product   string `json:"product,omitempty"`
	Group     string `json:"group,omitempty"`
	Option    string `json:"option,omitempty"`
	Requested int64  `json:"requested,omitempty"`
	Available int64  `json:"available,omitempty"`
}
