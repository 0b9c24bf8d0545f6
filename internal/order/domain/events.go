package domain

const (
	EventOrderPlaced    = "OrderPlaced"
	EventOrderCanceled  = "OrderCanceled"
	EventOrderDelivered = "OrderDelivered"
)

type DispatchItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// OrderPlaced carries what the drone dispatcher needs to start a delivery run.
type OrderPlaced struct {
	OrderID    int64          `json:"order_id"`
	BuyerID    int64          `json:"buyer_id"`
	StoreID    int64          `json:"store_id"`
	TotalPrice int64          `json:"total_price"`
	Items      []DispatchItem `json:"items"`
}

type OrderCanceled struct {
	OrderID       int64 `json:"order_id"`
	BuyerID       int64 `json:"buyer_id"`
	RefundedPrice int64 `json:"refunded_price"`
}

type OrderDelivered struct {
	OrderID int64 `json:"order_id"`
	BuyerID int64 `json:"buyer_id"`
}

func NewOrderPlaced(o Order) OrderPlaced {
	items := make([]DispatchItem, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, DispatchItem{Name: item.ProductName, Quantity: item.Quantity})
	}
	return OrderPlaced{
		OrderID:    o.ID,
		BuyerID:    o.BuyerID,
		StoreID:    o.StoreID,
		TotalPrice: o.TotalPrice,
		Items:      items,
	}
}
