package domain

// Line is one frozen (product, quantity, unit price) entry of a
// checkout manifest. UnitPrice is captured when the manifest is built
// and stays decoupled from later catalog edits.
type Line struct {
	SKU       SKU    `json:"sku"`
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"` // satang
}

// Manifest is the snapshot of a cart taken at checkout time, ordered
// by cart item id.
type Manifest []Line

func (m Manifest) Empty() bool {
	return len(m) == 0
}

func (m Manifest) Total() int64 {
	var total int64
	for _, l := range m {
		total += l.UnitPrice * int64(l.Quantity)
	}
	return total
}
