package market

import "time"

type Product struct {
	ID          string    `json:"id"`
	VendorID    string    `json:"vendor_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`
	PriceCents  int64     `json:"price_cents"`
	Currency    string    `json:"currency"`
	Images      []string  `json:"images,omitempty"`
	Stock       int       `json:"stock"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProductInput is the body of create and update calls
type ProductInput struct {
	VendorID    string   `json:"vendor_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	PriceCents  int64    `json:"price_cents"`
	Currency    string   `json:"currency,omitempty"`
	Images      []string `json:"images,omitempty"`
	Stock       int      `json:"stock"`
}

type ProductPage struct {
	Page      int       `json:"page"`
	PageCount int       `json:"page_count"`
	Total     int       `json:"total"`
	Products  []Product `json:"products"`
}

// ProductQuery filters ListProducts. Zero fields are left out.
type ProductQuery struct {
	Page     int
	Limit    int
	Category string
	VendorID string
	Search   string
	Sort     string // e.g. "price", "-created_at"
}

type Vendor struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Rating      float64   `json:"rating"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
}

type VendorInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
}

type VendorPage struct {
	Page      int      `json:"page"`
	PageCount int      `json:"page_count"`
	Vendors   []Vendor `json:"vendors"`
}

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Order statuses the backend accepts
const (
	OrderPending   = "pending"
	OrderConfirmed = "confirmed"
	OrderShipped   = "shipped"
	OrderDelivered = "delivered"
	OrderCancelled = "cancelled"
)

type OrderItem struct {
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents,omitempty"`
}

type Order struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	Items      []OrderItem `json:"items"`
	TotalCents int64       `json:"total_cents"`
	Status     string      `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

type OrderInput struct {
	Items           []OrderItem `json:"items"`
	ShippingAddress string      `json:"shipping_address"`
}

type OrderPage struct {
	Page      int     `json:"page"`
	PageCount int     `json:"page_count"`
	Orders    []Order `json:"orders"`
}

const (
	RoleCustomer = "customer"
	RoleVendor   = "vendor"
	RoleAdmin    = "admin"
)

// User is the account behind a bearer token
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
	VendorID string `json:"vendor_id,omitempty"`
}

// CanManageVendor reports whether u may write to the vendor's catalog
func (u *User) CanManageVendor(vendorID string) bool {
	if u == nil || vendorID == "" {
		return false
	}
	return u.Role == RoleAdmin || (u.Role == RoleVendor && u.VendorID == vendorID)
}
