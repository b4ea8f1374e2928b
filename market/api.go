package market

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/briangreenhill/decormarket/cache"
)

const (
	productsPath   = "/products"
	vendorsPath    = "/vendors"
	categoriesPath = "/categories"
	ordersPath     = "/orders"
	mePath         = "/auth/me"
)

func itemPath(base, id string) string {
	return base + "/" + url.PathEscape(id)
}

func (q ProductQuery) params() cache.Params {
	p := cache.Params{}
	if q.Page > 0 {
		p["page"] = q.Page
	}
	if q.Limit > 0 {
		p["limit"] = q.Limit
	}
	if q.Category != "" {
		p["category"] = q.Category
	}
	if q.VendorID != "" {
		p["vendor"] = q.VendorID
	}
	if q.Search != "" {
		p["search"] = q.Search
	}
	if q.Sort != "" {
		p["sort"] = q.Sort
	}
	return p
}

func pageParams(page int) cache.Params {
	if page <= 0 {
		page = 1
	}
	return cache.Params{"page": page}
}

// ListProducts returns one page of the catalog
func (c *Client) ListProducts(ctx context.Context, q ProductQuery) (ProductPage, error) {
	var p ProductPage
	err := c.getJSON(ctx, productsPath, q.params(), false, &p)
	return p, err
}

// GetProduct returns a single product
func (c *Client) GetProduct(ctx context.Context, id string) (*Product, error) {
	if id == "" {
		return nil, errNoID
	}
	var p Product
	if err := c.getJSON(ctx, itemPath(productsPath, id), nil, false, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProduct adds a product to a vendor's catalog
func (c *Client) CreateProduct(ctx context.Context, in ProductInput) (*Product, error) {
	if in.VendorID == "" {
		return nil, fmt.Errorf("%w: vendor id required", ErrInvalidInput)
	}
	var p Product
	err := c.send(ctx, http.MethodPost, productsPath, in, &p,
		productsPath, itemPath(vendorsPath, in.VendorID))
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProduct replaces the editable fields of a product
func (c *Client) UpdateProduct(ctx context.Context, id string, in ProductInput) (*Product, error) {
	if id == "" {
		return nil, errNoID
	}
	patterns := []string{productsPath}
	if in.VendorID != "" {
		patterns = append(patterns, itemPath(vendorsPath, in.VendorID))
	}
	var p Product
	if err := c.send(ctx, http.MethodPut, itemPath(productsPath, id), in, &p, patterns...); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProduct removes a product. vendorID may be empty when unknown, in
// which case only the product family is invalidated.
func (c *Client) DeleteProduct(ctx context.Context, id, vendorID string) error {
	if id == "" {
		return errNoID
	}
	patterns := []string{productsPath}
	if vendorID != "" {
		patterns = append(patterns, itemPath(vendorsPath, vendorID))
	}
	return c.send(ctx, http.MethodDelete, itemPath(productsPath, id), nil, nil, patterns...)
}

// ListVendors returns one page of vendors
func (c *Client) ListVendors(ctx context.Context, page int) (VendorPage, error) {
	var v VendorPage
	err := c.getJSON(ctx, vendorsPath, pageParams(page), false, &v)
	return v, err
}

// GetVendor returns a single vendor profile
func (c *Client) GetVendor(ctx context.Context, id string) (*Vendor, error) {
	if id == "" {
		return nil, errNoID
	}
	var v Vendor
	if err := c.getJSON(ctx, itemPath(vendorsPath, id), nil, false, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVendorProducts returns one page of a vendor's catalog
func (c *Client) ListVendorProducts(ctx context.Context, vendorID string, page int) (ProductPage, error) {
	var p ProductPage
	if vendorID == "" {
		return p, errNoID
	}
	err := c.getJSON(ctx, itemPath(vendorsPath, vendorID)+productsPath, pageParams(page), false, &p)
	return p, err
}

// CreateVendor registers a vendor profile for the authenticated user
func (c *Client) CreateVendor(ctx context.Context, in VendorInput) (*Vendor, error) {
	var v Vendor
	if err := c.send(ctx, http.MethodPost, vendorsPath, in, &v, vendorsPath); err != nil {
		return nil, err
	}
	return &v, nil
}

// UpdateVendor edits a vendor profile
func (c *Client) UpdateVendor(ctx context.Context, id string, in VendorInput) (*Vendor, error) {
	if id == "" {
		return nil, errNoID
	}
	var v Vendor
	if err := c.send(ctx, http.MethodPut, itemPath(vendorsPath, id), in, &v, vendorsPath); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListCategories returns all product categories
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	var cats []Category
	if err := c.getJSON(ctx, categoriesPath, nil, false, &cats); err != nil {
		return nil, err
	}
	return cats, nil
}

// Me returns the user the client authenticates as. It fails with
// ErrUnauthorized when the backend rejects the token.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.getJSON(ctx, mePath, nil, true, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListOrders returns the authenticated user's orders
func (c *Client) ListOrders(ctx context.Context, page int) (OrderPage, error) {
	var o OrderPage
	err := c.getJSON(ctx, ordersPath, pageParams(page), true, &o)
	return o, err
}

// GetOrder returns one of the authenticated user's orders
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	if id == "" {
		return nil, errNoID
	}
	var o Order
	if err := c.getJSON(ctx, itemPath(ordersPath, id), nil, true, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrder places an order. Product stock changes, so products are
// invalidated too.
func (c *Client) CreateOrder(ctx context.Context, in OrderInput) (*Order, error) {
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", ErrInvalidInput)
	}
	var o Order
	if err := c.send(ctx, http.MethodPost, ordersPath, in, &o, ordersPath, productsPath); err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateOrderStatus moves an order to status
func (c *Client) UpdateOrderStatus(ctx context.Context, id, status string) (*Order, error) {
	if id == "" {
		return nil, errNoID
	}
	switch status {
	case OrderPending, OrderConfirmed, OrderShipped, OrderDelivered, OrderCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown order status %q", ErrInvalidInput, status)
	}
	var o Order
	body := map[string]string{"status": status}
	if err := c.send(ctx, http.MethodPatch, itemPath(ordersPath, id)+"/status", body, &o, ordersPath, productsPath); err != nil {
		return nil, err
	}
	return &o, nil
}
