package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Storefront order statuses known to the default mapping tables.
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusOnHold     = "on-hold"
	OrderStatusCompleted  = "completed"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
	OrderStatusFailed     = "failed"
)

// Order is the storefront order as read by the sync engine. It is never written back
// except for status transitions driven by the CRM.
type Order struct {
	ID       int64
	Number   string
	Currency string
	Status   string

	Customer        Customer
	BillingAddress  Address
	ShippingAddress Address

	Items []LineItem

	Subtotal   decimal.Decimal
	Tax        decimal.Decimal
	Shipping   decimal.Decimal
	Discount   decimal.Decimal
	GrandTotal decimal.Decimal
	TaxLines   []TaxLine

	ShippingMethod     string
	PaymentMethod      string
	PaymentMethodTitle string
	CustomerNote       string

	Meta map[string]string

	CreatedAt time.Time
}

type Customer struct {
	ID        int64
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Company   string
	Role      string

	// RemoteContactID is set when the storefront already knows the CRM contact.
	RemoteContactID string
}

type Address struct {
	Line1    string
	Line2    string
	City     string
	State    string
	Postcode string
	Country  string
}

func (a Address) IsZero() bool {
	return a == Address{}
}

type LineItem struct {
	ProductID   int64
	VariationID int64
	SKU         string
	Name        string
	Quantity    int
	UnitPrice   decimal.Decimal
	Tax         decimal.Decimal

	// Attributes holds variant attributes such as size or colour.
	Attributes map[string]string

	RemoteProductID string
}

// HasProductRef reports whether the item can be resolved to a CRM product.
func (li LineItem) HasProductRef() bool {
	return li.RemoteProductID != "" || li.ProductID > 0 || li.SKU != ""
}

func (li LineItem) LineTotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

type TaxLine struct {
	Label  string
	Amount decimal.Decimal
}

// Attribute resolves an order attribute by name for custom-field mappings.
func (o *Order) Attribute(name string) (string, bool) {
	switch name {
	case "id":
		return strconv.FormatInt(o.ID, 10), true
	case "number":
		return o.Number, true
	case "currency":
		return o.Currency, true
	case "status":
		return o.Status, true
	case "payment_method":
		return o.PaymentMethod, true
	case "payment_method_title":
		return o.PaymentMethodTitle, true
	case "shipping_method":
		return o.ShippingMethod, true
	case "customer_note":
		return o.CustomerNote, true
	case "customer_email", "billing_email":
		return o.Customer.Email, true
	case "billing_phone":
		return o.Customer.Phone, true
	case "billing_company":
		return o.Customer.Company, true
	case "billing_city":
		return o.BillingAddress.City, true
	case "billing_country":
		return o.BillingAddress.Country, true
	case "shipping_city":
		return o.ShippingAddress.City, true
	case "shipping_country":
		return o.ShippingAddress.Country, true
	case "grand_total":
		return o.GrandTotal.StringFixed(2), true
	case "created_at":
		if o.CreatedAt.IsZero() {
			return "", true
		}
		return o.CreatedAt.UTC().Format(time.RFC3339), true
	default:
		return "", false
	}
}
