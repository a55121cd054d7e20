package models

import "github.com/shopspring/decimal"

// Remote record kinds. Which one is used is a deployment-wide choice.
const (
	RecordKindQuote      = "quote"
	RecordKindSalesOrder = "sales_order"
)

// Remote stages known to the default mapping tables.
const (
	StageDraft       = "Draft"
	StageNegotiation = "Negotiation"
	StageOnHold      = "On Hold"
	StageClosedWon   = "Closed Won"
	StageClosedLost  = "Closed Lost"
)

// RemotePayload is the canonical CRM representation of an order.
type RemotePayload struct {
	ExternalRef string `json:"external_ref"`
	Subject     string `json:"subject"`
	Currency    string `json:"currency"`
	Stage       string `json:"stage"`

	Contact ContactRef `json:"contact"`

	Lines    []RemoteLine    `json:"lines"`
	TaxLines []RemoteTaxLine `json:"tax_lines,omitempty"`

	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Shipping decimal.Decimal `json:"shipping"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`

	PaymentMethod string `json:"payment_method,omitempty"`
	Description   string `json:"description,omitempty"`

	BillingAddress  *RemoteAddress `json:"billing_address,omitempty"`
	ShippingAddress *RemoteAddress `json:"shipping_address,omitempty"`

	CustomFields []CustomField `json:"custom_fields,omitempty"`
}

// ContactRef is either a known CRM contact id or an embedded creation record.
type ContactRef struct {
	ID  string        `json:"id,omitempty"`
	New *ContactInput `json:"new,omitempty"`
}

func (c ContactRef) Resolved() bool { return c.ID != "" }

type ContactInput struct {
	Email     string         `json:"email"`
	FirstName string         `json:"first_name,omitempty"`
	LastName  string         `json:"last_name,omitempty"`
	Phone     string         `json:"phone,omitempty"`
	Company   string         `json:"company,omitempty"`
	Address   *RemoteAddress `json:"address,omitempty"`
}

// ProductRef is either a known CRM product id or an embedded creation record.
type ProductRef struct {
	ID  string        `json:"id,omitempty"`
	New *ProductInput `json:"new,omitempty"`
}

func (p ProductRef) Resolved() bool { return p.ID != "" }

type ProductInput struct {
	Name        string          `json:"name"`
	SKU         string          `json:"sku,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Description string          `json:"description,omitempty"`
}

type RemoteLine struct {
	Product     ProductRef      `json:"product"`
	Description string          `json:"description,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

type RemoteTaxLine struct {
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount"`
}

type RemoteAddress struct {
	Street   string `json:"street,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	Postcode string `json:"postcode,omitempty"`
	Country  string `json:"country,omitempty"`
}

type CustomField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
