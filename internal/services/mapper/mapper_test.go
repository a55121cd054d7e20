package mapper

import (
	"encoding/json"
	"testing"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleOrder() *models.Order {
	return &models.Order{
		ID:       1001,
		Number:   "1001",
		Currency: "usd",
		Status:   models.OrderStatusProcessing,
		Customer: models.Customer{Email: "Jane@Example.com", FirstName: "Jane", LastName: "Doe"},
		BillingAddress: models.Address{Line1: "1 Main St", Line2: "Apt 2", City: "Springfield", Country: "US"},
		Items: []models.LineItem{
			{ProductID: 7, SKU: "TEE", Name: "T-Shirt", Quantity: 2, UnitPrice: d("25.00"),
				Attributes: map[string]string{"size": "M", "color": "red"}},
			{RemoteProductID: "P-9", Name: "Gift card", Quantity: 1, UnitPrice: d("50.00")},
		},
		Subtotal:           d("100.00"),
		Tax:                d("8.00"),
		Shipping:           d("5.00"),
		Discount:           d("0.00"),
		GrandTotal:         d("113.00"),
		TaxLines:           []models.TaxLine{{Label: "State", Amount: d("6.00")}, {Label: "City", Amount: d("1.50")}, {Label: "State", Amount: d("0.50")}},
		ShippingMethod:     "Flat rate",
		PaymentMethod:      "stripe",
		PaymentMethodTitle: "Credit card",
		Meta:               map[string]string{"utm_source": "newsletter", "_secret": "x", "gift": "yes"},
	}
}

func TestMap_TotalsAndLines(t *testing.T) {
	m := New(config.DefaultSyncConfig())
	p, err := m.Map(sampleOrder())
	require.NoError(t, err)

	require.True(t, p.Total.Equal(d("113.00")), p.Total.String())
	require.Equal(t, "order-1001", p.ExternalRef)
	require.Equal(t, "Order #1001", p.Subject)
	require.Equal(t, "USD", p.Currency)
	require.Equal(t, models.StageNegotiation, p.Stage)

	require.Len(t, p.Lines, 3)
	require.Equal(t, "T-Shirt (color: red, size: M)", p.Lines[0].Description)
	require.NotNil(t, p.Lines[0].Product.New)
	require.Equal(t, "TEE", p.Lines[0].Product.New.SKU)
	require.True(t, p.Lines[0].Total.Equal(d("50.00")))

	require.Equal(t, "P-9", p.Lines[1].Product.ID)
	require.Nil(t, p.Lines[1].Product.New)

	ship := p.Lines[2]
	require.Equal(t, "Shipping: Flat rate", ship.Description)
	require.True(t, ship.UnitPrice.Equal(d("5.00")))

	require.Len(t, p.TaxLines, 2)
	require.Equal(t, "State", p.TaxLines[0].Label)
	require.True(t, p.TaxLines[0].Amount.Equal(d("6.50")))
	require.Equal(t, "City", p.TaxLines[1].Label)
	require.True(t, p.TaxLines[1].Amount.Equal(d("1.50")))
}

func TestMap_ContactEmbeddedOrReferenced(t *testing.T) {
	m := New(config.DefaultSyncConfig())
	o := sampleOrder()

	p, err := m.Map(o)
	require.NoError(t, err)
	require.False(t, p.Contact.Resolved())
	require.Equal(t, "jane@example.com", p.Contact.New.Email)
	require.Equal(t, "1 Main St, Apt 2", p.Contact.New.Address.Street)

	o.Customer.RemoteContactID = "C-1"
	p, err = m.Map(o)
	require.NoError(t, err)
	require.Equal(t, "C-1", p.Contact.ID)
	require.Nil(t, p.Contact.New)
}

func TestMap_FlagsDisableShippingAndTax(t *testing.T) {
	cfg := config.DefaultSyncConfig()
	cfg.IncludeShipping = false
	cfg.IncludeTax = false

	p, err := New(cfg).Map(sampleOrder())
	require.NoError(t, err)
	require.Len(t, p.Lines, 2)
	require.Empty(t, p.TaxLines)
	require.True(t, p.Total.Equal(d("113.00")))
}

func TestMap_StageAndPaymentFallbacks(t *testing.T) {
	cfg := config.DefaultSyncConfig()
	cfg.PaymentMappings = map[string]string{"stripe": "Card"}
	m := New(cfg)

	o := sampleOrder()
	o.Status = "wc-custom"
	p, err := m.Map(o)
	require.NoError(t, err)
	require.Equal(t, models.StageDraft, p.Stage)
	require.Equal(t, "Card", p.PaymentMethod)

	o.PaymentMethod = "bacs"
	require.Equal(t, "Credit card", m.PaymentMethod(o))
	o.PaymentMethodTitle = ""
	require.Equal(t, "bacs", m.PaymentMethod(o))
}

func TestMap_CustomFields(t *testing.T) {
	cfg := config.DefaultSyncConfig()
	cfg.FieldMappings = []config.FieldMapping{
		{RemoteField: "Lead Source", Source: config.FieldSourceMeta, Key: "utm_source"},
		{RemoteField: "Store Order", Source: config.FieldSourceAttribute, Key: "number"},
		{RemoteField: "Missing", Source: config.FieldSourceMeta, Key: "nope"},
	}

	p, err := New(cfg).Map(sampleOrder())
	require.NoError(t, err)
	require.Len(t, p.CustomFields, 3)
	require.Equal(t, models.CustomField{Key: "Lead Source", Value: "newsletter"}, p.CustomFields[0])
	require.Equal(t, models.CustomField{Key: "Store Order", Value: "1001"}, p.CustomFields[1])

	bag := p.CustomFields[2]
	require.Equal(t, "order_meta", bag.Key)
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(bag.Value), &got))
	require.Equal(t, map[string]string{"gift": "yes"}, got)
}

func TestMap_Deterministic(t *testing.T) {
	m := New(config.DefaultSyncConfig())
	a, err := m.Map(sampleOrder())
	require.NoError(t, err)
	b, err := m.Map(sampleOrder())
	require.NoError(t, err)

	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	require.JSONEq(t, string(ja), string(jb))
}

func TestMap_MalformedLine(t *testing.T) {
	o := sampleOrder()
	o.Items = append(o.Items, models.LineItem{Name: "Orphan", Quantity: 1, UnitPrice: d("1")})

	_, err := New(config.DefaultSyncConfig()).Map(o)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, int64(1001), merr.OrderID)
}
