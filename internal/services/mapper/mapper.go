package mapper

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/shopspring/decimal"
)

const shippingLineName = "Shipping"

// Error means the order defeated deterministic mapping. It is not retryable.
type Error struct {
	OrderID int64
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("map order %d: %s", e.OrderID, e.Reason)
}

// Mapper turns a storefront order into the canonical CRM payload. It never performs
// I/O: contacts and products it cannot reference by id are embedded for the CRM
// client to find or create.
type Mapper struct {
	cfg config.SyncConfig
}

func New(cfg config.SyncConfig) *Mapper {
	return &Mapper{cfg: cfg}
}

func (m *Mapper) Map(o *models.Order) (models.RemotePayload, error) {
	if o == nil {
		return models.RemotePayload{}, &Error{Reason: "order is nil"}
	}

	p := models.RemotePayload{
		ExternalRef:   ExternalRef(o.ID),
		Subject:       subject(o),
		Currency:      strings.ToUpper(o.Currency),
		Stage:         m.Stage(o.Status),
		Contact:       m.contact(o),
		Subtotal:      o.Subtotal,
		Tax:           o.Tax,
		Shipping:      o.Shipping,
		Discount:      o.Discount,
		Total:         o.Subtotal.Add(o.Tax).Add(o.Shipping).Sub(o.Discount),
		PaymentMethod: m.PaymentMethod(o),
		Description:   o.CustomerNote,
	}

	if !o.BillingAddress.IsZero() {
		p.BillingAddress = address(o.BillingAddress)
	}
	if !o.ShippingAddress.IsZero() {
		p.ShippingAddress = address(o.ShippingAddress)
	}

	for i, it := range o.Items {
		line, err := m.line(o, i, it)
		if err != nil {
			return models.RemotePayload{}, err
		}
		p.Lines = append(p.Lines, line)
	}

	if m.cfg.IncludeShipping && o.Shipping.IsPositive() {
		desc := shippingLineName
		if o.ShippingMethod != "" {
			desc = shippingLineName + ": " + o.ShippingMethod
		}
		p.Lines = append(p.Lines, models.RemoteLine{
			Product: models.ProductRef{New: &models.ProductInput{
				Name:      shippingLineName,
				SKU:       "shipping",
				UnitPrice: o.Shipping,
			}},
			Description: desc,
			Quantity:    1,
			UnitPrice:   o.Shipping,
			Total:       o.Shipping,
		})
	}

	if m.cfg.IncludeTax {
		p.TaxLines = taxBreakdown(o)
	}

	p.CustomFields = m.customFields(o)
	return p, nil
}

// Stage maps a storefront status to a CRM stage, falling back to Draft.
func (m *Mapper) Stage(status string) string {
	if st, ok := m.cfg.StatusToStage[status]; ok && st != "" {
		return st
	}
	return models.StageDraft
}

// PaymentMethod maps the payment gateway id, falling back to the raw label.
func (m *Mapper) PaymentMethod(o *models.Order) string {
	if v, ok := m.cfg.PaymentMappings[o.PaymentMethod]; ok && v != "" {
		return v
	}
	if o.PaymentMethodTitle != "" {
		return o.PaymentMethodTitle
	}
	return o.PaymentMethod
}

func (m *Mapper) contact(o *models.Order) models.ContactRef {
	c := o.Customer
	if c.RemoteContactID != "" {
		return models.ContactRef{ID: c.RemoteContactID}
	}
	in := &models.ContactInput{
		Email:     strings.ToLower(strings.TrimSpace(c.Email)),
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Phone:     c.Phone,
		Company:   c.Company,
	}
	if !o.BillingAddress.IsZero() {
		in.Address = address(o.BillingAddress)
	}
	return models.ContactRef{New: in}
}

func (m *Mapper) line(o *models.Order, i int, it models.LineItem) (models.RemoteLine, error) {
	if it.Quantity <= 0 {
		return models.RemoteLine{}, &Error{OrderID: o.ID, Reason: fmt.Sprintf("line %d has quantity %d", i+1, it.Quantity)}
	}

	desc := it.Name
	if attrs := attributesText(it.Attributes); attrs != "" {
		desc = desc + " (" + attrs + ")"
	}

	var ref models.ProductRef
	switch {
	case it.RemoteProductID != "":
		ref.ID = it.RemoteProductID
	case it.SKU != "" || it.ProductID > 0:
		sku := it.SKU
		if sku == "" {
			sku = "product-" + strconv.FormatInt(it.ProductID, 10)
			if it.VariationID > 0 {
				sku += "-" + strconv.FormatInt(it.VariationID, 10)
			}
		}
		name := it.Name
		if name == "" {
			name = sku
		}
		ref.New = &models.ProductInput{
			Name:        name,
			SKU:         sku,
			UnitPrice:   it.UnitPrice,
			Description: desc,
		}
	default:
		return models.RemoteLine{}, &Error{OrderID: o.ID, Reason: fmt.Sprintf("line %d has no product reference", i+1)}
	}

	return models.RemoteLine{
		Product:     ref,
		Description: desc,
		Quantity:    it.Quantity,
		UnitPrice:   it.UnitPrice,
		Total:       it.LineTotal(),
	}, nil
}

func (m *Mapper) customFields(o *models.Order) []models.CustomField {
	var out []models.CustomField
	mapped := make(map[string]struct{}, len(m.cfg.FieldMappings))

	for _, fm := range m.cfg.FieldMappings {
		var (
			val string
			ok  bool
		)
		switch fm.Source {
		case config.FieldSourceAttribute:
			val, ok = o.Attribute(fm.Key)
		case config.FieldSourceMeta:
			val, ok = o.Meta[fm.Key]
			if ok {
				mapped[fm.Key] = struct{}{}
			}
		}
		if !ok {
			continue
		}
		out = append(out, models.CustomField{Key: fm.RemoteField, Value: val})
	}

	// Remaining public meta goes into a single catch-all bag.
	bag := make(map[string]string)
	for k, v := range o.Meta {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if _, done := mapped[k]; done {
			continue
		}
		bag[k] = v
	}
	if len(bag) > 0 {
		// encoding/json sorts map keys, so the bag is deterministic.
		b, _ := json.Marshal(bag)
		out = append(out, models.CustomField{Key: "order_meta", Value: string(b)})
	}
	return out
}

func taxBreakdown(o *models.Order) []models.RemoteTaxLine {
	if len(o.TaxLines) == 0 {
		if !o.Tax.IsPositive() {
			return nil
		}
		return []models.RemoteTaxLine{{Label: "Tax", Amount: o.Tax}}
	}

	byLabel := make(map[string]decimal.Decimal)
	var order []string
	for _, tl := range o.TaxLines {
		label := tl.Label
		if label == "" {
			label = "Tax"
		}
		if _, ok := byLabel[label]; !ok {
			order = append(order, label)
		}
		byLabel[label] = byLabel[label].Add(tl.Amount)
	}
	out := make([]models.RemoteTaxLine, 0, len(order))
	for _, label := range order {
		out = append(out, models.RemoteTaxLine{Label: label, Amount: byLabel[label]})
	}
	return out
}

func attributesText(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+attrs[k])
	}
	return strings.Join(parts, ", ")
}

func address(a models.Address) *models.RemoteAddress {
	street := a.Line1
	if a.Line2 != "" {
		street = street + ", " + a.Line2
	}
	return &models.RemoteAddress{
		Street:   street,
		City:     a.City,
		State:    a.State,
		Postcode: a.Postcode,
		Country:  a.Country,
	}
}

func subject(o *models.Order) string {
	n := o.Number
	if n == "" {
		n = strconv.FormatInt(o.ID, 10)
	}
	return "Order #" + n
}

// ExternalRef is the stable reference of an order on the CRM side.
func ExternalRef(orderID int64) string {
	return "order-" + strconv.FormatInt(orderID, 10)
}
