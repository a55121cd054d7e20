package storehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/CRMSync/internal/integrations/storefront"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Meta keys the storefront uses to remember CRM ids.
const (
	metaContactID    = "_crm_contact_id"
	metaProductID    = "_crm_product_id"
	metaCustomerRole = "_customer_role"
)

// Client talks to the storefront REST API (wc/v3 order resources).
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	httpc     *http.Client
}

func New(baseURL, apiKey, apiSecret string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.httpc.Timeout = d
	}
	return c
}

type metaItem struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type addressJSON struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Address1  string `json:"address_1"`
	Address2  string `json:"address_2"`
	City      string `json:"city"`
	State     string `json:"state"`
	Postcode  string `json:"postcode"`
	Country   string `json:"country"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type lineItemJSON struct {
	ProductID   int64           `json:"product_id"`
	VariationID int64           `json:"variation_id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	TotalTax    decimal.Decimal `json:"total_tax"`
	MetaData    []metaItem      `json:"meta_data"`
}

type taxLineJSON struct {
	Label            string          `json:"label"`
	TaxTotal         decimal.Decimal `json:"tax_total"`
	ShippingTaxTotal decimal.Decimal `json:"shipping_tax_total"`
}

type shippingLineJSON struct {
	MethodTitle string `json:"method_title"`
}

type orderJSON struct {
	ID                 int64              `json:"id"`
	Number             string             `json:"number"`
	Currency           string             `json:"currency"`
	Status             string             `json:"status"`
	CustomerID         int64              `json:"customer_id"`
	Billing            addressJSON        `json:"billing"`
	Shipping           addressJSON        `json:"shipping"`
	LineItems          []lineItemJSON     `json:"line_items"`
	TaxLines           []taxLineJSON      `json:"tax_lines"`
	ShippingLines      []shippingLineJSON `json:"shipping_lines"`
	DiscountTotal      decimal.Decimal    `json:"discount_total"`
	ShippingTotal      decimal.Decimal    `json:"shipping_total"`
	TotalTax           decimal.Decimal    `json:"total_tax"`
	Total              decimal.Decimal    `json:"total"`
	PaymentMethod      string             `json:"payment_method"`
	PaymentMethodTitle string             `json:"payment_method_title"`
	CustomerNote       string             `json:"customer_note"`
	MetaData           []metaItem         `json:"meta_data"`
	DateCreatedGMT     string             `json:"date_created_gmt"`
}

func (c *Client) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	req, err := c.newRequest(ctx, http.MethodGet, orderID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, storefront.ErrOrderNotFound
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("storefront http %d", resp.StatusCode)
	}

	var oj orderJSON
	if err := json.NewDecoder(resp.Body).Decode(&oj); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return toOrder(oj), nil
}

func (c *Client) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	b, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	req, err := c.newRequest(ctx, http.MethodPut, orderID, b)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return storefront.ErrOrderNotFound
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("storefront http %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method string, orderID int64, body []byte) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/wp-json/wc/v3/orders/" + strconv.FormatInt(orderID, 10)

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.SetBasicAuth(c.apiKey, c.apiSecret)
	}
	return req, nil
}

func toOrder(oj orderJSON) *models.Order {
	o := &models.Order{
		ID:                 oj.ID,
		Number:             oj.Number,
		Currency:           oj.Currency,
		Status:             oj.Status,
		BillingAddress:     address(oj.Billing),
		ShippingAddress:    address(oj.Shipping),
		Tax:                oj.TotalTax,
		Shipping:           oj.ShippingTotal,
		Discount:           oj.DiscountTotal,
		GrandTotal:         oj.Total,
		PaymentMethod:      oj.PaymentMethod,
		PaymentMethodTitle: oj.PaymentMethodTitle,
		CustomerNote:       oj.CustomerNote,
		Meta:               metaMap(oj.MetaData),
		Customer: models.Customer{
			ID:        oj.CustomerID,
			Email:     oj.Billing.Email,
			FirstName: oj.Billing.FirstName,
			LastName:  oj.Billing.LastName,
			Phone:     oj.Billing.Phone,
			Company:   oj.Billing.Company,
		},
	}
	if o.Number == "" {
		o.Number = strconv.FormatInt(oj.ID, 10)
	}
	o.Customer.RemoteContactID = o.Meta[metaContactID]
	o.Customer.Role = o.Meta[metaCustomerRole]

	if t, err := time.Parse("2006-01-02T15:04:05", oj.DateCreatedGMT); err == nil {
		o.CreatedAt = t.UTC()
	}
	if len(oj.ShippingLines) > 0 {
		o.ShippingMethod = oj.ShippingLines[0].MethodTitle
	}

	subtotal := decimal.Zero
	for _, li := range oj.LineItems {
		meta := metaMap(li.MetaData)
		attrs := make(map[string]string)
		for k, v := range meta {
			if !strings.HasPrefix(k, "_") {
				attrs[k] = v
			}
		}
		o.Items = append(o.Items, models.LineItem{
			ProductID:       li.ProductID,
			VariationID:     li.VariationID,
			SKU:             li.SKU,
			Name:            li.Name,
			Quantity:        li.Quantity,
			UnitPrice:       li.Price,
			Tax:             li.TotalTax,
			Attributes:      attrs,
			RemoteProductID: meta[metaProductID],
		})
		subtotal = subtotal.Add(li.Subtotal)
	}
	o.Subtotal = subtotal

	for _, tl := range oj.TaxLines {
		o.TaxLines = append(o.TaxLines, models.TaxLine{
			Label:  tl.Label,
			Amount: tl.TaxTotal.Add(tl.ShippingTaxTotal),
		})
	}
	return o
}

func address(a addressJSON) models.Address {
	return models.Address{
		Line1:    a.Address1,
		Line2:    a.Address2,
		City:     a.City,
		State:    a.State,
		Postcode: a.Postcode,
		Country:  a.Country,
	}
}

// metaMap keeps scalar meta values only.
func metaMap(items []metaItem) map[string]string {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for _, m := range items {
		switch v := m.Value.(type) {
		case string:
			out[m.Key] = v
		case float64:
			out[m.Key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[m.Key] = strconv.FormatBool(v)
		}
	}
	return out
}
