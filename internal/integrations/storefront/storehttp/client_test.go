package storehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/CRMSync/internal/integrations/storefront"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const orderBody = `{
  "id": 1001,
  "number": "1001",
  "currency": "USD",
  "status": "processing",
  "customer_id": 5,
  "billing": {"first_name":"Jane","last_name":"Doe","address_1":"1 Main St","city":"Springfield","country":"US","email":"jane@example.com","phone":"+1 555 010 2000"},
  "shipping": {"address_1":"1 Main St","city":"Springfield","country":"US"},
  "line_items": [
    {"product_id": 7, "variation_id": 8, "sku": "TEE-M", "name": "T-Shirt", "quantity": 2, "price": 25, "subtotal": "50.00", "total_tax": "4.00",
     "meta_data": [{"key":"size","value":"M"},{"key":"_crm_product_id","value":"P-7"},{"key":"_reduced_stock","value":2}]}
  ],
  "tax_lines": [{"label":"State","tax_total":"4.00","shipping_tax_total":"0.40"}],
  "shipping_lines": [{"method_title":"Flat rate"}],
  "discount_total": "0.00",
  "shipping_total": "5.00",
  "total_tax": "4.40",
  "total": "59.40",
  "payment_method": "stripe",
  "payment_method_title": "Credit card",
  "customer_note": "leave at door",
  "meta_data": [{"key":"_crm_contact_id","value":"C-3"},{"key":"_customer_role","value":"customer"},{"key":"utm_source","value":"ads"}],
  "date_created_gmt": "2025-03-01T10:00:00"
}`

func TestClient_GetOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wp-json/wc/v3/orders/1001", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "ck", user)
		require.Equal(t, "cs", pass)
		_, _ = w.Write([]byte(orderBody))
	}))
	defer srv.Close()

	o, err := New(srv.URL, "ck", "cs").GetOrder(context.Background(), 1001)
	require.NoError(t, err)

	require.Equal(t, int64(1001), o.ID)
	require.Equal(t, "processing", o.Status)
	require.Equal(t, "jane@example.com", o.Customer.Email)
	require.Equal(t, "C-3", o.Customer.RemoteContactID)
	require.Equal(t, "customer", o.Customer.Role)
	require.Equal(t, "Flat rate", o.ShippingMethod)
	require.True(t, o.Subtotal.Equal(decimal.RequireFromString("50")))
	require.True(t, o.GrandTotal.Equal(decimal.RequireFromString("59.40")))
	require.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), o.CreatedAt)

	require.Len(t, o.Items, 1)
	it := o.Items[0]
	require.Equal(t, "P-7", it.RemoteProductID)
	require.Equal(t, map[string]string{"size": "M"}, it.Attributes)
	require.True(t, it.UnitPrice.Equal(decimal.RequireFromString("25")))

	require.Len(t, o.TaxLines, 1)
	require.True(t, o.TaxLines[0].Amount.Equal(decimal.RequireFromString("4.40")))
	require.Equal(t, "ads", o.Meta["utm_source"])
}

func TestClient_GetOrder_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "", "").GetOrder(context.Background(), 1)
	require.ErrorIs(t, err, storefront.ErrOrderNotFound)
}

func TestClient_UpdateOrderStatus(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "", "").UpdateOrderStatus(context.Background(), 1001, "completed"))
	require.Equal(t, "completed", got["status"])
}
