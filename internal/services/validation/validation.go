package validation

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// totalsEpsilon absorbs rounding between the order components and its grand total.
var totalsEpsilon = decimal.RequireFromString("0.01")

var phoneRe = regexp.MustCompile(`^\+?[0-9\s\-().]{7,20}$`)

type Result struct {
	Valid  bool
	Errors []string
}

// Error is returned for orders that fail validation or eligibility. It is never
// retryable.
type Error struct {
	Reasons []string
}

func (e *Error) Error() string {
	return "order validation failed: " + strings.Join(e.Reasons, "; ")
}

func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &Error{Reasons: r.Errors}
}

type Validator struct {
	cfg      config.SyncConfig
	validate *validator.Validate
}

func New(cfg config.SyncConfig) *Validator {
	return &Validator{cfg: cfg, validate: validator.New()}
}

// Validate runs every rule and reports all failures, most severe first.
func (v *Validator) Validate(o *models.Order) Result {
	if o == nil {
		return Result{Valid: false, Errors: []string{"order is required"}}
	}

	var errs []string
	errs = append(errs, v.required(o)...)
	errs = append(errs, v.formats(o)...)
	errs = append(errs, v.lineItems(o)...)
	errs = append(errs, v.totals(o)...)
	errs = append(errs, v.eligibility(o)...)

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// Eligible is the business-eligibility subset checked before any record is touched.
func (v *Validator) Eligible(o *models.Order) error {
	if o == nil {
		return &Error{Reasons: []string{"order is required"}}
	}
	if errs := v.eligibility(o); len(errs) > 0 {
		return &Error{Reasons: errs}
	}
	return nil
}

func (v *Validator) required(o *models.Order) []string {
	var errs []string
	if strings.TrimSpace(o.Customer.Email) == "" {
		errs = append(errs, "customer email is required")
	}
	if len(o.Items) == 0 {
		errs = append(errs, "order has no line items")
	}
	if !o.GrandTotal.IsPositive() {
		errs = append(errs, "order total must be greater than zero")
	}
	return errs
}

func (v *Validator) formats(o *models.Order) []string {
	var errs []string
	if o.Customer.Email != "" {
		if err := v.validate.Var(o.Customer.Email, "email"); err != nil {
			errs = append(errs, fmt.Sprintf("invalid customer email %q", o.Customer.Email))
		}
	}
	if o.Customer.Phone != "" && !phoneRe.MatchString(o.Customer.Phone) {
		errs = append(errs, fmt.Sprintf("invalid customer phone %q", o.Customer.Phone))
	}
	if err := v.validate.Var(o.Currency, "required,len=3,alpha"); err != nil {
		errs = append(errs, fmt.Sprintf("invalid currency code %q", o.Currency))
	}
	return errs
}

func (v *Validator) lineItems(o *models.Order) []string {
	var errs []string
	for i, it := range o.Items {
		n := i + 1
		if it.Quantity <= 0 {
			errs = append(errs, fmt.Sprintf("line %d: quantity must be positive", n))
		}
		if it.UnitPrice.IsNegative() {
			errs = append(errs, fmt.Sprintf("line %d: unit price must not be negative", n))
		}
		if !it.HasProductRef() {
			errs = append(errs, fmt.Sprintf("line %d: product reference is missing", n))
		}
	}
	return errs
}

func (v *Validator) totals(o *models.Order) []string {
	expected := ExpectedTotal(o)
	if expected.Sub(o.GrandTotal).Abs().GreaterThan(totalsEpsilon) {
		return []string{fmt.Sprintf("order totals do not add up: expected %s, got %s",
			expected.StringFixed(2), o.GrandTotal.StringFixed(2))}
	}
	return nil
}

func (v *Validator) eligibility(o *models.Order) []string {
	var errs []string
	if len(v.cfg.SyncableStatuses) > 0 && !slices.Contains(v.cfg.SyncableStatuses, o.Status) {
		errs = append(errs, fmt.Sprintf("order status %q is not syncable", o.Status))
	}
	if o.GrandTotal.LessThan(v.cfg.MinOrderTotal) {
		errs = append(errs, fmt.Sprintf("order total %s is below minimum %s",
			o.GrandTotal.StringFixed(2), v.cfg.MinOrderTotal.StringFixed(2)))
	}
	if o.PaymentMethod != "" && slices.Contains(v.cfg.ExcludedPaymentMethods, o.PaymentMethod) {
		errs = append(errs, fmt.Sprintf("payment method %q is excluded", o.PaymentMethod))
	}
	if o.Customer.Role != "" && slices.Contains(v.cfg.ExcludedCustomerRoles, o.Customer.Role) {
		errs = append(errs, fmt.Sprintf("customer role %q is excluded", o.Customer.Role))
	}
	return errs
}

// ExpectedTotal is subtotal + tax + shipping - discount.
func ExpectedTotal(o *models.Order) decimal.Decimal {
	return o.Subtotal.Add(o.Tax).Add(o.Shipping).Sub(o.Discount)
}
