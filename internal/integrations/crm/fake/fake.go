package fake

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/BearBump/CRMSync/internal/integrations/crm"
	"github.com/BearBump/CRMSync/internal/models"
)

// Client is a deterministic in-memory CRM. Ids are sequential per kind.
type Client struct {
	mu sync.Mutex

	kind     string
	seq      int
	records  map[string]models.RemotePayload
	byRef    map[string]string
	contacts map[string]string
	products map[string]string

	failures []error

	creates int
	updates int
}

func New(kind string) *Client {
	if kind == "" {
		kind = models.RecordKindQuote
	}
	return &Client{
		kind:     kind,
		records:  make(map[string]models.RemotePayload),
		byRef:    make(map[string]string),
		contacts: make(map[string]string),
		products: make(map[string]string),
	}
}

// FailNext makes the next n record operations fail with err.
func (c *Client) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.failures = append(c.failures, err)
	}
}

// FailNextStatus is FailNext with a CRM HTTP status.
func (c *Client) FailNextStatus(n, status int) {
	c.FailNext(n, crm.NewStatusError(status, "", "fake failure"))
}

func (c *Client) Kind() string { return c.kind }

func (c *Client) Creates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

func (c *Client) Updates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *Client) CreateRecord(ctx context.Context, p models.RemotePayload) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popFailure(); err != nil {
		return "", err
	}
	// Same external ref means the same idempotency key.
	if id, ok := c.byRef[p.ExternalRef]; ok && p.ExternalRef != "" {
		return id, nil
	}
	p = c.resolveLocked(p)
	c.seq++
	id := fmt.Sprintf("%s-%d", strings.ToUpper(c.kind[:1]), c.seq)
	c.records[id] = p
	if p.ExternalRef != "" {
		c.byRef[p.ExternalRef] = id
	}
	c.creates++
	return id, nil
}

func (c *Client) UpdateRecord(ctx context.Context, remoteID string, p models.RemotePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popFailure(); err != nil {
		return err
	}
	if _, ok := c.records[remoteID]; !ok {
		return crm.NewStatusError(http.StatusNotFound, "NOT_FOUND", "record "+remoteID+" not found")
	}
	c.records[remoteID] = c.resolveLocked(p)
	c.updates++
	return nil
}

func (c *Client) GetRecord(ctx context.Context, remoteID string) (models.RemotePayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.records[remoteID]
	if !ok {
		return models.RemotePayload{}, crm.NewStatusError(http.StatusNotFound, "NOT_FOUND", "record "+remoteID+" not found")
	}
	return p, nil
}

func (c *Client) DeleteRecord(ctx context.Context, remoteID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.records[remoteID]
	if !ok {
		return crm.NewStatusError(http.StatusNotFound, "NOT_FOUND", "record "+remoteID+" not found")
	}
	delete(c.records, remoteID)
	delete(c.byRef, p.ExternalRef)
	return nil
}

func (c *Client) UpdateStage(ctx context.Context, remoteID, stage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.popFailure(); err != nil {
		return err
	}
	p, ok := c.records[remoteID]
	if !ok {
		return crm.NewStatusError(http.StatusNotFound, "NOT_FOUND", "record "+remoteID+" not found")
	}
	p.Stage = stage
	c.records[remoteID] = p
	return nil
}

func (c *Client) FindOrCreateContact(ctx context.Context, in models.ContactInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contactLocked(in), nil
}

func (c *Client) FindOrCreateProduct(ctx context.Context, in models.ProductInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.productLocked(in), nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	return nil
}

// Stage returns the current stage of a record.
func (c *Client) Stage(remoteID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.records[remoteID]
	return p.Stage, ok
}

func (c *Client) popFailure() error {
	if len(c.failures) == 0 {
		return nil
	}
	err := c.failures[0]
	c.failures = c.failures[1:]
	return err
}

func (c *Client) resolveLocked(p models.RemotePayload) models.RemotePayload {
	if !p.Contact.Resolved() && p.Contact.New != nil {
		p.Contact = models.ContactRef{ID: c.contactLocked(*p.Contact.New)}
	}
	lines := make([]models.RemoteLine, len(p.Lines))
	copy(lines, p.Lines)
	for i := range lines {
		if !lines[i].Product.Resolved() && lines[i].Product.New != nil {
			lines[i].Product = models.ProductRef{ID: c.productLocked(*lines[i].Product.New)}
		}
	}
	p.Lines = lines
	return p
}

func (c *Client) contactLocked(in models.ContactInput) string {
	key := strings.ToLower(strings.TrimSpace(in.Email))
	if id, ok := c.contacts[key]; ok {
		return id
	}
	id := fmt.Sprintf("C-%d", len(c.contacts)+1)
	c.contacts[key] = id
	return id
}

func (c *Client) productLocked(in models.ProductInput) string {
	if id, ok := c.products[in.SKU]; ok {
		return id
	}
	id := fmt.Sprintf("P-%d", len(c.products)+1)
	c.products[in.SKU] = id
	return id
}
