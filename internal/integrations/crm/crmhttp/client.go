package crmhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/CRMSync/internal/integrations/crm"
	"github.com/BearBump/CRMSync/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ContactCache keeps CRM contact ids by email between requests.
type ContactCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Client struct {
	baseURL string
	kind    string
	tokens  crm.TokenProvider
	httpc   *http.Client

	cache    ContactCache
	cacheTTL time.Duration
}

func New(baseURL, kind string, tokens crm.TokenProvider) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	if kind == "" {
		kind = models.RecordKindQuote
	}
	if tokens == nil {
		tokens = crm.StaticToken("")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		kind:    kind,
		tokens:  tokens,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
		cacheTTL: time.Hour,
	}
}

func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.httpc.Timeout = d
	}
	return c
}

func (c *Client) WithContactCache(cache ContactCache, ttl time.Duration) *Client {
	c.cache = cache
	if ttl > 0 {
		c.cacheTTL = ttl
	}
	return c
}

func (c *Client) Kind() string { return c.kind }

type createdResp struct {
	ID string `json:"id"`
}

type errorResp struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type stageReq struct {
	Stage string `json:"stage"`
}

type searchResp struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *Client) CreateRecord(ctx context.Context, p models.RemotePayload) (string, error) {
	p, err := c.resolve(ctx, p)
	if err != nil {
		return "", err
	}
	key := p.ExternalRef
	if key == "" {
		key = uuid.NewString()
	}
	var out createdResp
	if err := c.do(ctx, http.MethodPost, c.collection(), nil, p, &out, map[string]string{"Idempotency-Key": key}); err != nil {
		return "", errors.Wrap(err, "create "+c.kind)
	}
	if out.ID == "" {
		// The record may exist already; the idempotent create is safe to repeat.
		return "", &crm.RemoteError{StatusCode: http.StatusOK, Message: "create response has no id", Transient: true}
	}
	return out.ID, nil
}

func (c *Client) UpdateRecord(ctx context.Context, remoteID string, p models.RemotePayload) error {
	p, err := c.resolve(ctx, p)
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPut, c.item(remoteID), nil, p, nil, nil); err != nil {
		return errors.Wrap(err, "update "+c.kind)
	}
	return nil
}

func (c *Client) GetRecord(ctx context.Context, remoteID string) (models.RemotePayload, error) {
	var out models.RemotePayload
	if err := c.do(ctx, http.MethodGet, c.item(remoteID), nil, nil, &out, nil); err != nil {
		return models.RemotePayload{}, errors.Wrap(err, "get "+c.kind)
	}
	return out, nil
}

func (c *Client) DeleteRecord(ctx context.Context, remoteID string) error {
	if err := c.do(ctx, http.MethodDelete, c.item(remoteID), nil, nil, nil, nil); err != nil {
		return errors.Wrap(err, "delete "+c.kind)
	}
	return nil
}

func (c *Client) UpdateStage(ctx context.Context, remoteID, stage string) error {
	if err := c.do(ctx, http.MethodPatch, c.item(remoteID)+"/stage", nil, stageReq{Stage: stage}, nil, nil); err != nil {
		return errors.Wrap(err, "update stage")
	}
	return nil
}

func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/v1/ping", nil, nil, nil, nil); err != nil {
		return errors.Wrap(err, "ping")
	}
	return nil
}

func (c *Client) FindOrCreateContact(ctx context.Context, in models.ContactInput) (string, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		return "", &crm.RemoteError{Message: "contact email is required"}
	}
	cacheKey := "crm:contact:" + email

	if c.cache != nil {
		b, ok, err := c.cache.Get(ctx, cacheKey)
		if err != nil {
			slog.Warn("contact cache get", "error", err.Error())
		} else if ok && len(b) > 0 {
			return string(b), nil
		}
	}

	id, err := c.findOrCreate(ctx, "/v1/contacts", url.Values{"email": {email}}, in)
	if err != nil {
		return "", errors.Wrap(err, "find or create contact")
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, []byte(id), c.cacheTTL); err != nil {
			slog.Warn("contact cache set", "error", err.Error())
		}
	}
	return id, nil
}

func (c *Client) FindOrCreateProduct(ctx context.Context, in models.ProductInput) (string, error) {
	if in.SKU == "" {
		return "", &crm.RemoteError{Message: "product sku is required"}
	}
	id, err := c.findOrCreate(ctx, "/v1/products", url.Values{"sku": {in.SKU}}, in)
	if err != nil {
		return "", errors.Wrap(err, "find or create product")
	}
	return id, nil
}

func (c *Client) findOrCreate(ctx context.Context, base string, q url.Values, body any) (string, error) {
	var found searchResp
	if err := c.do(ctx, http.MethodGet, base+"/search", q, nil, &found, nil); err != nil {
		return "", err
	}
	if len(found.Data) > 0 && found.Data[0].ID != "" {
		return found.Data[0].ID, nil
	}
	var out createdResp
	if err := c.do(ctx, http.MethodPost, base, nil, body, &out, nil); err != nil {
		return "", err
	}
	if out.ID == "" {
		// A retry finds the record through the search if it was created.
		return "", &crm.RemoteError{StatusCode: http.StatusOK, Message: "create response has no id", Transient: true}
	}
	return out.ID, nil
}

// resolve replaces embedded contact and product records with CRM ids.
func (c *Client) resolve(ctx context.Context, p models.RemotePayload) (models.RemotePayload, error) {
	if !p.Contact.Resolved() && p.Contact.New != nil {
		id, err := c.FindOrCreateContact(ctx, *p.Contact.New)
		if err != nil {
			return p, err
		}
		p.Contact = models.ContactRef{ID: id}
	}

	lines := make([]models.RemoteLine, len(p.Lines))
	copy(lines, p.Lines)
	for i := range lines {
		ref := lines[i].Product
		if ref.Resolved() || ref.New == nil {
			continue
		}
		id, err := c.FindOrCreateProduct(ctx, *ref.New)
		if err != nil {
			return p, err
		}
		lines[i].Product = models.ProductRef{ID: id}
	}
	p.Lines = lines
	return p, nil
}

func (c *Client) collection() string {
	if c.kind == models.RecordKindSalesOrder {
		return "/v1/sales_orders"
	}
	return "/v1/quotes"
}

func (c *Client) item(remoteID string) string {
	return c.collection() + "/" + url.PathEscape(remoteID)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any, headers map[string]string) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return crm.NewNetworkError(errors.Wrap(err, "token"))
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return crm.NewNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var er errorResp
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if len(raw) > 0 && json.Unmarshal(raw, &er) != nil {
			er.Message = strings.TrimSpace(string(raw))
		}
		return crm.NewStatusError(resp.StatusCode, er.Code, er.Message)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &crm.RemoteError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err), Transient: true}
	}
	return nil
}
