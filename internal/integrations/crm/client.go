package crm

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/BearBump/CRMSync/internal/models"
	"github.com/pkg/errors"
)

// Client is the narrow CRM contract the sync engine depends on. Implementations do
// not retry and do not interpret rate limits.
type Client interface {
	CreateRecord(ctx context.Context, p models.RemotePayload) (string, error)
	UpdateRecord(ctx context.Context, remoteID string, p models.RemotePayload) error
	GetRecord(ctx context.Context, remoteID string) (models.RemotePayload, error)
	DeleteRecord(ctx context.Context, remoteID string) error
	FindOrCreateContact(ctx context.Context, in models.ContactInput) (string, error)
	FindOrCreateProduct(ctx context.Context, in models.ProductInput) (string, error)
	UpdateStage(ctx context.Context, remoteID, stage string) error
	TestConnection(ctx context.Context) error
	Kind() string
}

// TokenProvider supplies the bearer token for each request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// RemoteError is the typed failure surfaced by every Client call.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	Transient  bool
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return "crm: " + e.Message
	}
	if e.Code != "" {
		return fmt.Sprintf("crm http %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("crm http %d: %s", e.StatusCode, e.Message)
}

// NewStatusError classifies an HTTP failure: 408, 429 and 5xx are transient.
func NewStatusError(status int, code, msg string) *RemoteError {
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &RemoteError{
		StatusCode: status,
		Code:       code,
		Message:    msg,
		Transient:  status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500,
	}
}

// NewNetworkError wraps a transport failure or timeout. It is always transient.
func NewNetworkError(err error) *RemoteError {
	return &RemoteError{Message: err.Error(), Transient: true}
}

// IsTransient reports whether err is worth retrying. Unknown errors are treated as
// transient, as are timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return true
}

func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}
