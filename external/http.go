/*
Package external contains HTTP clients for the engine's collaborators.

PURPOSE:
  The document generator, the payment ledger and the operator directory are
  separate services. These clients speak their JSON APIs and return plain
  errors; the engine bounds every call with a timeout and turns failures into
  retryable ExternalServiceError values.

ENDPOINTS:
  POST {documents}/invoices            -> {"document_ref": "..."}
  POST {payments}/confirmations        -> {"reference", "amount", "received_at"}
  GET  {directory}/operations/{id}     -> {"name": "..."}

SEE ALSO:
  - compliance/collaborators.go: The interfaces implemented here
*/
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/compliance-engine/compliance"
	"github.com/warp/compliance-engine/generic"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

type client struct {
	base string
	http *http.Client
}

func newClient(baseURL string, httpClient *http.Client) client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// =============================================================================
// DOCUMENT GENERATOR
// =============================================================================

type DocumentClient struct {
	c client
}

var _ compliance.DocumentGenerator = (*DocumentClient)(nil)

func NewDocumentClient(baseURL string, httpClient *http.Client) *DocumentClient {
	return &DocumentClient{c: newClient(baseURL, httpClient)}
}

type documentRequest struct {
	InvoiceID string `json:"invoice_id"`
	VersionID string `json:"version_id"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	IssuedAt  string `json:"issued_at"`
}

type documentResponse struct {
	DocumentRef string `json:"document_ref"`
}

func (d *DocumentClient) Generate(ctx context.Context, inv compliance.Invoice) (compliance.DocumentRef, error) {
	var out documentResponse
	err := d.c.do(ctx, http.MethodPost, "/invoices", documentRequest{
		InvoiceID: string(inv.ID),
		VersionID: string(inv.VersionID),
		Kind:      string(inv.Kind),
		Amount:    inv.Amount.Value.StringFixed(2),
		Currency:  string(inv.Amount.Unit),
		IssuedAt:  inv.IssuedAt.UTC().Format(time.RFC3339),
	}, &out)
	if err != nil {
		return "", err
	}
	if out.DocumentRef == "" {
		return "", fmt.Errorf("document service returned no reference for invoice %s", inv.ID)
	}
	return compliance.DocumentRef(out.DocumentRef), nil
}

// =============================================================================
// PAYMENT LEDGER
// =============================================================================

type PaymentClient struct {
	c client
}

var _ compliance.PaymentLedger = (*PaymentClient)(nil)

func NewPaymentClient(baseURL string, httpClient *http.Client) *PaymentClient {
	return &PaymentClient{c: newClient(baseURL, httpClient)}
}

type confirmationRequest struct {
	VersionID      string `json:"version_id"`
	Kind           string `json:"kind"`
	Amount         string `json:"amount"`
	ReceivedAt     string `json:"received_at,omitempty"`
	Reference      string `json:"reference,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

type confirmationResponse struct {
	Reference  string `json:"reference"`
	Amount     string `json:"amount"`
	ReceivedAt string `json:"received_at"`
}

// Confirm asks the ledger whether the payment was received. The idempotency
// key lets the ledger answer a retried confirmation the same way.
func (p *PaymentClient) Confirm(ctx context.Context, req compliance.PaymentRequest) (compliance.PaymentConfirmation, error) {
	body := confirmationRequest{
		VersionID:      string(req.VersionID),
		Kind:           string(req.Kind),
		Amount:         req.Amount.Value.StringFixed(2),
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
	}
	if !req.ReceivedAt.IsZero() {
		body.ReceivedAt = req.ReceivedAt.UTC().Format(time.RFC3339)
	}

	var out confirmationResponse
	if err := p.c.do(ctx, http.MethodPost, "/confirmations", body, &out); err != nil {
		return compliance.PaymentConfirmation{}, err
	}
	amount, err := decimal.NewFromString(out.Amount)
	if err != nil {
		return compliance.PaymentConfirmation{}, fmt.Errorf("invalid confirmed amount %q: %w", out.Amount, err)
	}
	received, err := time.Parse(time.RFC3339, out.ReceivedAt)
	if err != nil {
		return compliance.PaymentConfirmation{}, fmt.Errorf("invalid received_at %q: %w", out.ReceivedAt, err)
	}
	return compliance.PaymentConfirmation{
		Reference:  out.Reference,
		Amount:     generic.NewAmount(amount, generic.UnitCAD),
		ReceivedAt: received,
	}, nil
}

// =============================================================================
// OPERATOR DIRECTORY
// =============================================================================

type DirectoryClient struct {
	c client
}

var _ compliance.OperatorDirectory = (*DirectoryClient)(nil)

func NewDirectoryClient(baseURL string, httpClient *http.Client) *DirectoryClient {
	return &DirectoryClient{c: newClient(baseURL, httpClient)}
}

func (d *DirectoryClient) OperatorName(ctx context.Context, operationID string) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	if err := d.c.do(ctx, http.MethodGet, "/operations/"+url.PathEscape(operationID), nil, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}
