// ABOUTME: Fiscal printer service contract and its HTTP client
// ABOUTME: Print failures are reported to the caller and never touch sale persistence

package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/kioskd/internal/store"
)

// DefaultTimeout bounds a single call to the fiscal service
const DefaultTimeout = 15 * time.Second

var (
	// ErrDisabled is returned by the Disabled service
	ErrDisabled = errors.New("fiscal printing disabled")

	// ErrUnavailable means the fiscal service could not be reached
	ErrUnavailable = errors.New("fiscal service unavailable")

	// ErrNotInitialized means the printer reported it is not ready
	ErrNotInitialized = errors.New("fiscal printer not initialized")

	// ErrPrintFailed means the printer answered but did not issue a receipt
	ErrPrintFailed = errors.New("fiscal print failed")
)

// Receipt is the outcome of a print request
type Receipt struct {
	Success          bool   `json:"success"`
	FiscalNumber     string `json:"fiscal_number,omitempty"`
	FiscalDocumentID string `json:"fiscal_document_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Service is the fiscal printer bridge
type Service interface {
	IsInitialized(ctx context.Context) (bool, error)
	PrintSaleReceipt(ctx context.Context, sale *store.QueuedSale) (*Receipt, error)
	TestConnection(ctx context.Context) error
}

// Disabled is the Service used when fiscal printing is turned off
type Disabled struct{}

// IsInitialized always reports false
func (Disabled) IsInitialized(ctx context.Context) (bool, error) { return false, nil }

// PrintSaleReceipt always fails with ErrDisabled
func (Disabled) PrintSaleReceipt(ctx context.Context, sale *store.QueuedSale) (*Receipt, error) {
	return nil, ErrDisabled
}

// TestConnection always fails with ErrDisabled
func (Disabled) TestConnection(ctx context.Context) error { return ErrDisabled }

// HTTPService talks to a fiscal bridge over HTTP
type HTTPService struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPService creates a fiscal client for the bridge at baseURL
func NewHTTPService(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPService {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPService{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger.With("component", "fiscal"),
	}
}

type statusResponse struct {
	Initialized bool `json:"initialized"`
}

// receiptRequest is the body of POST /receipts
type receiptRequest struct {
	LocalID  int64               `json:"local_id"`
	Items    []store.SaleItem    `json:"items"`
	Payments []store.SalePayment `json:"payments"`
	Subtotal float64             `json:"subtotal"`
	Tax      float64             `json:"tax"`
	Discount float64             `json:"discount"`
	Total    float64             `json:"total"`
}

// IsInitialized asks the bridge whether the printer is ready
func (s *HTTPService) IsInitialized(ctx context.Context) (bool, error) {
	var resp statusResponse
	if err := s.call(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return false, err
	}
	return resp.Initialized, nil
}

// PrintSaleReceipt prints a fiscal receipt for sale. A printer-side refusal is
// returned as ErrPrintFailed together with the receipt describing it.
func (s *HTTPService) PrintSaleReceipt(ctx context.Context, sale *store.QueuedSale) (*Receipt, error) {
	ready, err := s.IsInitialized(ctx)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, ErrNotInitialized
	}

	req := receiptRequest{
		LocalID:  sale.LocalID,
		Items:    sale.Items,
		Payments: sale.Payments,
		Subtotal: sale.Subtotal,
		Tax:      sale.Tax,
		Discount: sale.Discount,
		Total:    sale.Total,
	}

	var receipt Receipt
	if err := s.call(ctx, http.MethodPost, "/receipts", req, &receipt); err != nil {
		return nil, err
	}
	if !receipt.Success || receipt.FiscalNumber == "" {
		s.logger.Warn("fiscal print refused", "local_id", sale.LocalID, "error", receipt.Error)
		return &receipt, fmt.Errorf("%w: %s", ErrPrintFailed, receipt.Error)
	}

	s.logger.Info("fiscal receipt printed", "local_id", sale.LocalID, "fiscal_number", receipt.FiscalNumber)
	return &receipt, nil
}

// TestConnection checks that the bridge answers
func (s *HTTPService) TestConnection(ctx context.Context) error {
	return s.call(ctx, http.MethodGet, "/ping", nil, nil)
}

func (s *HTTPService) call(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// The bridge reports printer refusals as a receipt body with a 4xx status.
		var receipt Receipt
		if json.Unmarshal(data, &receipt) == nil && receipt.Error != "" {
			return fmt.Errorf("%w: %s", ErrPrintFailed, receipt.Error)
		}
		return fmt.Errorf("%w: HTTP %d", ErrPrintFailed, resp.StatusCode)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding fiscal response: %w", err)
	}
	return nil
}
