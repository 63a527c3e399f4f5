// ABOUTME: Tests for the fiscal service client
// ABOUTME: Fakes the fiscal bridge with httptest

package fiscal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/kioskd/internal/store"
)

type fakeBridge struct {
	initialized bool
	refuse      string
	printed     []receiptRequest
}

func (b *fakeBridge) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(statusResponse{Initialized: b.initialized})
	})
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /receipts", func(w http.ResponseWriter, r *http.Request) {
		var req receiptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		b.printed = append(b.printed, req)
		if b.refuse != "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(Receipt{Error: b.refuse})
			return
		}
		_ = json.NewEncoder(w).Encode(Receipt{Success: true, FiscalNumber: "FN-0001", FiscalDocumentID: "DOC-77"})
	})
	return mux
}

func setupBridge(t *testing.T, b *fakeBridge) *HTTPService {
	t.Helper()
	srv := httptest.NewServer(b.handler(t))
	t.Cleanup(srv.Close)
	return NewHTTPService(srv.URL, time.Second, nil)
}

func testSale() *store.QueuedSale {
	return &store.QueuedSale{
		LocalID:  5,
		Items:    []store.SaleItem{{ProductID: 1, Name: "Tea", Quantity: 1, UnitPrice: 3, Total: 3}},
		Payments: []store.SalePayment{{Method: "card", Amount: 3}},
		Total:    3,
	}
}

func TestPrintSaleReceipt(t *testing.T) {
	b := &fakeBridge{initialized: true}
	svc := setupBridge(t, b)

	receipt, err := svc.PrintSaleReceipt(context.Background(), testSale())
	require.NoError(t, err)
	assert.Equal(t, "FN-0001", receipt.FiscalNumber)
	assert.Equal(t, "DOC-77", receipt.FiscalDocumentID)

	require.Len(t, b.printed, 1)
	assert.Equal(t, int64(5), b.printed[0].LocalID)
	assert.Equal(t, 3.0, b.printed[0].Total)
}

func TestPrintSaleReceipt_NotInitialized(t *testing.T) {
	b := &fakeBridge{initialized: false}
	svc := setupBridge(t, b)

	_, err := svc.PrintSaleReceipt(context.Background(), testSale())
	assert.True(t, errors.Is(err, ErrNotInitialized), "got %v", err)
	assert.Empty(t, b.printed, "nothing is sent to an uninitialized printer")
}

func TestPrintSaleReceipt_Refused(t *testing.T) {
	b := &fakeBridge{initialized: true, refuse: "paper out"}
	svc := setupBridge(t, b)

	_, err := svc.PrintSaleReceipt(context.Background(), testSale())
	assert.True(t, errors.Is(err, ErrPrintFailed), "got %v", err)
	assert.Contains(t, err.Error(), "paper out")
}

func TestUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	svc := NewHTTPService(url, time.Second, nil)
	err := svc.TestConnection(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)

	_, err = svc.IsInitialized(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestTestConnection(t *testing.T) {
	svc := setupBridge(t, &fakeBridge{})
	assert.NoError(t, svc.TestConnection(context.Background()))
}

func TestDisabled(t *testing.T) {
	var svc Service = Disabled{}

	ok, err := svc.IsInitialized(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.PrintSaleReceipt(context.Background(), testSale())
	assert.True(t, errors.Is(err, ErrDisabled))
	assert.True(t, errors.Is(svc.TestConnection(context.Background()), ErrDisabled))
}
