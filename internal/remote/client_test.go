// ABOUTME: Tests for the backend HTTP client
// ABOUTME: Uses httptest servers to cover request shape, error classification and the sale payload

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock/testclock"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/kioskd/internal/store"
)

var testEpoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", opts...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testQueuedSale() *store.QueuedSale {
	return &store.QueuedSale{
		LocalID:        7,
		IdempotencyKey: "2f0c6b7e-5d1a-4c3b-9e8f-1a2b3c4d5e6f",
		AccountID:      1,
		BranchID:       3,
		UserID:         10,
		Items: []store.SaleItem{
			{ProductID: 42, Name: "Espresso", SKU: "ESP-1", Quantity: 2, UnitPrice: 2.5, TaxRate: 0.2, Total: 5},
		},
		Payments:      []store.SalePayment{{Method: "cash", Amount: 5}},
		Subtotal:      4.17,
		Tax:           0.83,
		Total:         5,
		PaymentStatus: "paid",
		CreatedAt:     testEpoch,
		SyncStatus:    store.SaleStatusQueued,
	}
}

func TestNewSaleRequest_Golden(t *testing.T) {
	req := NewSaleRequest(testQueuedSale(), "dev-1")

	data, err := json.MarshalIndent(req, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "sale_request", data)
}

func TestNewSaleRequest_LegacyKey(t *testing.T) {
	sale := testQueuedSale()
	sale.IdempotencyKey = ""

	first := NewSaleRequest(sale, "dev-1")
	again := NewSaleRequest(sale, "dev-1")
	assert.NotEmpty(t, first.IdempotencyKey)
	assert.Equal(t, first.IdempotencyKey, again.IdempotencyKey, "derived key must be stable across retries")

	otherDevice := NewSaleRequest(sale, "dev-2")
	assert.NotEqual(t, first.IdempotencyKey, otherDevice.IdempotencyKey)

	sale.LocalID = 8
	otherSale := NewSaleRequest(sale, "dev-1")
	assert.NotEqual(t, first.IdempotencyKey, otherSale.IdempotencyKey)
}

func TestNewSaleRequest_EmptyCollections(t *testing.T) {
	sale := testQueuedSale()
	sale.Items = nil
	sale.Payments = nil

	data, err := json.Marshal(NewSaleRequest(sale, "dev-1"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"items":[]`)
	assert.Contains(t, string(data), `"payments":[]`)
}

func TestSubmitSale(t *testing.T) {
	var gotKey, gotAuth, gotDevice string
	var body SaleRequest

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/kiosk/sales", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Kiosk-Device")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusCreated, map[string]any{"id": 9001})
	}, WithAPIToken("device-token"), WithDeviceID("dev-1"))

	req := NewSaleRequest(testQueuedSale(), "dev-1")
	id, err := c.SubmitSale(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(9001), id)
	assert.Equal(t, req.IdempotencyKey, gotKey)
	assert.Equal(t, req.IdempotencyKey, body.IdempotencyKey)
	assert.Equal(t, "Bearer device-token", gotAuth)
	assert.Equal(t, "dev-1", gotDevice)
	assert.Equal(t, int64(7), body.LocalID)
}

func TestSubmitSale_MissingID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	_, err := c.SubmitSale(context.Background(), NewSaleRequest(testQueuedSale(), "dev-1"))
	assert.True(t, errors.Is(err, ErrBadResponse), "got %v", err)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		want      error
		rejection bool
		message   string
	}{
		{"unauthorized", 401, `{"error":{"code":"bad_pin","message":"Invalid PIN"}}`, ErrUnauthorized, true, "Invalid PIN"},
		{"forbidden", 403, `{"message":"kiosk disabled"}`, ErrForbidden, true, "kiosk disabled"},
		{"not found", 404, ``, ErrNotFound, true, ""},
		{"session expired 419", 419, ``, ErrSessionExpired, true, ""},
		{"session expired 440", 440, ``, ErrSessionExpired, true, ""},
		{"validation", 422, `{"error":{"code":"invalid_total","message":"total mismatch"}}`, ErrRejected, true, "total mismatch"},
		{"server", 500, `<html>oops</html>`, ErrServer, false, ""},
		{"unavailable", 503, `maintenance`, ErrServer, false, "maintenance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			err := c.Health(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.False(t, IsNetwork(err))
			assert.Equal(t, tt.rejection, IsRejection(err))

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.message, apiErr.Message)
		})
	}
}

func TestErrorClassification_ExpiredAPIToken(t *testing.T) {
	clk := testclock.NewClock(testEpoch)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(testEpoch.Add(-time.Hour)),
	}).SignedString([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, WithAPIToken(token), WithClock(clk))

	err = c.Health(context.Background())
	assert.True(t, errors.Is(err, ErrSessionExpired), "got %v", err)

	// An opaque token cannot be inspected, so a 401 stays unauthorized.
	c.SetCredentials("dev-1", "opaque-token")
	err = c.Health(context.Background())
	assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
}

func TestNetworkErrors(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		err := New(url).Health(context.Background())
		assert.True(t, IsNetwork(err), "got %v", err)
		assert.False(t, IsRejection(err))
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}, WithTimeout(50*time.Millisecond))
		defer close(release)

		err := c.Health(context.Background())
		assert.True(t, IsNetwork(err), "got %v", err)
	})

	t.Run("no base url", func(t *testing.T) {
		c := New("")
		assert.False(t, c.Configured())
		err := c.Health(context.Background())
		assert.True(t, IsNetwork(err), "got %v", err)
	})
}

func TestPullProducts(t *testing.T) {
	since := testEpoch.Add(-time.Hour)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/kiosk/products", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "1", q.Get("account_id"))
		assert.Equal(t, "3", q.Get("branch_id"))
		assert.Equal(t, "2026-03-01T09:00:00Z", q.Get("since"))
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []map[string]any{
				{"id": 42, "account_id": 1, "name": "Espresso", "sku": "ESP-1", "barcode": "4006381333931",
					"sale_price": 2.5, "is_active": true, "type": "product"},
			},
			"deleted_ids": []int64{13},
		})
	})

	page, err := c.PullProducts(context.Background(), Scope{AccountID: 1, BranchID: 3, Since: &since})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, []int64{13}, page.DeletedIDs)

	p := page.Items[0].ToStore()
	assert.Equal(t, int64(42), p.ID)
	assert.Equal(t, "4006381333931", p.Barcode)
	assert.True(t, p.Active)
}

func TestPullFullList(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("since"), "full pulls carry no since parameter")
		branchID := int64(3)
		writeJSON(w, http.StatusOK, Page[User]{Items: []User{
			{ID: 10, AccountID: 1, Name: "Ana", KioskEnabled: true, PinHash: "$2a$04$x", BranchID: &branchID},
		}})
	})

	page, err := c.PullUsers(context.Background(), Scope{AccountID: 1, BranchID: 3})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	u := page.Items[0].ToStore()
	assert.Equal(t, "Ana", u.Name)
	require.NotNil(t, u.BranchID)
	assert.Equal(t, int64(3), *u.BranchID)
}

func TestPullConfig(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/kiosk/config", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"fiscal": map[string]any{"enabled": true, "device_type": "fp-700", "endpoint": "10.0.0.5", "port": 4999},
		})
	})

	cfg, err := c.PullConfig(context.Background(), Scope{AccountID: 1})
	require.NoError(t, err)
	require.NotNil(t, cfg.Fiscal)

	fc := cfg.Fiscal.ToStore()
	assert.True(t, fc.Enabled)
	assert.Equal(t, 4999, fc.Port)
}

func TestPullMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"items": [`)
	})

	_, err := c.PullCustomers(context.Background(), Scope{AccountID: 1})
	assert.True(t, errors.Is(err, ErrBadResponse), "got %v", err)
	assert.False(t, IsNetwork(err))
}

func TestLoginWithPin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/kiosk/auth/pin", r.URL.Path)
		var req LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.PIN != "4821" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": "bad_pin", "message": "Invalid PIN"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token": "remote-token",
			"user":  map[string]any{"id": req.UserID, "account_id": req.AccountID, "name": "Ana", "kiosk_enabled": true},
		})
	})

	resp, err := c.LoginWithPin(context.Background(), LoginRequest{AccountID: 1, BranchID: 3, UserID: 10, PIN: "4821"})
	require.NoError(t, err)
	assert.Equal(t, "remote-token", resp.Token)
	assert.Equal(t, int64(10), resp.User.ID)

	_, err = c.LoginWithPin(context.Background(), LoginRequest{AccountID: 1, BranchID: 3, UserID: 10, PIN: "0000"})
	assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
	assert.True(t, IsRejection(err))
}

func TestRegisterDevice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/kiosk/devices/register", r.URL.Path)
		writeJSON(w, http.StatusOK, Registration{DeviceID: "dev-77", APIToken: "tok"})
	})

	reg, err := c.RegisterDevice(context.Background(), RegisterRequest{AccountID: 1, BranchID: 3, DeviceName: "front"})
	require.NoError(t, err)
	assert.Equal(t, "dev-77", reg.DeviceID)

	c.SetCredentials(reg.DeviceID, reg.APIToken)
	assert.Equal(t, "dev-77", c.DeviceID())
}

func TestSetBaseURL(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New("")
	c.SetBaseURL(srv.URL + "/")
	require.NoError(t, c.Health(context.Background()))
	assert.Equal(t, 1, hits)
}

func TestDescribe(t *testing.T) {
	err := &APIError{Status: 422, Message: "total mismatch", kind: ErrRejected}
	assert.Equal(t, "request rejected (HTTP 422): total mismatch", Describe(err))
	assert.Equal(t, "boom", Describe(errors.New("boom")))
}
