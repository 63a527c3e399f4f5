// ABOUTME: Local HTTP JSON transport for kiosk commands at POST /api/<command>
// ABOUTME: Wraps every result in an ok/data or ok/error envelope with classified error kinds

package kiosk

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/2389/kioskd/internal/auth"
)

// maxBodyBytes bounds a command request body
const maxBodyBytes = 1 << 20

// commandFunc runs one command with its raw JSON body
type commandFunc func(r *http.Request, body []byte) (any, error)

type command struct {
	name   string
	public bool // callable without a registered device or session
	run    commandFunc
}

type envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

type queryRequest struct {
	Query string `json:"query"`
}

type barcodeRequest struct {
	Barcode string `json:"barcode"`
}

type limitRequest struct {
	Limit int `json:"limit"`
}

type idRequest struct {
	ID int64 `json:"id"`
}

type localIDRequest struct {
	LocalID int64 `json:"local_id"`
}

type triggerRequest struct {
	Force bool `json:"force"`
}

// decode unmarshals body into v. An empty body leaves v at its zero value.
func decode(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return validationError("invalid JSON body")
	}
	return nil
}

// decodeAnd adapts a typed command to a commandFunc
func decodeAnd[T any](fn func(r *http.Request, req T) (any, error)) commandFunc {
	return func(r *http.Request, body []byte) (any, error) {
		var req T
		if err := decode(body, &req); err != nil {
			return nil, err
		}
		return fn(r, req)
	}
}

func (s *Service) commands() []command {
	return []command{
		{name: "config.get", public: true, run: func(r *http.Request, _ []byte) (any, error) {
			return s.GetConfig(r.Context())
		}},
		{name: "config.save", public: true, run: decodeAnd(func(r *http.Request, req SaveConfigRequest) (any, error) {
			return s.SaveConfig(r.Context(), req)
		})},
		{name: "config.clear", public: true, run: decodeAnd(func(r *http.Request, req ClearConfigRequest) (any, error) {
			return nil, s.ClearConfig(r.Context(), req)
		})},
		{name: "device.register", public: true, run: decodeAnd(func(r *http.Request, req RegisterDeviceRequest) (any, error) {
			return s.RegisterDevice(r.Context(), req)
		})},
		{name: "auth.loginWithPin", public: true, run: decodeAnd(func(r *http.Request, req LoginRequest) (any, error) {
			return s.LoginWithPin(r.Context(), req)
		})},
		{name: "sync.getStatus", public: true, run: func(r *http.Request, _ []byte) (any, error) {
			return s.GetSyncStatus(r.Context())
		}},

		{name: "auth.logout", run: func(r *http.Request, _ []byte) (any, error) {
			token, _ := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			return nil, s.Logout(r.Context(), token)
		}},
		{name: "products.search", run: decodeAnd(func(r *http.Request, req queryRequest) (any, error) {
			return s.SearchProducts(r.Context(), req.Query)
		})},
		{name: "products.getByBarcode", run: decodeAnd(func(r *http.Request, req barcodeRequest) (any, error) {
			return s.GetProductByBarcode(r.Context(), req.Barcode)
		})},
		{name: "products.getAll", run: decodeAnd(func(r *http.Request, req limitRequest) (any, error) {
			return s.GetAllProducts(r.Context(), req.Limit)
		})},
		{name: "customers.search", run: decodeAnd(func(r *http.Request, req queryRequest) (any, error) {
			return s.SearchCustomers(r.Context(), req.Query)
		})},
		{name: "customers.getById", run: decodeAnd(func(r *http.Request, req idRequest) (any, error) {
			return s.GetCustomer(r.Context(), req.ID)
		})},
		{name: "sales.create", run: decodeAnd(func(r *http.Request, req CreateSaleRequest) (any, error) {
			return s.CreateSale(r.Context(), req)
		})},
		{name: "sales.getQueued", run: func(r *http.Request, _ []byte) (any, error) {
			return s.GetQueuedSales(r.Context())
		}},
		{name: "sales.getById", run: decodeAnd(func(r *http.Request, req localIDRequest) (any, error) {
			return s.GetSale(r.Context(), req.LocalID)
		})},
		{name: "sales.retry", run: decodeAnd(func(r *http.Request, req localIDRequest) (any, error) {
			return s.RetrySale(r.Context(), req.LocalID)
		})},
		{name: "sync.trigger", run: decodeAnd(func(r *http.Request, req triggerRequest) (any, error) {
			return s.TriggerSync(r.Context(), req.Force)
		})},
		{name: "sync.getMetadata", run: func(r *http.Request, _ []byte) (any, error) {
			return s.GetSyncMetadata(r.Context())
		}},
		{name: "fiscal.getConfig", run: func(r *http.Request, _ []byte) (any, error) {
			return s.GetFiscalConfig(r.Context())
		}},
		{name: "fiscal.printReceipt", run: decodeAnd(func(r *http.Request, req localIDRequest) (any, error) {
			return s.PrintReceipt(r.Context(), req.LocalID)
		})},
		{name: "fiscal.testConnection", run: func(r *http.Request, _ []byte) (any, error) {
			if err := s.TestFiscalConnection(r.Context()); err != nil {
				return nil, err
			}
			return map[string]bool{"connected": true}, nil
		}},
	}
}

// Handler returns the command mux. Non-public commands require a registered
// device and a valid session token, in that order.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	requireSession := auth.RequireSession(s.sessions, s.writeAuthError)

	for _, cmd := range s.commands() {
		var h http.Handler = s.serveCommand(cmd)
		if !cmd.public {
			h = s.requireDeviceMiddleware(requireSession(h))
		}
		mux.Handle("POST /api/"+cmd.name, h)
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Service) serveCommand(cmd command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, validationError("could not read request body"))
			return
		}

		data, err := cmd.run(r, body)
		if err != nil {
			kerr := Classify(err)
			log := s.logger.With("command", cmd.name, "kind", kerr.Kind)
			if kerr.Kind == KindStorage {
				log.Error("command failed", "error", err)
			} else {
				log.Info("command failed", "error", err)
			}
			s.writeError(w, kerr)
			return
		}
		s.writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
	}
}

func (s *Service) requireDeviceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.requireDevice(); err != nil {
			s.writeError(w, Classify(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeAuthError renders session middleware failures inside the envelope
func (s *Service) writeAuthError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, envelope{Error: &errorBody{Kind: KindAuthRejected, Message: msg}})
}

func (s *Service) writeError(w http.ResponseWriter, kerr *Error) {
	s.writeJSON(w, kerr.Status(), envelope{Error: &errorBody{Kind: kerr.Kind, Message: kerr.Message}})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// handleHealth reports liveness of the command server and store health
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if degraded := s.store.Degraded(); len(degraded) > 0 {
		status = "degraded"
	}
	if _, err := s.store.GetStatistics(r.Context()); err != nil {
		s.logger.Warn("health check store query failed", "error", err)
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     status,
		"configured": s.Settings().Configured(),
	})
}
