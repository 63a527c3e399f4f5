// ABOUTME: Command boundary service wiring the store, backend, sync engine and fiscal printer
// ABOUTME: Holds the merged device settings and the cashier login flow

package kiosk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/2389/kioskd/internal/auth"
	"github.com/2389/kioskd/internal/config"
	"github.com/2389/kioskd/internal/dedupe"
	"github.com/2389/kioskd/internal/fiscal"
	"github.com/2389/kioskd/internal/offlineauth"
	"github.com/2389/kioskd/internal/remote"
	"github.com/2389/kioskd/internal/store"
	"github.com/2389/kioskd/internal/syncer"
)

// Device setting keys in the store's app_config table
const (
	settingAccountID  = "account_id"
	settingBranchID   = "branch_id"
	settingDeviceID   = "device_id"
	settingDeviceName = "device_name"
	settingBaseURL    = "remote.base_url"
	settingAPIToken   = "api_token"
)

// Dedupe window for sales.create request ids
const (
	saleDedupeTTL  = 10 * time.Minute
	saleDedupeSize = 1000
)

// Backend is the part of the remote client the command boundary calls directly
type Backend interface {
	LoginWithPin(ctx context.Context, req remote.LoginRequest) (*remote.LoginResponse, error)
	RegisterDevice(ctx context.Context, req remote.RegisterRequest) (*remote.Registration, error)
	SetBaseURL(baseURL string)
	SetCredentials(deviceID, apiToken string)
}

// SyncEngine is the sync orchestrator as seen by commands
type SyncEngine interface {
	SetScope(accountID, branchID int64)
	Trigger(ctx context.Context, force bool) (*syncer.Result, error)
	TriggerAsync(force bool)
	GetStatus(ctx context.Context) (*syncer.Status, error)
}

// Deps are the collaborators of a Service. Fiscal, Dedupe, Clock and Logger are optional.
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Backend  Backend
	Sync     SyncEngine
	Sessions *auth.JWTVerifier
	Fiscal   fiscal.Service
	Dedupe   *dedupe.Cache
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Settings is the device identity and backend endpoint in effect
type Settings struct {
	AccountID  int64  `json:"account_id"`
	BranchID   int64  `json:"branch_id"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	BaseURL    string `json:"base_url"`
	APIToken   string `json:"-"`
}

// Configured reports whether the device can sync and authenticate cashiers
func (s Settings) Configured() bool {
	return s.AccountID > 0 && s.BranchID > 0 && s.DeviceID != ""
}

// Service implements every kiosk command
type Service struct {
	cfg      *config.Config
	store    store.Store
	backend  Backend
	sync     SyncEngine
	sessions *auth.JWTVerifier
	offline  *offlineauth.Verifier
	fiscal   fiscal.Service
	dedupe   *dedupe.Cache
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.RWMutex
	settings Settings
}

// NewService builds the command service and applies the stored device settings
func NewService(ctx context.Context, deps Deps) (*Service, error) {
	if deps.Config == nil || deps.Store == nil || deps.Backend == nil || deps.Sync == nil || deps.Sessions == nil {
		return nil, errors.New("kiosk: config, store, backend, sync and sessions are required")
	}
	if deps.Fiscal == nil {
		deps.Fiscal = fiscal.Disabled{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Dedupe == nil {
		deps.Dedupe = dedupe.New(saleDedupeTTL, saleDedupeSize, deps.Clock)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "kiosk")

	s := &Service{
		cfg:      deps.Config,
		store:    deps.Store,
		backend:  deps.Backend,
		sync:     deps.Sync,
		sessions: deps.Sessions,
		offline:  offlineauth.New(deps.Store, deps.Logger),
		fiscal:   deps.Fiscal,
		dedupe:   deps.Dedupe,
		clock:    deps.Clock,
		logger:   logger,
	}

	settings, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	s.apply(settings)
	return s, nil
}

// Close releases the dedupe cache
func (s *Service) Close() {
	s.dedupe.Close()
}

// Settings returns the device settings currently in effect
func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// fileSettings is the device identity from the config file
func (s *Service) fileSettings() Settings {
	return Settings{
		AccountID:  s.cfg.Device.AccountID,
		BranchID:   s.cfg.Device.BranchID,
		DeviceID:   s.cfg.Device.DeviceID,
		DeviceName: s.cfg.Device.DeviceName,
		BaseURL:    s.cfg.Remote.BaseURL,
		APIToken:   s.cfg.Remote.APIToken,
	}
}

// loadSettings overlays stored device settings on the config file values
func (s *Service) loadSettings(ctx context.Context) (Settings, error) {
	settings := s.fileSettings()

	str := func(key string, dst *string) error {
		v, err := s.store.GetSetting(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
	num := func(key string, dst *int64) error {
		var raw string
		if err := str(key, &raw); err != nil || raw == "" {
			return err
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.logger.Warn("ignoring malformed device setting", "key", key, "value", raw)
			return nil
		}
		*dst = n
		return nil
	}

	for _, step := range []func() error{
		func() error { return num(settingAccountID, &settings.AccountID) },
		func() error { return num(settingBranchID, &settings.BranchID) },
		func() error { return str(settingDeviceID, &settings.DeviceID) },
		func() error { return str(settingDeviceName, &settings.DeviceName) },
		func() error { return str(settingBaseURL, &settings.BaseURL) },
		func() error { return str(settingAPIToken, &settings.APIToken) },
	} {
		if err := step(); err != nil {
			return settings, fmt.Errorf("loading device settings: %w", err)
		}
	}
	return settings, nil
}

// apply makes settings current and pushes them to the backend client and sync engine
func (s *Service) apply(settings Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	s.backend.SetBaseURL(settings.BaseURL)
	s.backend.SetCredentials(settings.DeviceID, settings.APIToken)
	s.sync.SetScope(settings.AccountID, settings.BranchID)

	s.logger.Info("device settings applied",
		"account_id", settings.AccountID,
		"branch_id", settings.BranchID,
		"device_id", settings.DeviceID,
		"configured", settings.Configured())
}

// persistSettings writes every device setting and applies them
func (s *Service) persistSettings(ctx context.Context, settings Settings) error {
	values := map[string]string{
		settingAccountID:  strconv.FormatInt(settings.AccountID, 10),
		settingBranchID:   strconv.FormatInt(settings.BranchID, 10),
		settingDeviceID:   settings.DeviceID,
		settingDeviceName: settings.DeviceName,
		settingBaseURL:    settings.BaseURL,
		settingAPIToken:   settings.APIToken,
	}
	if err := s.store.SetSettings(ctx, values); err != nil {
		return err
	}
	s.apply(settings)
	return nil
}

// requireDevice fails with config_missing until the device is registered
func (s *Service) requireDevice() (Settings, error) {
	settings := s.Settings()
	if !settings.Configured() {
		return settings, ErrDeviceNotConfigured
	}
	return settings, nil
}

// ConfigView is the response of config.get
type ConfigView struct {
	Settings
	Configured    bool `json:"configured"`
	HasAPIToken   bool `json:"has_api_token"`
	FiscalEnabled bool `json:"fiscal_enabled"`
}

// GetConfig returns the merged device settings without the API token
func (s *Service) GetConfig(ctx context.Context) (*ConfigView, error) {
	settings := s.Settings()
	return &ConfigView{
		Settings:      settings,
		Configured:    settings.Configured(),
		HasAPIToken:   settings.APIToken != "",
		FiscalEnabled: s.cfg.Fiscal.Enabled,
	}, nil
}

// SaveConfigRequest updates device settings. Nil fields are left unchanged.
type SaveConfigRequest struct {
	AccountID  *int64  `json:"account_id"`
	BranchID   *int64  `json:"branch_id"`
	DeviceID   *string `json:"device_id"`
	DeviceName *string `json:"device_name"`
	BaseURL    *string `json:"base_url"`
	APIToken   *string `json:"api_token"`
}

// SaveConfig merges req into the device settings and persists them
func (s *Service) SaveConfig(ctx context.Context, req SaveConfigRequest) (*ConfigView, error) {
	settings := s.Settings()

	if req.AccountID != nil {
		if *req.AccountID < 0 {
			return nil, validationError("account_id must not be negative")
		}
		settings.AccountID = *req.AccountID
	}
	if req.BranchID != nil {
		if *req.BranchID < 0 {
			return nil, validationError("branch_id must not be negative")
		}
		settings.BranchID = *req.BranchID
	}
	if req.DeviceID != nil {
		settings.DeviceID = strings.TrimSpace(*req.DeviceID)
	}
	if req.DeviceName != nil {
		settings.DeviceName = strings.TrimSpace(*req.DeviceName)
	}
	if req.BaseURL != nil {
		baseURL := strings.TrimSpace(*req.BaseURL)
		if baseURL != "" && !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
			return nil, validationError("base_url must start with http:// or https://")
		}
		settings.BaseURL = baseURL
	}
	if req.APIToken != nil {
		settings.APIToken = *req.APIToken
	}

	if err := s.persistSettings(ctx, settings); err != nil {
		return nil, err
	}
	return s.GetConfig(ctx)
}

// ClearConfigRequest is the input of config.clear
type ClearConfigRequest struct {
	Force bool `json:"force"`
}

// ClearConfig wipes stored device settings and every cached or queued row.
// The config file values take effect again afterwards. Sales that have not
// reached the backend block the wipe unless Force is set.
func (s *Service) ClearConfig(ctx context.Context, req ClearConfigRequest) error {
	stats, err := s.store.GetStatistics(ctx)
	if err != nil {
		return err
	}
	if pending := stats.QueuedSales + stats.FailedSales; pending > 0 {
		if !req.Force {
			return validationError(fmt.Sprintf("%d sales have not been synced; sync first or clear with force", pending))
		}
		s.logger.Warn("clearing unsynced sales", "queued", stats.QueuedSales, "failed", stats.FailedSales)
	}

	if err := s.store.ClearSettings(ctx); err != nil {
		return err
	}
	if err := s.store.ClearAllData(ctx); err != nil {
		return err
	}
	s.logger.Warn("device settings and local data cleared")
	s.apply(s.fileSettings())
	return nil
}

// RegisterDeviceRequest is the input of device.register
type RegisterDeviceRequest struct {
	AccountID        int64  `json:"account_id"`
	BranchID         int64  `json:"branch_id"`
	DeviceName       string `json:"device_name"`
	RegistrationCode string `json:"registration_code"`
	BaseURL          string `json:"base_url"`
}

// RegisterDevice registers this kiosk with the backend and stores the issued credentials
func (s *Service) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (*ConfigView, error) {
	switch {
	case req.AccountID <= 0:
		return nil, validationError("account_id is required")
	case req.BranchID <= 0:
		return nil, validationError("branch_id is required")
	case strings.TrimSpace(req.RegistrationCode) == "":
		return nil, validationError("registration_code is required")
	}

	settings := s.Settings()
	if req.BaseURL != "" {
		if !strings.HasPrefix(req.BaseURL, "http://") && !strings.HasPrefix(req.BaseURL, "https://") {
			return nil, validationError("base_url must start with http:// or https://")
		}
		settings.BaseURL = req.BaseURL
		s.backend.SetBaseURL(req.BaseURL)
	}
	name := strings.TrimSpace(req.DeviceName)
	if name == "" {
		name = settings.DeviceName
	}

	reg, err := s.backend.RegisterDevice(ctx, remote.RegisterRequest{
		AccountID:        req.AccountID,
		BranchID:         req.BranchID,
		DeviceName:       name,
		RegistrationCode: req.RegistrationCode,
	})
	if err != nil {
		// Restore the previous endpoint if the new one did not work out.
		s.backend.SetBaseURL(s.Settings().BaseURL)
		return nil, err
	}

	settings.AccountID = req.AccountID
	settings.BranchID = req.BranchID
	settings.DeviceName = name
	settings.DeviceID = reg.DeviceID
	if reg.APIToken != "" {
		settings.APIToken = reg.APIToken
	}
	if err := s.persistSettings(ctx, settings); err != nil {
		return nil, err
	}
	s.logger.Info("device registered", "device_id", reg.DeviceID, "account_id", req.AccountID, "branch_id", req.BranchID)

	s.sync.TriggerAsync(true)
	return s.GetConfig(ctx)
}
