package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"epc-control/internal/auth"
	"epc-control/internal/checkin"
	"epc-control/internal/ingest"
	"epc-control/internal/manifest"
	"epc-control/internal/observability"
	"epc-control/internal/ratelimit"
	"epc-control/internal/store"
)

const (
	defaultCommandPriority = 5
	maxBodyBytes           = 256 * 1024
)

type Server struct {
	repo     *store.Repo
	checkin  *checkin.Service
	ingestor *ingest.Ingestor

	onlineThreshold time.Duration
	sampleRetention time.Duration

	jwtSecret string
	limiter   *ratelimit.RateLimiter
}

type Options struct {
	OnlineThreshold time.Duration
	SampleRetention time.Duration
	JWTSecret       string
	Limiter         *ratelimit.RateLimiter
}

func NewServer(repo *store.Repo, checkinSvc *checkin.Service, ingestor *ingest.Ingestor, opts Options) *Server {
	if opts.OnlineThreshold <= 0 {
		opts.OnlineThreshold = 15 * time.Minute
	}
	if opts.SampleRetention <= 0 {
		opts.SampleRetention = 90 * 24 * time.Hour
	}
	return &Server{
		repo:            repo,
		checkin:         checkinSvc,
		ingestor:        ingestor,
		onlineThreshold: opts.OnlineThreshold,
		sampleRetention: opts.SampleRetention,
		jwtSecret:       opts.JWTSecret,
		limiter:         opts.Limiter,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	r := chi.NewRouter()

	r.Get("/api/epc/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	// Device-facing endpoints: authenticated by device code, optionally
	// rate limited.
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(ratelimit.KeyByIP))
		}
		r.Post("/api/epc/checkin", s.handleCheckin)
		r.Post("/api/epc/checkin/commands/{command_id}/result", s.handleCommandResult)
		r.Post("/api/epc/telemetry", s.handleTelemetry)
	})

	// Operator endpoints.
	r.Group(func(r chi.Router) {
		if s.jwtSecret != "" {
			r.Use(auth.JWTMiddleware(s.jwtSecret))
		} else {
			slog.Warn("operator API running without JWT auth (no secret configured)")
		}
		r.Route("/api/epc/devices", func(r chi.Router) {
			r.Get("/", s.handleDevicesList)
			r.Post("/", s.handleDeviceRegister)
			r.Get("/{device_id}", s.handleDeviceGet)
			r.Get("/{device_id}/commands", s.handleCommandsList)
			r.Post("/{device_id}/commands", s.handleCommandCreate)
			r.Get("/{device_id}/telemetry", s.handleTelemetryList)
		})
		r.Delete("/api/epc/commands/{command_id}", s.handleCommandCancel)
		r.Get("/api/epc/manifest", s.handleManifestGet)
		if s.jwtSecret != "" {
			r.With(auth.AdminOnly).Put("/api/epc/manifest", s.handleManifestPublish)
		} else {
			r.Put("/api/epc/manifest", s.handleManifestPublish)
		}
	})

	mux.Handle("/", r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Device-facing handlers ---

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req checkinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json")
		return
	}
	if strings.TrimSpace(req.DeviceCode) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "device_code is required")
		return
	}
	resp, err := s.checkin.CheckIn(r.Context(), req.DeviceCode, checkin.Request{
		ReportedVersions: req.Versions,
		MetricsConfig:    req.MetricsConfig,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			observability.CheckinsTotal.WithLabelValues("not_found").Inc()
			writeError(w, http.StatusNotFound, "not_found",
				"device "+strings.ToUpper(strings.TrimSpace(req.DeviceCode))+" is not registered")
			return
		}
		slog.Error("check-in failed", "device_code", req.DeviceCode, "error", err)
		observability.CheckinsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "internal", "check-in failed")
		return
	}
	observability.CheckinsTotal.WithLabelValues("ok").Inc()
	observability.CommandsDeliveredTotal.Add(float64(len(resp.Commands)))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "command_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	var req resultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json")
		return
	}
	if err := s.checkin.ReportResult(r.Context(), id, req.Success, req.Detail); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "command not found")
		case errors.Is(err, store.ErrStaleAck):
			writeError(w, http.StatusConflict, "stale_report", "command is not awaiting a result")
		default:
			slog.Error("record command result failed", "command_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to record result")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var req telemetryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json")
		return
	}
	if strings.TrimSpace(req.DeviceCode) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "device_code is required")
		return
	}
	n, err := s.ingestor.IngestBatch(r.Context(), req.DeviceCode, req.Samples)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			observability.TelemetryBatchesTotal.WithLabelValues("not_found").Inc()
			writeError(w, http.StatusNotFound, "not_found", "unknown device code")
		case errors.Is(err, ingest.ErrValidation):
			observability.TelemetryBatchesTotal.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		default:
			slog.Error("telemetry ingest failed", "device_code", req.DeviceCode, "error", err)
			observability.TelemetryBatchesTotal.WithLabelValues("error").Inc()
			writeError(w, http.StatusInternalServerError, "internal", "failed to store telemetry")
		}
		return
	}
	observability.TelemetryBatchesTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusAccepted, telemetryResponse{Status: "ok", Accepted: n})
}

// --- Operator handlers ---

// tenantScope returns the tenant a non-admin operator token is limited
// to. Admin tokens, and deployments running without JWT auth, see
// every tenant.
func tenantScope(r *http.Request) string {
	claims := auth.GetClaims(r)
	if claims == nil || claims.Role == "admin" {
		return ""
	}
	return claims.TenantID
}

// scopedDevice fetches a device by the device_id path param and hides
// devices outside the caller's tenant as not found.
func (s *Server) scopedDevice(w http.ResponseWriter, r *http.Request) (*store.Device, bool) {
	id, err := parseUUIDParam(r, "device_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return nil, false
	}
	dev, err := s.repo.GetDeviceByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "device not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "internal", "device lookup failed")
		return nil, false
	}
	if scope := tenantScope(r); scope != "" && dev.TenantID != scope {
		writeError(w, http.StatusNotFound, "not_found", "device not found")
		return nil, false
	}
	return dev, true
}

func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json")
		return
	}
	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.TenantID) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "code and tenant_id are required")
		return
	}
	dev := &store.Device{
		Code:                   req.Code,
		TenantID:               req.TenantID,
		SiteID:                 req.SiteID,
		Name:                   req.Name,
		CheckinIntervalSeconds: req.CheckinIntervalSeconds,
	}
	if err := s.repo.CreateDevice(r.Context(), dev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "conflict", "device code already registered")
			return
		}
		slog.Error("device registration failed", "code", req.Code, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to register device")
		return
	}
	writeJSON(w, http.StatusCreated, s.deviceDTO(dev))
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if scope := tenantScope(r); scope != "" {
		tenantID = scope
	}
	devices, err := s.repo.ListDevices(r.Context(), tenantID)
	if err != nil {
		slog.Error("device list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list devices")
		return
	}
	out := make([]deviceDTO, 0, len(devices))
	for i := range devices {
		out = append(out, s.deviceDTO(&devices[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.scopedDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.deviceDTO(dev))
}

func (s *Server) handleCommandsList(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.scopedDevice(w, r)
	if !ok {
		return
	}
	cmds, err := s.repo.ListCommands(r.Context(), dev.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleCommandCreate(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.scopedDevice(w, r)
	if !ok {
		return
	}
	var req createCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json")
		return
	}
	if strings.TrimSpace(req.CommandType) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "command_type is required")
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		writeError(w, http.StatusBadRequest, "validation_error", "payload must be valid json")
		return
	}

	priority := defaultCommandPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	cmd := &store.Command{
		DeviceID:    dev.ID,
		TenantID:    dev.TenantID,
		CommandType: req.CommandType,
		Action:      req.Action,
		Payload:     datatypes.JSON(req.Payload),
		Priority:    priority,
		Description: req.Description,
		CreatedBy:   operatorName(r),
	}
	if req.ExpiresIn > 0 {
		cmd.ExpiresAt = time.Now().UTC().Add(time.Duration(req.ExpiresIn) * time.Second)
	}
	out, created, err := s.repo.EnqueueCommand(r.Context(), cmd)
	if err != nil {
		slog.Error("command enqueue failed", "device_id", dev.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to enqueue command")
		return
	}
	status := http.StatusCreated
	if !created {
		// Idempotent suppression: an equivalent command is already in
		// flight; return it instead of erroring.
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (s *Server) handleCommandCancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "command_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if scope := tenantScope(r); scope != "" {
		cmd, err := s.repo.GetCommand(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && cmd.TenantID != scope) {
			writeError(w, http.StatusNotFound, "not_found", "command not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "command lookup failed")
			return
		}
	}
	removed, err := s.repo.CancelCommand(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to cancel command")
		return
	}
	if !removed {
		writeError(w, http.StatusConflict, "terminal", "command is terminal or absent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "command_id": id})
}

func (s *Server) handleManifestGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.repo.GetManifest(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no manifest published")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "manifest lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleManifestPublish(w http.ResponseWriter, r *http.Request) {
	var req publishManifestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json")
		return
	}
	m := manifest.Manifest{Version: req.Version, Scripts: req.Scripts}
	if err := m.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	scripts, err := m.ScriptsJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to encode manifest")
		return
	}
	rec, err := s.repo.PublishManifest(r.Context(), m.Version, datatypes.JSON(scripts))
	if err != nil {
		slog.Error("manifest publish failed", "version", m.Version, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to publish manifest")
		return
	}
	s.checkin.InvalidateManifest()
	slog.Info("manifest published", "version", rec.Version, "scripts", len(req.Scripts))
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTelemetryList(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.scopedDevice(w, r)
	if !ok {
		return
	}
	deviceID := dev.ID
	q := r.URL.Query()
	kind := strings.TrimSpace(q.Get("kind"))

	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid from")
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid to")
		return
	}
	// Default range queries never reach past the retention window.
	if from.IsZero() {
		from = time.Now().UTC().Add(-s.sampleRetention)
	}

	limit := 1000
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	desc := strings.EqualFold(strings.TrimSpace(q.Get("order")), "desc")

	page, err := s.repo.ListSamples(r.Context(), deviceID, kind, from, to, limit, q.Get("cursor"), desc)
	if err != nil {
		if errors.Is(err, store.ErrBadCursor) {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid cursor")
			return
		}
		slog.Error("telemetry query failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not query telemetry")
		return
	}

	out := listSamplesResponse{DeviceID: deviceID, Samples: make([]sampleDTO, 0, len(page.Samples))}
	for _, p := range page.Samples {
		dto := sampleDTO{
			TS:      p.TS,
			Kind:    p.Kind,
			Payload: json.RawMessage(append([]byte(nil), p.Payload...)),
		}
		if p.Kind == store.KindResources {
			d := ingest.Derive(json.RawMessage(p.Payload))
			dto.Derived = &d
		}
		out.Samples = append(out.Samples, dto)
	}
	out.NextCursor = page.NextCursor
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func (s *Server) deviceDTO(d *store.Device) deviceDTO {
	dto := deviceDTO{
		ID:                     d.ID,
		Code:                   d.Code,
		TenantID:               d.TenantID,
		SiteID:                 d.SiteID,
		Name:                   d.Name,
		CheckinIntervalSeconds: d.CheckinIntervalSeconds,
		Online:                 d.Online(time.Now().UTC(), s.onlineThreshold),
		LastSeen:               d.LastSeen,
		CreatedAt:              d.CreatedAt,
	}
	if len(d.ReportedVersions) > 0 {
		dto.ReportedVersions = json.RawMessage(append([]byte(nil), d.ReportedVersions...))
	}
	return dto
}

func operatorName(r *http.Request) string {
	if claims := auth.GetClaims(r); claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	return "operator"
}

type jsonErr struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	Code   int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Reason: reason, Code: status})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	if raw == "" {
		return uuid.Nil, errors.New("missing id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid id")
	}
	return id, nil
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}
