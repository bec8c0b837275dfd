package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgectl/edgectl/internal/brokerauth"
	"github.com/edgectl/edgectl/internal/config"
	"github.com/edgectl/edgectl/internal/crypto"
	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/instrumentation"
	"github.com/edgectl/edgectl/internal/jobs"
	"github.com/edgectl/edgectl/internal/provisioning"
	"github.com/edgectl/edgectl/internal/state"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/edgectl/edgectl/pkg/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const gracefulShutdownTimeout = 5 * time.Second

// Server exposes the control-plane HTTP surface: the broker's auth
// decisions, the two provisioning phases, state reads and writes, job
// management, and the provisioning-key admin operations.
type Server struct {
	cfg         *config.Config
	log         logrus.FieldLogger
	store       store.Store
	coordinator *provisioning.Coordinator
	state       *state.Engine
	jobs        *jobs.Engine
	scheduler   *jobs.Scheduler
	brokerAuth  *brokerauth.Service
	keys        keyAdmin
	metrics     *instrumentation.Metrics
}

// keyAdmin is the slice of identity.Service the server needs; narrowed for
// tests.
type keyAdmin interface {
	CreateKey(ctx context.Context, st store.Store, fleetTag string, maxUses *int64, expiresAt *time.Time) (string, *model.ProvisioningKey, error)
}

func NewServer(
	cfg *config.Config,
	logger logrus.FieldLogger,
	st store.Store,
	coordinator *provisioning.Coordinator,
	stateEngine *state.Engine,
	jobEngine *jobs.Engine,
	scheduler *jobs.Scheduler,
	brokerAuth *brokerauth.Service,
	keys keyAdmin,
	metrics *instrumentation.Metrics,
) *Server {
	return &Server{
		cfg:         cfg,
		log:         logger,
		store:       st,
		coordinator: coordinator,
		state:       stateEngine,
		jobs:        jobEngine,
		scheduler:   scheduler,
		brokerAuth:  brokerAuth,
		keys:        keys,
		metrics:     metrics,
	}
}

// Router assembles the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// broker decision endpoints: bounded latency, never an error status
	// other than the deny codes
	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.BrokerAuth.DecisionTimeout))
		r.Post("/user", s.handleAuthUser)
		r.Post("/acl", s.handleAuthAcl)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/provisioning", func(r chi.Router) {
			r.Use(IPRateLimiter(
				s.cfg.Provisioning.RateLimitRequests,
				s.cfg.Provisioning.RateLimitWindow,
				"too many provisioning attempts",
			))
			r.Post("/phase1", s.handlePhase1)
			r.Post("/phase2", s.handlePhase2)
		})

		r.Route("/provisioning-keys", func(r chi.Router) {
			r.Post("/", s.handleCreateProvisioningKey)
			r.Get("/", s.handleListProvisioningKeys)
			r.Delete("/{keyID}", s.handleRevokeProvisioningKey)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Route("/{deviceID}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Post("/retire", s.handleRetireDevice)

				r.Get("/state/desired", s.withDeviceAuth(s.handleGetDesired))
				r.Put("/state/desired", s.handleSetDesired)
				r.Get("/state/reported", s.handleGetReported)
				r.Put("/state/reported", s.withDeviceAuth(s.handleSetReported))

				r.Post("/jobs", s.handleEnqueueJob)
				r.Get("/jobs", s.handleListJobs)
				r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
			})
		})

		r.Get("/jobs/{jobID}", s.handleGetJob)

		r.Route("/scheduled-jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateScheduledJob)
			r.Get("/", s.handleListScheduledJobs)
		})

		r.Get("/audit", s.handleListAudit)
	})

	return r
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Service.Address,
		Handler: s.Router(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.Service.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// broker auth

type authUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"clientid,omitempty"`
}

func (s *Server) handleAuthUser(w http.ResponseWriter, r *http.Request) {
	var req authUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.BrokerAuthDecision("user", false)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	allowed := s.brokerAuth.CheckUser(r.Context(), req.Username, req.Password)
	s.metrics.BrokerAuthDecision("user", allowed)
	if !allowed {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type authAclRequest struct {
	Username string `json:"username"`
	Topic    string `json:"topic"`
	// Acc is the broker's requested access: 1=read, 2=write, 3=read+write,
	// 4=subscribe (checked as read).
	Acc int `json:"acc"`
}

func permissionFromAcc(acc int) model.Permission {
	switch acc {
	case 1, 4:
		return model.PermissionRead
	case 2:
		return model.PermissionWrite
	case 3:
		return model.PermissionRead | model.PermissionWrite
	default:
		return 0
	}
}

func (s *Server) handleAuthAcl(w http.ResponseWriter, r *http.Request) {
	var req authAclRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.BrokerAuthDecision("acl", false)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	allowed := s.brokerAuth.CheckAcl(r.Context(), req.Username, req.Topic, permissionFromAcc(req.Acc))
	s.metrics.BrokerAuthDecision("acl", allowed)
	if !allowed {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// provisioning

func (s *Server) handlePhase1(w http.ResponseWriter, r *http.Request) {
	var req provisioning.Phase1Request
	if err := decodeBody(r, &req); err != nil {
		s.metrics.ProvisioningOutcome("1", "error")
		s.writeError(w, r, err)
		return
	}
	resp, err := s.coordinator.Phase1(r.Context(), clientIP(r), req)
	if err != nil {
		s.metrics.ProvisioningOutcome("1", outcomeFromError(err))
		s.writeError(w, r, err)
		return
	}
	s.metrics.ProvisioningOutcome("1", "success")
	s.writeJSON(w, http.StatusOK, resp)
}

type phase2Request struct {
	// EncryptedPayload carries the platform-key wrapped registration, base64.
	EncryptedPayload string `json:"encrypted_payload"`
}

func (s *Server) handlePhase2(w http.ResponseWriter, r *http.Request) {
	var req phase2Request
	if err := decodeBody(r, &req); err != nil {
		s.metrics.ProvisioningOutcome("2", "error")
		s.writeError(w, r, err)
		return
	}
	encrypted, err := base64.StdEncoding.DecodeString(req.EncryptedPayload)
	if err != nil {
		s.metrics.ProvisioningOutcome("2", "error")
		s.writeError(w, r, fmt.Errorf("%w: encrypted_payload is not valid base64", ecerrors.ErrBadRequest))
		return
	}
	bundle, err := s.coordinator.Phase2(r.Context(), clientIP(r), encrypted)
	if err != nil {
		s.metrics.ProvisioningOutcome("2", outcomeFromError(err))
		s.writeError(w, r, err)
		return
	}
	s.metrics.ProvisioningOutcome("2", "success")
	s.writeJSON(w, http.StatusOK, bundle)
}

func outcomeFromError(err error) string {
	switch {
	case errors.Is(err, ecerrors.ErrLicenseLimitExceeded):
		return "admission_denied"
	case errors.Is(err, ecerrors.ErrUnauthorized), errors.Is(err, ecerrors.ErrProvisioningKeyInvalid):
		return "rejected"
	default:
		return "error"
	}
}

// provisioning keys

type createKeyRequest struct {
	FleetTag  string     `json:"fleet_tag,omitempty"`
	MaxUses   *int64     `json:"max_uses,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type createKeyResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func (s *Server) handleCreateProvisioningKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MaxUses != nil && *req.MaxUses < 1 {
		s.writeError(w, r, fmt.Errorf("%w: max_uses must be at least 1", ecerrors.ErrBadRequest))
		return
	}
	token, key, err := s.keys.CreateKey(r.Context(), s.store, req.FleetTag, req.MaxUses, req.ExpiresAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createKeyResponse{ID: key.ID, Token: token})
}

func (s *Server) handleListProvisioningKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ProvisioningKey().List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleRevokeProvisioningKey(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ProvisioningKey().SetActive(r.Context(), chi.URLParam(r, "keyID"), false); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// devices

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.Device().List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.Device().Get(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Purge(r.Context(), chi.URLParam(r, "deviceID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", ecerrors.ErrBadRequest))
			return
		}
		limit = parsed
	}
	records, err := s.store.Audit().List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRetireDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Retire(r.Context(), chi.URLParam(r, "deviceID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// state

type stateWriteRequest struct {
	Apps       map[string]any `json:"apps"`
	Config     map[string]any `json:"config"`
	SystemInfo map[string]any `json:"system_info,omitempty"`
}

func (s *Server) handleGetDesired(w http.ResponseWriter, r *http.Request) {
	snap, err := s.state.GetDesired(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSetDesired(w http.ResponseWriter, r *http.Request) {
	var req stateWriteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.state.SetDesired(r.Context(), chi.URLParam(r, "deviceID"), req.Apps, req.Config)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetReported(w http.ResponseWriter, r *http.Request) {
	snap, err := s.state.GetReported(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSetReported(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req stateWriteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.state.SetReported(r.Context(), deviceID, req.Apps, req.Config, req.SystemInfo)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.Device().TouchLastContact(r.Context(), deviceID, time.Now()); err != nil {
		s.log.Warnf("updating last contact for %s: %v", deviceID, err)
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// jobs

type enqueueJobRequest struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Kind == "" {
		s.writeError(w, r, fmt.Errorf("%w: kind is required", ecerrors.ErrBadRequest))
		return
	}
	job, err := s.jobs.Enqueue(r.Context(), chi.URLParam(r, "deviceID"), req.Kind, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", ecerrors.ErrBadRequest))
			return
		}
		limit = parsed
	}
	list, err := s.jobs.List(r.Context(), chi.URLParam(r, "deviceID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "deviceID"), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createScheduledJobRequest struct {
	SelectorKind  model.SelectorKind `json:"selector_kind"`
	SelectorValue string             `json:"selector_value,omitempty"`
	Kind          string             `json:"kind"`
	Payload       map[string]any     `json:"payload,omitempty"`
	CronExpr      string             `json:"cron"`
}

func (s *Server) handleCreateScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req createScheduledJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Kind == "" {
		s.writeError(w, r, fmt.Errorf("%w: kind is required", ecerrors.ErrBadRequest))
		return
	}
	tpl, err := s.scheduler.CreateTemplate(r.Context(), req.SelectorKind, req.SelectorValue, req.Kind, req.Payload, req.CronExpr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleListScheduledJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Job().ListScheduled(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// withDeviceAuth requires the bearer token to match the device's API key.
// Used on the agent-facing state endpoints.
func (s *Server) withDeviceAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceID")
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			s.writeError(w, r, ecerrors.ErrUnauthorized)
			return
		}
		device, err := s.store.Device().Get(r.Context(), deviceID)
		if err != nil || device.ApiKeyHash == "" || !crypto.VerifyPassword(token, device.ApiKeyHash) {
			s.writeError(w, r, ecerrors.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

func decodeBody(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("%w: %v", ecerrors.ErrBadRequest, err)
	}
	return nil
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// statusFromError maps the sentinel error kinds onto HTTP statuses.
func statusFromError(err error) (int, string) {
	switch {
	case errors.Is(err, ecerrors.ErrBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, ecerrors.ErrUnauthorized),
		errors.Is(err, ecerrors.ErrProvisioningKeyInvalid),
		errors.Is(err, ecerrors.ErrCryptoFailure):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, ecerrors.ErrLicenseFeatureDenied),
		errors.Is(err, ecerrors.ErrLicenseExpired):
		return http.StatusForbidden, "LicenseDenied"
	case errors.Is(err, ecerrors.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, ecerrors.ErrDuplicate):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, ecerrors.ErrInvalidJobTransition):
		return http.StatusConflict, "InvalidTransition"
	case errors.Is(err, ecerrors.ErrLicenseLimitExceeded):
		return http.StatusUnprocessableEntity, "LimitExceeded"
	case errors.Is(err, ecerrors.ErrRateLimited):
		return http.StatusTooManyRequests, "TooManyRequests"
	case errors.Is(err, ecerrors.ErrRetryableStorage):
		return http.StatusServiceUnavailable, "RetryLater"
	case errors.Is(err, ecerrors.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout, "DeadlineExceeded"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, reason := statusFromError(err)
	if code == http.StatusInternalServerError {
		log.WithReqIDFromCtx(r.Context(), s.log).Errorf("request failed: %v", err)
	}
	s.writeJSON(w, code, errorResponse{Code: code, Message: err.Error(), Reason: reason})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Errorf("encoding response: %v", err)
	}
}
