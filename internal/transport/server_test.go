package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgectl/edgectl/internal/brokerauth"
	"github.com/edgectl/edgectl/internal/config"
	"github.com/edgectl/edgectl/internal/crypto"
	"github.com/edgectl/edgectl/internal/events"
	"github.com/edgectl/edgectl/internal/identity"
	"github.com/edgectl/edgectl/internal/jobs"
	"github.com/edgectl/edgectl/internal/license"
	"github.com/edgectl/edgectl/internal/provisioning"
	"github.com/edgectl/edgectl/internal/state"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testServer struct {
	http  *httptest.Server
	store store.Store
	ident *identity.Service
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st := store.NewStore(db, logrus.New())
	require.NoError(t, st.InitialMigration())
	t.Cleanup(func() { _ = st.Close() })

	logger := logrus.New()
	cfg := config.NewDefault()
	cfg.Provisioning.RateLimitRequests = 1000
	cfg.BrokerAuth.DecisionTimeout = 2 * time.Second

	bus := events.NewBus(logger)
	ident := identity.NewService(logger)
	stateEngine := state.NewEngine(st, bus, logger)

	lic := license.NewAuthority(st, logger, "", nil)
	require.NoError(t, lic.Init(ctx))

	coordinator := provisioning.NewCoordinator(st, ident, lic, stateEngine, bus, provisioning.Config{
		APIEndpoint: "https://api.example.com",
		BrokerUrl:   "ssl://broker.example.com:8883",
	}, logger)
	require.NoError(t, coordinator.EnsurePlatformKeys(ctx))

	jobEngine := jobs.NewEngine(st, bus, nil, lic, logger, 30, 10*time.Minute)
	t.Cleanup(jobEngine.Close)
	scheduler := jobs.NewScheduler(st, jobEngine, lic, logger)

	brokerAuth := brokerauth.NewService(st, bus, logger, 30*time.Second)
	t.Cleanup(brokerAuth.Close)

	server := NewServer(cfg, logger, st, coordinator, stateEngine, jobEngine, scheduler, brokerAuth, ident, nil)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	token, _, err := ident.CreateKey(ctx, st, "fleet-a", nil, nil)
	require.NoError(t, err)

	return &testServer{http: ts, store: st, ident: ident, token: token}
}

func (ts *testServer) post(t *testing.T, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.http.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

// provision registers a device through the public HTTP surface and returns
// its bootstrap bundle.
func (ts *testServer) provision(t *testing.T, deviceID string) provisioning.Bundle {
	t.Helper()

	resp := ts.post(t, "/api/v1/provisioning/phase1", map[string]string{
		"device_id":          deviceID,
		"provisioning_token": ts.token,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var phase1 provisioning.Phase1Response
	ts.decode(t, resp, &phase1)

	pub, err := crypto.ParsePublicKey([]byte(phase1.PlatformPublicKey))
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]string{
		"device_id":          deviceID,
		"provisioning_token": ts.token,
		"display_name":       deviceID,
	})
	require.NoError(t, err)
	envelope, err := crypto.Wrap(pub, payload)
	require.NoError(t, err)

	resp = ts.post(t, "/api/v1/provisioning/phase2", map[string]string{
		"encrypted_payload": base64.StdEncoding.EncodeToString(envelope),
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bundle provisioning.Bundle
	ts.decode(t, resp, &bundle)
	return bundle
}

func TestAuthUserEndpoint(t *testing.T) {
	ts := newTestServer(t)
	bundle := ts.provision(t, "dev-1")

	resp := ts.post(t, "/auth/user", map[string]string{
		"username": bundle.Mqtt.Username,
		"password": bundle.Mqtt.Password,
	}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.post(t, "/auth/user", map[string]string{
		"username": bundle.Mqtt.Username,
		"password": "wrong",
	}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthAclEndpoint(t *testing.T) {
	ts := newTestServer(t)
	bundle := ts.provision(t, "dev-1")

	allow := func(topic string, acc int) int {
		resp := ts.post(t, "/auth/acl", map[string]any{
			"username": bundle.Mqtt.Username,
			"topic":    topic,
			"acc":      acc,
		}, nil)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, allow("agent/dev-1/jobs", 1))
	require.Equal(t, http.StatusOK, allow("agent/dev-1/jobs", 3))
	require.Equal(t, http.StatusOK, allow("sensor/dev-1/temp", 2))
	require.Equal(t, http.StatusForbidden, allow("sensor/dev-1/temp", 1))
	require.Equal(t, http.StatusForbidden, allow("agent/dev-2/jobs", 1))
	require.Equal(t, http.StatusForbidden, allow("agent/dev-1/jobs", 0))
}

func TestProvisioningRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.post(t, "/api/v1/provisioning/phase1", map[string]string{
		"device_id":          "dev-1",
		"provisioning_token": "wrong",
	}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDesiredStateRequiresDeviceAuth(t *testing.T) {
	ts := newTestServer(t)
	bundle := ts.provision(t, "dev-1")

	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/api/v1/devices/dev-1/state/desired", nil)
	require.NoError(t, err)
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer "+bundle.API.APIKey)
	resp, err = ts.http.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap state.Snapshot
	ts.decode(t, resp, &snap)
	require.EqualValues(t, 1, snap.Version, "provisioning seeds desired state at version 1")
}

func TestStateWriteAndReadBack(t *testing.T) {
	ts := newTestServer(t)
	bundle := ts.provision(t, "dev-1")

	putBody, err := json.Marshal(map[string]any{
		"apps":   map[string]any{"telemetry": map[string]any{"version": "2.0"}},
		"config": map[string]any{"interval": 60},
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, ts.http.URL+"/api/v1/devices/dev-1/state/desired", bytes.NewReader(putBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	var snap state.Snapshot
	ts.decode(t, resp, &snap)
	require.EqualValues(t, 2, snap.Version)

	// the device pulls it back with its API key
	req, err = http.NewRequest(http.MethodGet, ts.http.URL+"/api/v1/devices/dev-1/state/desired", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bundle.API.APIKey)
	resp, err = ts.http.Client().Do(req)
	require.NoError(t, err)
	var pulled state.Snapshot
	ts.decode(t, resp, &pulled)
	require.Equal(t, snap.ContentHash, pulled.ContentHash)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.provision(t, "dev-1")

	resp := ts.post(t, "/api/v1/devices/dev-1/jobs", map[string]any{
		"kind":    "reboot",
		"payload": map[string]any{"delay": 5},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID     string `json:"ID"`
		Status string `json:"Status"`
	}
	ts.decode(t, resp, &created)
	require.NotEmpty(t, created.ID)

	resp = ts.post(t, fmt.Sprintf("/api/v1/devices/dev-1/jobs/%s/cancel", created.ID), nil, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// cancel is final
	resp = ts.post(t, fmt.Sprintf("/api/v1/devices/dev-1/jobs/%s/cancel", created.ID), nil, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJobRejectsMissingKind(t *testing.T) {
	ts := newTestServer(t)
	ts.provision(t, "dev-1")

	resp := ts.post(t, "/api/v1/devices/dev-1/jobs", map[string]any{}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProvisioningKeyAdmin(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/v1/provisioning-keys", map[string]any{
		"fleet_tag": "fleet-b",
		"max_uses":  1,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	}
	ts.decode(t, resp, &created)
	require.NotEmpty(t, created.Token)

	req, err := http.NewRequest(http.MethodDelete, ts.http.URL+"/api/v1/provisioning-keys/"+created.ID, nil)
	require.NoError(t, err)
	resp, err = ts.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// the revoked key no longer provisions
	resp = ts.post(t, "/api/v1/provisioning/phase1", map[string]string{
		"device_id":          "dev-9",
		"provisioning_token": created.Token,
	}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeviceRetireOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	bundle := ts.provision(t, "dev-1")

	resp := ts.post(t, "/api/v1/devices/dev-1/retire", nil, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// the broker account is disabled with the device
	resp = ts.post(t, "/auth/user", map[string]string{
		"username": bundle.Mqtt.Username,
		"password": bundle.Mqtt.Password,
	}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
