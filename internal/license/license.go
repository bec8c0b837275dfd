package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/edgectl/edgectl/internal/crypto"
	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
)

// Feature and limit names with core semantics.
const (
	FeatureOtaUpdates = "ota_updates"
	FeatureBasicJobs  = "basic_jobs"

	LimitMaxDevices = "max_devices"
	LimitMaxUsers   = "max_users"

	// Unlimited is the sentinel limit value meaning "no cap".
	Unlimited = int64(-1)
)

const trialDuration = 14 * 24 * time.Hour

// Claims is the decoded license envelope. Snapshots are immutable; the
// authority swaps a pointer on reload so no caller observes a torn set.
type Claims struct {
	CustomerID string           `json:"customer_id"`
	Plan       string           `json:"plan"`
	Features   map[string]bool  `json:"features"`
	Limits     map[string]int64 `json:"limits"`
	NotBefore  time.Time        `json:"not_before"`
	NotAfter   time.Time        `json:"not_after"`
	CachedAt   time.Time        `json:"cached_at"`
}

// Authority is the single process-wide component answering feature and
// limit queries. It verifies the signed envelope at Init, caches the decoded
// claims in the store, and degrades to the unlicensed trial policy when the
// envelope is absent, invalid, or expired.
type Authority struct {
	store        store.Store
	log          logrus.FieldLogger
	envelope     string
	publicKeyPEM []byte
	claims       atomic.Pointer[Claims]
	now          func() time.Time
}

func NewAuthority(st store.Store, log logrus.FieldLogger, envelope string, publicKeyPEM []byte) *Authority {
	return &Authority{
		store:        st,
		log:          log,
		envelope:     envelope,
		publicKeyPEM: publicKeyPEM,
		now:          time.Now,
	}
}

// Init reads and verifies the configured envelope, installing either the
// decoded claims or the unlicensed policy. It never fails the process over
// a bad license; the outcome is audit-logged either way.
func (a *Authority) Init(ctx context.Context) error {
	claims, verifyErr := a.verify()
	if verifyErr != nil {
		if a.envelope != "" {
			a.log.Warnf("license envelope rejected, falling back to trial policy: %v", verifyErr)
		}
		var err error
		claims, err = a.unlicensedPolicy(ctx)
		if err != nil {
			return err
		}
	}
	claims.CachedAt = a.now()
	a.claims.Store(claims)

	if raw, err := json.Marshal(claims); err == nil {
		if err := a.store.SystemConfig().Set(ctx, model.ConfigKeyLicenseClaims, raw); err != nil {
			a.log.Warnf("caching license claims: %v", err)
		}
	}

	details := map[string]any{"plan": claims.Plan, "customer_id": claims.CustomerID}
	severity := model.AuditSeverityInfo
	if verifyErr != nil && a.envelope != "" {
		details["error"] = verifyErr.Error()
		severity = model.AuditSeverityWarning
	}
	if err := a.store.Audit().Append(ctx, &model.AuditRecord{
		Kind:     "license.initialized",
		Severity: severity,
		Actor:    "system",
		Details:  model.MakeJSONField(details),
	}); err != nil {
		a.log.Warnf("writing license audit record: %v", err)
	}
	return nil
}

// Refresh re-evaluates the envelope; an envelope whose not_after has passed
// degrades to the unlicensed policy here.
func (a *Authority) Refresh(ctx context.Context) {
	if err := a.Init(ctx); err != nil {
		a.log.Errorf("refreshing license: %v", err)
	}
}

func (a *Authority) verify() (*Claims, error) {
	if a.envelope == "" {
		return nil, ecerrors.ErrLicenseInvalid
	}
	pubKey, err := crypto.ParsePublicKey(a.publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ecerrors.ErrLicenseInvalid, err)
	}

	token, err := jwt.Parse([]byte(a.envelope),
		jwt.WithKey(jwa.RS256, pubKey),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(a.now)),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, ecerrors.ErrLicenseExpired
		}
		return nil, fmt.Errorf("%w: %v", ecerrors.ErrLicenseInvalid, err)
	}

	claims := &Claims{
		Features:  map[string]bool{},
		Limits:    map[string]int64{},
		NotBefore: token.NotBefore(),
		NotAfter:  token.Expiration(),
	}
	if v, ok := token.Get("customer_id"); ok {
		claims.CustomerID, _ = v.(string)
	}
	if v, ok := token.Get("plan"); ok {
		claims.Plan, _ = v.(string)
	}
	if v, ok := token.Get("features"); ok {
		features, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: features claim is not a list", ecerrors.ErrLicenseInvalid)
		}
		for _, f := range features {
			name, ok := f.(string)
			if !ok {
				return nil, fmt.Errorf("%w: feature name is not a string", ecerrors.ErrLicenseInvalid)
			}
			claims.Features[name] = true
		}
	}
	if v, ok := token.Get("limits"); ok {
		limits, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: limits claim is not an object", ecerrors.ErrLicenseInvalid)
		}
		for name, val := range limits {
			num, ok := val.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: limit %q is not a number", ecerrors.ErrLicenseInvalid, name)
			}
			claims.Limits[name] = int64(num)
		}
	}
	return claims, nil
}

// unlicensedPolicy builds the trial claim set. The trial window starts at
// first observation and is persisted so restarts do not extend it.
func (a *Authority) unlicensedPolicy(ctx context.Context) (*Claims, error) {
	trialStart := a.now()
	raw, err := a.store.SystemConfig().Get(ctx, model.ConfigKeyTrialStartedAt)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &trialStart); err != nil {
			return nil, fmt.Errorf("%w: corrupt trial start marker", ecerrors.ErrInvariantViolation)
		}
	case errors.Is(err, ecerrors.ErrNotFound):
		marker, _ := json.Marshal(trialStart)
		if err := a.store.SystemConfig().Set(ctx, model.ConfigKeyTrialStartedAt, marker); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return &Claims{
		Plan: "trial",
		Features: map[string]bool{
			FeatureOtaUpdates: true,
			FeatureBasicJobs:  true,
		},
		Limits: map[string]int64{
			LimitMaxDevices: 3,
			LimitMaxUsers:   1,
		},
		NotBefore: trialStart,
		NotAfter:  trialStart.Add(trialDuration),
	}, nil
}

// HasFeature reports whether the feature appears in the claim set. Unknown
// features default to false.
func (a *Authority) HasFeature(name string) bool {
	claims := a.claims.Load()
	if claims == nil {
		return false
	}
	return claims.Features[name]
}

// WithinLimit reports whether proposed fits under the named limit. A limit
// of -1, or one absent from the claim set, means unlimited.
func (a *Authority) WithinLimit(name string, proposed int64) bool {
	claims := a.claims.Load()
	if claims == nil {
		return false
	}
	limit, ok := claims.Limits[name]
	if !ok || limit == Unlimited {
		return true
	}
	return proposed <= limit
}

// Snapshot returns a copy of the current claims.
func (a *Authority) Snapshot() Claims {
	claims := a.claims.Load()
	if claims == nil {
		return Claims{}
	}
	return *claims
}
