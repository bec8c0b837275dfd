package brokerauth

import (
	"context"
	"time"

	"github.com/edgectl/edgectl/internal/crypto"
	"github.com/edgectl/edgectl/internal/events"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

type cachedUser struct {
	passwordHash string
	active       bool
}

// Service answers the external broker's synchronous user and ACL decisions.
// It is the one component that deliberately converts every internal failure
// into a deny: the broker must never be granted access because something
// here broke.
//
// Lookups on the hot path go through short-TTL caches that are explicitly
// invalidated when provisioning rotates credentials, a device is retired,
// or ACLs change.
type Service struct {
	store store.Store
	log   logrus.FieldLogger

	users *ttlcache.Cache[string, cachedUser]
	acls  *ttlcache.Cache[string, []model.MqttAcl]

	unsubscribe func()
}

func NewService(st store.Store, bus *events.Bus, log logrus.FieldLogger, cacheTTL time.Duration) *Service {
	s := &Service{
		store: st,
		log:   log,
		users: ttlcache.New(ttlcache.WithTTL[string, cachedUser](cacheTTL)),
		acls:  ttlcache.New(ttlcache.WithTTL[string, []model.MqttAcl](cacheTTL)),
	}
	go s.users.Start()
	go s.acls.Start()

	if bus != nil {
		s.unsubscribe = bus.Subscribe(func(ev events.Event) {
			s.Invalidate(model.DeviceUsername(ev.DeviceID))
		}, events.KindDeviceProvisioned, events.KindDeviceRetired, events.KindAclChanged)
	}
	return s
}

func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.users.Stop()
	s.acls.Stop()
}

// Invalidate drops the cached entries for one username.
func (s *Service) Invalidate(username string) {
	s.users.Delete(username)
	s.acls.Delete(username)
}

// CheckUser verifies a broker connect. Unknown or inactive accounts and any
// internal error all come back deny.
func (s *Service) CheckUser(ctx context.Context, username, password string) bool {
	if username == "" || password == "" {
		return false
	}

	var user cachedUser
	if item := s.users.Get(username); item != nil {
		user = item.Value()
	} else {
		row, err := s.store.Mqtt().GetUser(ctx, username)
		if err != nil {
			return false
		}
		user = cachedUser{passwordHash: row.PasswordHash, active: row.Active}
		s.users.Set(username, user, ttlcache.DefaultTTL)
	}

	if !user.active {
		return false
	}
	return crypto.VerifyPassword(password, user.passwordHash)
}

// CheckAcl authorizes one publish or subscribe. op is a {read, write}
// subset; the decision is allow iff some ACL for the username grants every
// requested operation on a pattern matching the topic.
func (s *Service) CheckAcl(ctx context.Context, username, topic string, op model.Permission) bool {
	if username == "" || topic == "" || op == 0 {
		return false
	}

	var acls []model.MqttAcl
	if item := s.acls.Get(username); item != nil {
		acls = item.Value()
	} else {
		rows, err := s.store.Mqtt().ListAcls(ctx, username)
		if err != nil {
			return false
		}
		acls = rows
		s.acls.Set(username, acls, ttlcache.DefaultTTL)
	}

	for _, acl := range acls {
		if acl.Permissions.Contains(op) && MatchTopic(acl.TopicPattern, topic) {
			return true
		}
	}
	return false
}
