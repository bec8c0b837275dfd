package brokerauth

import (
	"context"
	"testing"
	"time"

	"github.com/edgectl/edgectl/internal/events"
	"github.com/edgectl/edgectl/internal/identity"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st := store.NewStore(db, logrus.New())
	require.NoError(t, st.InitialMigration())
	t.Cleanup(func() { _ = st.Close() })

	svc := NewService(st, nil, logrus.New(), 30*time.Second)
	t.Cleanup(svc.Close)
	return svc, st
}

func provisionAccount(t *testing.T, st store.Store, deviceID string) (username, password string) {
	t.Helper()
	username, password, err := identity.NewService(logrus.New()).MaterializeDeviceAccount(context.Background(), st, deviceID)
	require.NoError(t, err)
	return username, password
}

func TestCheckUser(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	username, password := provisionAccount(t, st, "dev-1")

	require.True(t, svc.CheckUser(ctx, username, password))
	require.False(t, svc.CheckUser(ctx, username, "wrong"))
	require.False(t, svc.CheckUser(ctx, "device-unknown", password))
	require.False(t, svc.CheckUser(ctx, "", password))
	require.False(t, svc.CheckUser(ctx, username, ""))
}

func TestCheckUserDeniesInactiveAccount(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	username, password := provisionAccount(t, st, "dev-1")

	require.NoError(t, st.Mqtt().SetUserActive(ctx, username, false))
	svc.Invalidate(username)
	require.False(t, svc.CheckUser(ctx, username, password))
}

func TestCheckUserDeniesRotatedPassword(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	username, oldPassword := provisionAccount(t, st, "dev-1")

	require.True(t, svc.CheckUser(ctx, username, oldPassword))

	_, newPassword := provisionAccount(t, st, "dev-1")
	svc.Invalidate(username)

	require.False(t, svc.CheckUser(ctx, username, oldPassword))
	require.True(t, svc.CheckUser(ctx, username, newPassword))
}

func TestCheckAclDeviceIsolation(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	username, _ := provisionAccount(t, st, "dev-1")
	provisionAccount(t, st, "dev-2")

	// own namespaces
	require.True(t, svc.CheckAcl(ctx, username, "agent/dev-1/jobs", model.PermissionRead))
	require.True(t, svc.CheckAcl(ctx, username, "state/dev-1/reported", model.PermissionWrite))
	require.True(t, svc.CheckAcl(ctx, username, "sensor/dev-1/temp", model.PermissionWrite))

	// sensor namespace is write-only
	require.False(t, svc.CheckAcl(ctx, username, "sensor/dev-1/temp", model.PermissionRead))

	// another device's namespaces are invisible
	require.False(t, svc.CheckAcl(ctx, username, "agent/dev-2/jobs", model.PermissionRead))
	require.False(t, svc.CheckAcl(ctx, username, "state/dev-2/reported", model.PermissionWrite))
	require.False(t, svc.CheckAcl(ctx, username, "sensor/dev-2/temp", model.PermissionWrite))

	// prefix tricks do not cross namespaces
	require.False(t, svc.CheckAcl(ctx, username, "agent/dev-10/jobs", model.PermissionRead))
}

func TestCheckAclDeniesUnknownAndEmpty(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	require.False(t, svc.CheckAcl(ctx, "device-unknown", "agent/dev-1/jobs", model.PermissionRead))
	require.False(t, svc.CheckAcl(ctx, "", "agent/dev-1/jobs", model.PermissionRead))
	require.False(t, svc.CheckAcl(ctx, "device-dev-1", "", model.PermissionRead))
	require.False(t, svc.CheckAcl(ctx, "device-dev-1", "agent/dev-1/jobs", 0))
}

func TestEventDrivenInvalidation(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st := store.NewStore(db, logrus.New())
	require.NoError(t, st.InitialMigration())
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(logrus.New())
	svc := NewService(st, bus, logrus.New(), time.Hour)
	t.Cleanup(svc.Close)

	username, oldPassword := provisionAccount(t, st, "dev-1")
	require.True(t, svc.CheckUser(ctx, username, oldPassword))

	// rotate and publish the event that provisioning would publish
	_, newPassword := provisionAccount(t, st, "dev-1")
	bus.Publish(events.Event{Kind: events.KindDeviceProvisioned, DeviceID: "dev-1"})

	// the cache invalidation runs on the subscriber goroutine
	require.Eventually(t, func() bool {
		return svc.CheckUser(ctx, username, newPassword) && !svc.CheckUser(ctx, username, oldPassword)
	}, 5*time.Second, 10*time.Millisecond)
}
