package identity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgectl/edgectl/internal/crypto"
	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	// sqlite allows one writer; a single pooled connection keeps concurrent
	// attempts from hitting table-lock errors
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	st := store.NewStore(db, logrus.New())
	require.NoError(t, st.InitialMigration())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateAndValidateKey(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := NewService(logrus.New())

	token, created, err := svc.CreateKey(ctx, st, "fleet-a", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotEqual(t, token, created.KeyHash, "plaintext must not be stored")

	key, err := svc.ValidateKey(ctx, st, token)
	require.NoError(t, err)
	require.Equal(t, created.ID, key.ID)
	require.Equal(t, "fleet-a", key.FleetTag)

	_, err = svc.ValidateKey(ctx, st, "not-the-token")
	require.ErrorIs(t, err, ecerrors.ErrUnauthorized)

	_, err = svc.ValidateKey(ctx, st, "")
	require.ErrorIs(t, err, ecerrors.ErrUnauthorized)
}

func TestConsumeSingleUseKey(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := NewService(logrus.New())

	token, _, err := svc.CreateKey(ctx, st, "", lo.ToPtr(int64(1)), nil)
	require.NoError(t, err)

	_, err = svc.ValidateAndConsumeKey(ctx, st, token)
	require.NoError(t, err)

	// budget exhausted: second use fails
	_, err = svc.ValidateAndConsumeKey(ctx, st, token)
	require.ErrorIs(t, err, ecerrors.ErrUnauthorized)
}

func TestSingleUseKeyConcurrentAttempts(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := NewService(logrus.New())

	token, _, err := svc.CreateKey(ctx, st, "", lo.ToPtr(int64(1)), nil)
	require.NoError(t, err)

	const attempts = 8
	var wg sync.WaitGroup
	var wins atomic.Int64
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ValidateAndConsumeKey(ctx, st, token); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, wins.Load(), "a max_uses=1 token admits exactly one winner")
}

func TestExpiredKeyRejected(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := NewService(logrus.New())

	token, _, err := svc.CreateKey(ctx, st, "", nil, lo.ToPtr(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	_, err = svc.ValidateAndConsumeKey(ctx, st, token)
	require.ErrorIs(t, err, ecerrors.ErrUnauthorized)
}

func TestDeviceAclsAreScopedToDevice(t *testing.T) {
	acls := DeviceAcls("dev-1")
	require.Len(t, acls, 3)
	for _, acl := range acls {
		require.Equal(t, model.DeviceUsername("dev-1"), acl.Username)
		require.Contains(t, acl.TopicPattern, "/dev-1/")
	}

	byPrefix := map[string]model.Permission{}
	for _, acl := range acls {
		byPrefix[acl.TopicPattern] = acl.Permissions
	}
	require.Equal(t, model.PermissionRead|model.PermissionWrite, byPrefix["agent/dev-1/#"])
	require.Equal(t, model.PermissionRead|model.PermissionWrite, byPrefix["state/dev-1/#"])
	require.Equal(t, model.PermissionWrite, byPrefix["sensor/dev-1/#"])
}

func TestMaterializeDeviceAccountRotates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	svc := NewService(logrus.New())

	username, firstPassword, err := svc.MaterializeDeviceAccount(ctx, st, "dev-1")
	require.NoError(t, err)
	require.Equal(t, model.DeviceUsername("dev-1"), username)

	user, err := st.Mqtt().GetUser(ctx, username)
	require.NoError(t, err)
	require.True(t, crypto.VerifyPassword(firstPassword, user.PasswordHash))

	_, secondPassword, err := svc.MaterializeDeviceAccount(ctx, st, "dev-1")
	require.NoError(t, err)
	require.NotEqual(t, firstPassword, secondPassword)

	user, err = st.Mqtt().GetUser(ctx, username)
	require.NoError(t, err)
	require.False(t, crypto.VerifyPassword(firstPassword, user.PasswordHash))
	require.True(t, crypto.VerifyPassword(secondPassword, user.PasswordHash))
}
