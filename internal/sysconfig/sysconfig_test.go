package sysconfig

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinblend/mixcore/internal/mixerr"
)

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), EnvProduction, nil), mock
}

func entryRows(value string, env Environment, readOnly, critical bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"key", "environment", "value", "value_type", "category", "description",
		"read_only", "critical", "requires_restart", "version", "created_at", "updated_at",
	}).AddRow("BTC_CONFIRMATIONS_REQUIRED", env, value, "NUMBER", "NETWORK", "",
		readOnly, critical, false, 1, time.Now(), time.Now())
}

func TestGetResolvesEnvironmentWithFallback(t *testing.T) {
	svc, mock := newService(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT(.|\n)+FROM system_config(.|\n)+environment IN`).
		WithArgs("BTC_CONFIRMATIONS_REQUIRED", EnvProduction).
		WillReturnRows(entryRows("3", EnvAll, false, true))

	e, err := svc.Get(ctx, "BTC_CONFIRMATIONS_REQUIRED")
	require.NoError(t, err)
	assert.Equal(t, "3", e.Value)
	assert.Equal(t, EnvAll, e.Environment)

	assert.Equal(t, 3, svcGetIntHelper(svc, ctx, mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func svcGetIntHelper(svc *Service, ctx context.Context, mock sqlmock.Sqlmock) int {
	mock.ExpectQuery(`SELECT(.|\n)+FROM system_config`).
		WillReturnRows(entryRows("3", EnvAll, false, true))
	return svc.GetInt(ctx, "BTC_CONFIRMATIONS_REQUIRED", 0)
}

func TestSetRejectsReadOnlyKey(t *testing.T) {
	svc, mock := newService(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT(.|\n)+FROM system_config`).
		WillReturnRows(entryRows("3", EnvAll, true, false))

	err := svc.Set(ctx, Entry{
		Key:       "BTC_CONFIRMATIONS_REQUIRED",
		Value:     "6",
		ValueType: TypeNumber,
	})
	assert.True(t, mixerr.IsValidation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRejectsCriticalKey(t *testing.T) {
	svc, mock := newService(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT critical FROM system_config`).
		WillReturnRows(sqlmock.NewRows([]string{"critical"}).AddRow(true))

	err := svc.Delete(ctx, "BTC_CONFIRMATIONS_REQUIRED", EnvAll)
	assert.True(t, mixerr.IsValidation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetValidatesValueType(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	err := svc.Set(ctx, Entry{Key: "K", Value: "not-a-number", ValueType: TypeNumber})
	assert.True(t, mixerr.IsValidation(err))

	err = svc.Set(ctx, Entry{Key: "K", Value: "maybe", ValueType: TypeBoolean})
	assert.True(t, mixerr.IsValidation(err))

	err = svc.Set(ctx, Entry{Key: "K", Value: "{broken", ValueType: TypeJSON})
	assert.True(t, mixerr.IsValidation(err))
}
