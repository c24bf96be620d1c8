package database

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS users")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Wrap(db).InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaCoversAuditTables(t *testing.T) {
	for _, table := range []string{"security_events", "rate_limit_events", "abuse_reports", "moderation_queue", "ip_reputation"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	assert.NoError(t, Wrap(db).Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
