//go:build integration

package store

import (
	"context"
	"fmt"
	"fuzzhub/pkg/database"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRecordCrashPostgres(t *testing.T) {
	ctx := context.Background()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "fuzzhub",
				"POSTGRES_PASSWORD": "fuzzhub",
				"POSTGRES_DB":       "fuzzhub",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, pg)

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)

	db, err := database.Open(fmt.Sprintf("postgres://fuzzhub:fuzzhub@%s:%s/fuzzhub?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	s := NewStore(db)

	crash := &database.Crash{CampaignID: "c1", FuzzerInstanceID: "f1", CrashHash: "h", CrashType: "segmentation_fault"}
	first, created, err := s.RecordCrash(ctx, crash)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.RecordCrash(ctx, crash)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 2, second.Occurrences)
	assert.True(t, second.FirstSeen.Equal(first.FirstSeen))
}
