package pool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/willibrandon/sqlstep/internal/profile"
)

// PostgresSourceTestSuite runs the pgx-backed source against a real server.
type PostgresSourceTestSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	url       string
	manager   *Manager
}

func TestPostgresSourceSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresSourceTestSuite))
}

// postgresReady waits until the server accepts a real query; the ready log
// line appears once before the init scripts restart the server.
func postgresReady() wait.Strategy {
	return wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
		return fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
	}).WithStartupTimeout(90 * time.Second).WithPollInterval(500 * time.Millisecond)
}

func (s *PostgresSourceTestSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: postgresReady(),
	}

	container, err := testcontainers.GenericContainer(s.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	s.Require().NoError(err, "Failed to start PostgreSQL container")
	s.container = container

	host, err := container.Host(s.ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(s.ctx, nat.Port("5432/tcp"))
	s.Require().NoError(err)

	s.url = fmt.Sprintf("jdbc:postgresql://%s:%s/testdb?sslmode=disable", host, port.Port())

	store, err := profile.NewMemoryStore([]profile.ConnectionProfile{
		{
			ID:                "pg",
			Name:              "postgres",
			Driver:            "org.postgresql.Driver",
			URL:               s.url,
			Username:          "test",
			Password:          profile.NewSecret("test"),
			MaxConnections:    2,
			ConnectionTimeout: 2,
			TestOnBorrow:      true,
		},
		{
			ID:                "badpw",
			Name:              "wrong password",
			Driver:            "postgres",
			URL:               s.url,
			Username:          "test",
			Password:          profile.NewSecret("wrong"),
			ConnectionTimeout: 5,
		},
	})
	s.Require().NoError(err)
	s.manager = NewManager(store)
}

func (s *PostgresSourceTestSuite) TearDownSuite() {
	if s.manager != nil {
		s.manager.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *PostgresSourceTestSuite) TestQueryAndUpdateCounts() {
	b, err := s.manager.Acquire(s.ctx, "pg")
	s.Require().NoError(err)
	defer s.manager.Release(b)

	cur, err := b.Execute(s.ctx, "CREATE TABLE IF NOT EXISTS items (id int primary key, name text)")
	s.Require().NoError(err)
	s.Require().Empty(cur.Columns())
	s.Require().NoError(cur.Close())

	cur, err = b.Execute(s.ctx, "INSERT INTO items VALUES (1, 'a'), (2, 'b') ON CONFLICT DO NOTHING")
	s.Require().NoError(err)
	s.Require().NoError(cur.Close())
	s.Equal(int64(2), cur.RowsAffected())

	cur, err = b.Execute(s.ctx, "SELECT id, name FROM items ORDER BY id")
	s.Require().NoError(err)
	cols := cur.Columns()
	s.Require().Len(cols, 2)
	s.Equal("id", cols[0].Name)
	s.Equal("int4", cols[0].DatabaseType)

	var names []any
	for cur.Next() {
		vals, err := cur.Values()
		s.Require().NoError(err)
		names = append(names, vals[1])
	}
	s.Require().NoError(cur.Close())
	s.Equal([]any{"a", "b"}, names)
}

func (s *PostgresSourceTestSuite) TestStatementErrorSurfaces() {
	b, err := s.manager.Acquire(s.ctx, "pg")
	s.Require().NoError(err)
	defer s.manager.Release(b)

	cur, err := b.Execute(s.ctx, "SELECT * FROM no_such_table")
	if err == nil {
		for cur.Next() {
		}
		err = cur.Close()
	}
	s.Require().Error(err)
	s.Contains(err.Error(), "no_such_table")
}

func (s *PostgresSourceTestSuite) TestExhaustion() {
	ctx := s.ctx
	first, err := s.manager.Acquire(ctx, "pg")
	s.Require().NoError(err)
	second, err := s.manager.Acquire(ctx, "pg")
	s.Require().NoError(err)

	_, err = s.manager.Acquire(ctx, "pg")
	s.Require().Error(err)
	s.True(errors.Is(err, ErrPoolExhausted), "got %v", err)

	s.manager.Release(first)
	s.manager.Release(second)
}

func (s *PostgresSourceTestSuite) TestBadCredentialsIsConfigurationError() {
	_, err := s.manager.Acquire(s.ctx, "badpw")
	s.Require().Error(err)
	s.True(errors.Is(err, ErrConfiguration), "got %v", err)
	s.NotContains(err.Error(), "wrong")
}

func (s *PostgresSourceTestSuite) TestInvalidateWhileBorrowed() {
	b, err := s.manager.Acquire(s.ctx, "pg")
	s.Require().NoError(err)

	s.manager.Invalidate("pg")

	cur, err := b.Execute(s.ctx, "SELECT 1")
	s.Require().NoError(err)
	for cur.Next() {
	}
	s.Require().NoError(cur.Close())
	s.manager.Release(b)

	b, err = s.manager.Acquire(s.ctx, "pg")
	s.Require().NoError(err)
	s.manager.Release(b)
}

func (s *PostgresSourceTestSuite) TestProbe() {
	s.Require().NoError(TestConnection(s.ctx, "postgres", s.url, "test", "test"))
	s.Require().Error(TestConnection(s.ctx, "postgres", s.url, "test", "wrong"))
}
