package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/computer-use-api/internal/observability"
	"github.com/upb/computer-use-api/models"
	"github.com/upb/computer-use-api/repositories"
	"github.com/upb/computer-use-api/repositories/memory"
	"github.com/upb/computer-use-api/services"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// MockAuditRepository is a mock implementation of AuditRepository
type MockAuditRepository struct {
	mock.Mock
	mu           sync.Mutex
	insertedLogs []*models.AuditLog
}

func (m *MockAuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	args := m.Called(ctx, log)
	m.insertedLogs = append(m.insertedLogs, log)
	return args.Error(0)
}

func (m *MockAuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditLog, error) {
	args := m.Called(ctx, id)
	if log := args.Get(0); log != nil {
		return log.(*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) ListRecent(ctx context.Context, limit, offset int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, limit, offset)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.AuditLog, error) {
	args := m.Called(ctx, sessionID)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, userID, limit, offset)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) ListByDateRange(ctx context.Context, start, end time.Time, limit, offset int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, start, end, limit, offset)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) ListByAction(ctx context.Context, action models.AuditAction, limit, offset int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, action, limit, offset)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

var _ repositories.AuditRepository = (*MockAuditRepository)(nil)

// blockingRepo holds every insert until release is closed
type blockingRepo struct {
	*memory.AuditRepository
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRepo) Insert(ctx context.Context, log *models.AuditLog) error {
	b.entered <- struct{}{}
	<-b.release
	return b.AuditRepository.Insert(ctx, log)
}

func testConfig() Config {
	return Config{Enabled: true, BufferSize: 100, WorkerCount: 4, InsertTimeout: time.Second}
}

func TestAuditService_StartStop(t *testing.T) {
	service := NewAuditService(memory.NewAuditRepository(), zap.NewNop(), nil, testConfig())

	assert.ErrorIs(t, service.Stop(time.Second), ErrAuditNotStarted)

	require.NoError(t, service.Start())
	assert.Error(t, service.Start())
	assert.True(t, service.GetStats().Started)

	require.NoError(t, service.Stop(time.Second))
	require.NoError(t, service.Stop(time.Second))
	assert.False(t, service.GetStats().Started)
}

func TestAuditService_RecordRequiresStart(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	service := NewAuditService(memory.NewAuditRepository(), zap.New(core), nil, testConfig())

	err := service.Record(models.NewAuditLog(models.AuditActionLogin, "login"))
	assert.ErrorIs(t, err, ErrAuditNotStarted)
	assert.Equal(t, 1, logs.FilterMessage("dropping audit event").Len())

	require.NoError(t, service.Start())
	require.NoError(t, service.Stop(time.Second))

	err = service.Record(models.NewAuditLog(models.AuditActionLogin, "login"))
	assert.ErrorIs(t, err, ErrAuditNotStarted)
}

func TestAuditService_Disabled(t *testing.T) {
	repo := memory.NewAuditRepository()
	cfg := testConfig()
	cfg.Enabled = false
	service := NewAuditService(repo, zap.NewNop(), nil, cfg)

	require.NoError(t, service.Record(models.NewAuditLog(models.AuditActionLogin, "login")))

	require.NoError(t, service.Start())
	require.NoError(t, service.Record(models.NewAuditLog(models.AuditActionLogin, "login")))
	require.NoError(t, service.Stop(time.Second))

	logs, err := repo.ListRecent(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestAuditService_SessionEntriesKeepWriteOrder(t *testing.T) {
	repo := memory.NewAuditRepository()
	cfg := testConfig()
	cfg.BufferSize = 4000
	service := NewAuditService(repo, zap.NewNop(), nil, cfg)
	require.NoError(t, service.Start())

	sessions := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	const perSession = 30

	var wg sync.WaitGroup
	for _, sessionID := range sessions {
		wg.Add(1)
		go func(sessionID uuid.UUID) {
			defer wg.Done()
			for i := 0; i < perSession; i++ {
				entry := models.NewAuditLog(models.AuditActionComputerUseSession, fmt.Sprintf("step %d", i))
				entry.Timestamp = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
				entry.WithSession(sessionID)
				assert.NoError(t, service.Record(entry))
			}
		}(sessionID)
	}
	wg.Wait()
	require.NoError(t, service.Stop(5*time.Second))

	for _, sessionID := range sessions {
		logs, err := service.ListBySession(context.Background(), sessionID)
		require.NoError(t, err)
		require.Len(t, logs, perSession)
		for i, log := range logs {
			assert.Equal(t, fmt.Sprintf("step %d", i), log.Details)
		}
	}
}

func TestAuditService_BufferFull(t *testing.T) {
	repo := &blockingRepo{
		AuditRepository: memory.NewAuditRepository(),
		entered:         make(chan struct{}, 10),
		release:         make(chan struct{}),
	}
	metrics := observability.NewMetrics()
	service := NewAuditService(repo, zap.NewNop(), metrics, Config{Enabled: true, BufferSize: 1, WorkerCount: 1, InsertTimeout: time.Second})
	require.NoError(t, service.Start())

	sessionID := uuid.New()
	newEntry := func() *models.AuditLog {
		return models.NewAuditLog(models.AuditActionComputerUseSession, "x").WithSession(sessionID)
	}

	require.NoError(t, service.Record(newEntry()))
	<-repo.entered

	require.NoError(t, service.Record(newEntry()))
	assert.ErrorIs(t, service.Record(newEntry()), ErrAuditBufferFull)

	close(repo.release)
	require.NoError(t, service.Stop(time.Second))

	logs, err := repo.ListBySession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	expected := `
# HELP audit_write_failures_total Audit entries that could not be persisted
# TYPE audit_write_failures_total counter
audit_write_failures_total{reason="buffer_full"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "audit_write_failures_total"))
}

func TestAuditService_InsertFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	repo := new(MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	service := NewAuditService(repo, zap.New(core), nil, testConfig())
	require.NoError(t, service.Start())

	require.NoError(t, service.Record(models.NewAuditLog(models.AuditActionLogin, "login").WithUser("u1")))
	require.NoError(t, service.Stop(time.Second))

	failures := logs.FilterMessage("failed to process audit event")
	require.Equal(t, 1, failures.Len())
	assert.Contains(t, failures.All()[0].ContextMap()["error"], "disk full")
	repo.AssertNumberOfCalls(t, "Insert", 1)
}

func TestAuditService_Queries(t *testing.T) {
	ctx := context.Background()

	t.Run("list recent clamps limit", func(t *testing.T) {
		repo := new(MockAuditRepository)
		repo.On("ListRecent", ctx, defaultListLimit, 0).Return([]*models.AuditLog{}, nil)
		repo.On("ListRecent", ctx, maxListLimit, 0).Return([]*models.AuditLog{}, nil)
		service := NewAuditService(repo, zap.NewNop(), nil, testConfig())

		_, err := service.ListRecent(ctx, 0)
		require.NoError(t, err)
		_, err = service.ListRecent(ctx, 50000)
		require.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("storage failure", func(t *testing.T) {
		repo := new(MockAuditRepository)
		repo.On("ListRecent", ctx, 10, 0).Return(nil, errors.New("connection reset"))
		service := NewAuditService(repo, zap.NewNop(), nil, testConfig())

		_, err := service.ListRecent(ctx, 10)
		assert.True(t, services.IsInternalError(err))
		assert.Equal(t, "storage", services.GetErrorDetails(err)["kind"])
	})

	t.Run("date range must be ordered", func(t *testing.T) {
		service := NewAuditService(new(MockAuditRepository), zap.NewNop(), nil, testConfig())
		now := time.Now()
		_, err := service.ListByDateRange(ctx, now, now.Add(-time.Hour), 10)
		assert.True(t, errors.Is(err, services.ErrInvalidTimeRange))
	})

	t.Run("user listing requires identity", func(t *testing.T) {
		service := NewAuditService(new(MockAuditRepository), zap.NewNop(), nil, testConfig())
		_, err := service.ListByUser(ctx, "", 10, 0)
		assert.True(t, services.IsUnauthorizedError(err))

		_, err = service.ListByUser(ctx, "u1", 10, -1)
		assert.True(t, services.IsValidationError(err))
	})
}

func TestAuditService_ConvenienceEntries(t *testing.T) {
	repo := memory.NewAuditRepository()
	service := NewAuditService(repo, zap.NewNop(), nil, testConfig())
	require.NoError(t, service.Start())

	session := models.NewSession("u1", strings.Repeat("a", 150))
	require.NoError(t, service.LogSessionCompleted(session, "req-1"))
	require.NoError(t, service.LogSessionFailed("u1", &session.ID, "executor timeout", "req-1"))
	require.NoError(t, service.LogRateLimited("u1", 101, 100, "req-2"))
	require.NoError(t, service.LogLogin("u1", "a@b.co", true, "req-3"))
	require.NoError(t, service.Stop(time.Second))

	trail, err := repo.ListBySession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)

	assert.Equal(t, "Created session with instructions: "+strings.Repeat("a", 100)+"...", trail[0].Details)
	assert.True(t, trail[0].Success)
	assert.Equal(t, "req-1", trail[0].RequestID)

	assert.Equal(t, "Session failed: executor timeout", trail[1].Details)
	assert.False(t, trail[1].Success)
	require.NotNil(t, trail[1].ErrorMessage)
	assert.Equal(t, "executor timeout", *trail[1].ErrorMessage)

	limited, err := repo.ListByAction(context.Background(), models.AuditActionRateLimited, 10, 0)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.False(t, limited[0].Success)
	assert.Equal(t, "u1", *limited[0].UserID)

	logins, err := repo.ListByAction(context.Background(), models.AuditActionLogin, 10, 0)
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.Equal(t, "User a@b.co logged in", logins[0].Details)
}
