package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natserract/d365/pkg/dynamics"
	"github.com/natserract/d365/pkg/snapshot/postgres"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const defaultWorkers = 10

var ErrMissingKey = errors.New("entity has no key")

// EntityLister is the part of the Dynamics client the exporter needs.
type EntityLister interface {
	List(ctx context.Context, resource string, query dynamics.Query, opts ...dynamics.CallOption) ([]json.RawMessage, error)
}

// EntityStore persists entity snapshots and run bookkeeping.
type EntityStore interface {
	CreateRun(ctx context.Context, runID uuid.UUID, resource string, totalItems int) error
	SaveEntity(ctx context.Context, runID uuid.UUID, resource, entityID string, document json.RawMessage) error
	CompleteRun(ctx context.Context, runID uuid.UUID, status string, succeeded, failed int, duration time.Duration) error
	CountEntities(ctx context.Context, resource string) (int, error)
}

var _ EntityStore = (*postgres.DB)(nil)

// ExportMetrics tracks the outcome of one export
type ExportMetrics struct {
	RunID     uuid.UUID
	Resource  string
	Succeeded int
	Failed    int
	Skipped   int
	// Stored is the number of snapshots held for the resource after the
	// run, including entities saved by earlier runs.
	Stored int
	mu     sync.Mutex
}

// AddSuccess increments the succeeded count
func (m *ExportMetrics) AddSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Succeeded++
}

// AddFailure increments the failed count
func (m *ExportMetrics) AddFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed++
}

// AddSkipped increments the skipped count
func (m *ExportMetrics) AddSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Skipped++
}

// Total returns the number of entities seen
func (m *ExportMetrics) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Succeeded + m.Failed + m.Skipped
}

// ExportOptions selects what to export.
type ExportOptions struct {
	Resource string
	// KeyField names the primary key attribute, e.g. accountid.
	KeyField string
	Query    dynamics.Query
	Workers  int
}

// ExportService copies entity sets from Dynamics into the snapshot store
type ExportService struct {
	client EntityLister
	store  EntityStore
	logger *zap.Logger
}

// NewExportService creates a new export service
func NewExportService(client EntityLister, store EntityStore, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		client: client,
		store:  store,
		logger: logger,
	}
}

// Export lists the entity set and saves every entity. Individual save
// failures are counted, not returned; listing and run bookkeeping failures
// abort the export.
func (s *ExportService) Export(ctx context.Context, opts ExportOptions) (*ExportMetrics, error) {
	if opts.Resource == "" {
		return nil, dynamics.ErrMissingResource
	}
	if opts.KeyField == "" {
		return nil, fmt.Errorf("key field is required for %s", opts.Resource)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	startTime := time.Now()
	metrics := &ExportMetrics{RunID: uuid.New(), Resource: opts.Resource}

	s.logger.Info("Starting export",
		zap.String("run_id", metrics.RunID.String()),
		zap.String("resource", opts.Resource))

	entities, err := s.client.List(ctx, opts.Resource, opts.Query)
	if err != nil {
		return metrics, fmt.Errorf("failed to list %s: %w", opts.Resource, err)
	}

	if err := s.store.CreateRun(ctx, metrics.RunID, opts.Resource, len(entities)); err != nil {
		return metrics, err
	}

	p := pool.New().WithMaxGoroutines(workers).WithContext(ctx)
	for _, entity := range entities {
		entity := entity
		p.Go(func(ctx context.Context) error {
			id, err := entityKey(entity, opts.KeyField)
			if err != nil {
				metrics.AddSkipped()
				s.logger.Warn("Skipping entity without key",
					zap.String("resource", opts.Resource),
					zap.String("key_field", opts.KeyField))
				return nil
			}

			if err := s.store.SaveEntity(ctx, metrics.RunID, opts.Resource, id, entity); err != nil {
				metrics.AddFailure()
				s.logger.Error("Failed to save entity",
					zap.String("resource", opts.Resource),
					zap.String("entity_id", id),
					zap.Error(err))
				return nil
			}
			metrics.AddSuccess()
			return nil
		})
	}
	_ = p.Wait()

	status := "completed"
	if metrics.Failed > 0 {
		status = "completed_with_errors"
	}
	duration := time.Since(startTime)
	if err := s.store.CompleteRun(ctx, metrics.RunID, status, metrics.Succeeded, metrics.Failed, duration); err != nil {
		s.logger.Warn("Failed to complete export run",
			zap.String("run_id", metrics.RunID.String()),
			zap.Error(err))
	}

	if stored, err := s.store.CountEntities(ctx, opts.Resource); err != nil {
		s.logger.Warn("Failed to count stored entities",
			zap.String("resource", opts.Resource),
			zap.Error(err))
	} else {
		metrics.Stored = stored
	}

	s.logger.Info("Completed export",
		zap.String("run_id", metrics.RunID.String()),
		zap.String("resource", opts.Resource),
		zap.Duration("duration", duration),
		zap.Int("succeeded", metrics.Succeeded),
		zap.Int("failed", metrics.Failed),
		zap.Int("skipped", metrics.Skipped),
		zap.Int("stored", metrics.Stored))

	return metrics, nil
}

// entityKey reads the string value of keyField from a JSON object.
func entityKey(entity json.RawMessage, keyField string) (string, error) {
	var fields map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(entity))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return "", fmt.Errorf("entity is not an object: %w", err)
	}
	v, ok := fields[keyField]
	if !ok || v == nil {
		return "", ErrMissingKey
	}
	id := fmt.Sprint(v)
	if id == "" {
		return "", ErrMissingKey
	}
	return id, nil
}
