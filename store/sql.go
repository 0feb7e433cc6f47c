package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/swarmflow/internal/database"
	"github.com/BaSui01/swarmflow/types"
)

// TaskSnapshot is a row of task_snapshots.
type TaskSnapshot struct {
	ID            string `gorm:"primaryKey;size:64"`
	ChainID       string `gorm:"size:64;index"`
	Status        string `gorm:"size:32;index"`
	RetryCount    int
	FailureReason string `gorm:"size:64"`
	Payload       string
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

// TableName implements gorm's tabler.
func (TaskSnapshot) TableName() string { return "task_snapshots" }

// ChainSnapshot is a row of chain_snapshots.
type ChainSnapshot struct {
	ID            string `gorm:"primaryKey;size:64"`
	Name          string `gorm:"size:255"`
	Status        string `gorm:"size:32"`
	Remaps        int
	FailureReason string `gorm:"size:64"`
	Payload       string
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

// TableName implements gorm's tabler.
func (ChainSnapshot) TableName() string { return "chain_snapshots" }

// QueryRecorder receives query timings.
type QueryRecorder interface {
	RecordDBQuery(database, operation string, duration time.Duration)
}

// SQL stores snapshots in the tables created by internal/migration.
type SQL struct {
	pool     *database.PoolManager
	recorder QueryRecorder
	logger   *zap.Logger
}

// NewSQL wraps an open pool. The schema must already be migrated.
func NewSQL(pool *database.PoolManager, logger *zap.Logger) *SQL {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQL{pool: pool, logger: logger.With(zap.String("component", "sql_store"))}
}

// SetQueryRecorder reports query durations to r.
func (s *SQL) SetQueryRecorder(r QueryRecorder) { s.recorder = r }

func (s *SQL) observe(op string, start time.Time) {
	if s.recorder != nil {
		s.recorder.RecordDBQuery(s.pool.DB().Dialector.Name(), op, time.Since(start))
	}
}

func (s *SQL) SaveTask(ctx context.Context, task *types.Task) error {
	defer s.observe("save_task", time.Now())
	row, err := taskRow(task)
	if err != nil {
		return err
	}
	return s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return upsert(tx, &row)
	})
}

func (s *SQL) LoadTask(ctx context.Context, id string) (*types.Task, error) {
	defer s.observe("load_task", time.Now())
	var row TaskSnapshot
	err := s.pool.DB().WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sql store: load task: %w", err)
	}
	return decodeTask(row.Payload)
}

func (s *SQL) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	defer s.observe("list_tasks", time.Now())
	q := s.pool.DB().WithContext(ctx).Model(&TaskSnapshot{})
	if filter.ChainID != "" {
		q = q.Where("chain_id = ?", filter.ChainID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	var rows []TaskSnapshot
	if err := q.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sql store: list tasks: %w", err)
	}
	out := make([]*types.Task, 0, len(rows))
	for _, row := range rows {
		t, err := decodeTask(row.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// SaveChain writes the chain row and its task rows in one transaction.
func (s *SQL) SaveChain(ctx context.Context, chain *types.TaskChain) error {
	defer s.observe("save_chain", time.Now())
	payload, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("sql store: encode chain: %w", err)
	}
	row := ChainSnapshot{
		ID:            chain.ID,
		Name:          chain.Name,
		Status:        string(chain.Status),
		Remaps:        chain.RemappingCount,
		FailureReason: string(chain.FailureReason),
		Payload:       string(payload),
		CreatedAt:     chain.CreatedAt,
		UpdatedAt:     chain.UpdatedAt,
	}
	tasks := make([]TaskSnapshot, 0, len(chain.Tasks))
	for _, t := range chain.Tasks {
		tr, err := taskRow(t)
		if err != nil {
			return err
		}
		tasks = append(tasks, tr)
	}

	return s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		if err := upsert(tx, &row); err != nil {
			return err
		}
		for i := range tasks {
			if err := upsert(tx, &tasks[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQL) LoadChain(ctx context.Context, id string) (*types.TaskChain, error) {
	defer s.observe("load_chain", time.Now())
	var row ChainSnapshot
	err := s.pool.DB().WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("chain", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sql store: load chain: %w", err)
	}
	return decodeChain(row.Payload)
}

func (s *SQL) ListChains(ctx context.Context) ([]*types.TaskChain, error) {
	defer s.observe("list_chains", time.Now())
	var rows []ChainSnapshot
	if err := s.pool.DB().WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sql store: list chains: %w", err)
	}
	out := make([]*types.TaskChain, 0, len(rows))
	for _, row := range rows {
		c, err := decodeChain(row.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *SQL) Close() error {
	return s.pool.Close()
}

func upsert(tx *gorm.DB, row any) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func taskRow(task *types.Task) (TaskSnapshot, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return TaskSnapshot{}, fmt.Errorf("sql store: encode task: %w", err)
	}
	return TaskSnapshot{
		ID:            task.ID,
		ChainID:       task.ChainID,
		Status:        string(task.Status),
		RetryCount:    task.RetryCount,
		FailureReason: string(task.FailureReason),
		Payload:       string(payload),
		CreatedAt:     task.CreatedAt,
		UpdatedAt:     task.UpdatedAt,
	}, nil
}

func decodeTask(payload string) (*types.Task, error) {
	var t types.Task
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, fmt.Errorf("sql store: decode task: %w", err)
	}
	return &t, nil
}

func decodeChain(payload string) (*types.TaskChain, error) {
	var c types.TaskChain
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("sql store: decode chain: %w", err)
	}
	return &c, nil
}
