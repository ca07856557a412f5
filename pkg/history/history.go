// Package history persists run, job instance and step conclusions along
// with each instance's masked log.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrRunNotFound = errors.New("history: run not found")

type Run struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"type:varchar(64);uniqueIndex;not null"`
	Workflow   string `gorm:"index"`
	Path       string
	Event      string
	Ref        string
	SHA        string
	Result     string `gorm:"index"`
	StartedAt  time.Time
	FinishedAt time.Time
	Instances  []Instance `gorm:"foreignKey:RunID;references:RunID"`
}

type Instance struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"type:varchar(64);not null;uniqueIndex:idx_run_instance"`
	InstanceID string `gorm:"type:varchar(255);not null;uniqueIndex:idx_run_instance"`
	Job        string
	Name       string
	Result     string
	Error      string
	Log        string `gorm:"type:text"`
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      []Step `gorm:"foreignKey:InstanceRef"`
}

type Step struct {
	ID          uint `gorm:"primaryKey"`
	InstanceRef uint `gorm:"index;not null"`
	Position    int
	StepID      string
	Name        string
	Outcome     string
	Conclusion  string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

type Store struct {
	db *gorm.DB
}

// Open opens or creates the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Run{}, &Instance{}, &Step{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) StartRun(ctx context.Context, r *Run) error {
	return s.db.WithContext(ctx).Omit("Instances").Create(r).Error
}

func (s *Store) FinishRun(ctx context.Context, runID, result string, finished time.Time) error {
	res := s.db.WithContext(ctx).Model(&Run{}).Where("run_id = ?", runID).
		Updates(map[string]any{"result": result, "finished_at": finished})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// SaveInstance inserts or replaces an instance and its steps.
func (s *Store) SaveInstance(ctx context.Context, in *Instance) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Instance
		err := tx.Where("run_id = ? AND instance_id = ?", in.RunID, in.InstanceID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(in).Error
		case err != nil:
			return err
		}

		if err := tx.Where("instance_ref = ?", existing.ID).Delete(&Step{}).Error; err != nil {
			return err
		}
		in.ID = existing.ID
		for i := range in.Steps {
			in.Steps[i].ID = 0
			in.Steps[i].InstanceRef = existing.ID
		}
		if err := tx.Omit("Steps").Save(in).Error; err != nil {
			return err
		}
		if len(in.Steps) == 0 {
			return nil
		}
		return tx.Create(&in.Steps).Error
	})
}

// Runs returns the most recent runs first, without instances.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	q := s.db.WithContext(ctx).Order("started_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// Run loads a run with its instances and their steps in order.
func (s *Store) Run(ctx context.Context, runID string) (*Run, error) {
	var r Run
	err := s.db.WithContext(ctx).
		Preload("Instances", func(db *gorm.DB) *gorm.DB { return db.Order("started_at, id") }).
		Preload("Instances.Steps", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("run_id = ?", runID).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Prune deletes runs started before the cutoff and returns how many.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Run{}).Where("started_at < ?", before).Pluck("run_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		instances := tx.Model(&Instance{}).Select("id").Where("run_id IN ?", ids)
		if err := tx.Where("instance_ref IN (?)", instances).Delete(&Step{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id IN ?", ids).Delete(&Instance{}).Error; err != nil {
			return err
		}
		res := tx.Where("run_id IN ?", ids).Delete(&Run{})
		removed = res.RowsAffected
		return res.Error
	})
	return removed, err
}

func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
