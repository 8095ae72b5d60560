package completion

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is a queued completion request consumed by the worker. The stream
// record it produces stays queryable after the job row reaches a terminal
// status.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID uint64 `gorm:"index:idx_job_user,priority:1;index:uniq_job_idempo,unique,priority:1;not null"`
	ChatID string `gorm:"size:36;index;not null"`

	Content         string  `gorm:"type:text;not null"`
	Model           string  `gorm:"size:64"`
	ParentMessageID *string `gorm:"size:36"`
	BranchID        *string `gorm:"size:26"`
	WebSearch       bool    `gorm:"not null;default:false"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultMessageID *string `gorm:"size:36"`
	StreamID        *string `gorm:"size:26"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "completion_jobs" }

type JobRepo struct {
	db *gorm.DB
}

func NewJobRepo(db *gorm.DB) *JobRepo {
	return &JobRepo{db: db}
}

func (r *JobRepo) Create(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *JobRepo) GetByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobRepo) MarkRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *JobRepo) MarkSucceeded(ctx context.Context, id, messageID, streamID string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": messageID,
			"stream_id":         streamID,
			"error":             nil,
		}).Error
}

func (r *JobRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

func (r *JobRepo) GetByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var j Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&j).Error
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateOrGetExisting tries to create a job; on an idempotency-key conflict
// it returns the existing job and created=false.
func (r *JobRepo) CreateOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *JobRepo) DeleteByChat(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&Job{}).Error
}
