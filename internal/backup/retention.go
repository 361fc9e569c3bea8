package backup

import (
	"context"
	"fmt"
	"time"

	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

// RetentionPolicy limits how many backups a family keeps. Zero disables a limit.
type RetentionPolicy struct {
	MaxCount   int `json:"max_count" yaml:"max_count" mapstructure:"max_count"`
	MaxAgeDays int `json:"max_age_days" yaml:"max_age_days" mapstructure:"max_age_days"`
}

// Validate validates the retention policy
func (p RetentionPolicy) Validate() error {
	var errs apperrors.ValidationErrors
	if p.MaxCount < 0 {
		errs.Add("max_count", "must not be negative", p.MaxCount)
	}
	if p.MaxAgeDays < 0 {
		errs.Add("max_age_days", "must not be negative", p.MaxAgeDays)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// RetentionResult represents the result of applying a retention policy
type RetentionResult struct {
	FamilyID       string        `json:"family_id"`
	Processed      int           `json:"processed"`
	DeletedIDs     []string      `json:"deleted_ids"`
	Kept           int           `json:"kept"`
	Errors         []string      `json:"errors,omitempty"`
	DryRun         bool          `json:"dry_run"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// RetentionCandidates returns the backups a policy would delete. backups must be newest first.
// The newest backup is never a candidate.
func RetentionCandidates(backups []*model.Backup, policy RetentionPolicy, now time.Time) []*model.Backup {
	var candidates []*model.Backup
	cutoff := now.Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour).UnixMilli()

	for i, b := range backups {
		if i == 0 {
			continue
		}
		overCount := policy.MaxCount > 0 && i >= policy.MaxCount
		tooOld := policy.MaxAgeDays > 0 && b.CreatedAt < cutoff
		if overCount || tooOld {
			candidates = append(candidates, b)
		}
	}
	return candidates
}

// EnforceRetention deletes the backups of a family that fall outside policy
func (s *Store) EnforceRetention(ctx context.Context, familyID string, policy RetentionPolicy, dryRun bool) (*RetentionResult, error) {
	if err := policy.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid retention policy", err)
	}

	start := s.clock.Now()

	s.locks.Lock(familyID)
	defer s.locks.Unlock(familyID)

	backups, err := s.List(ctx, familyID)
	if err != nil {
		return nil, err
	}

	candidates := RetentionCandidates(backups, policy, start)
	result := &RetentionResult{
		FamilyID:  familyID,
		Processed: len(backups),
		DryRun:    dryRun,
	}

	for _, b := range candidates {
		if dryRun {
			result.DeletedIDs = append(result.DeletedIDs, b.ID)
			continue
		}
		if err := s.deleteLocked(ctx, b); err != nil {
			msg := fmt.Sprintf("failed to delete backup %s: %v", b.ID, err)
			result.Errors = append(result.Errors, msg)
			s.logger.Error(msg)
			continue
		}
		result.DeletedIDs = append(result.DeletedIDs, b.ID)
		s.logger.WithFields(map[string]interface{}{
			"family_id":  familyID,
			"backup_id":  b.ID,
			"created_at": b.CreatedTime().Format(time.RFC3339),
		}).Info("Deleted backup by retention policy")
	}

	result.Kept = result.Processed - len(result.DeletedIDs)
	result.ProcessingTime = s.clock.Now().Sub(start)
	return result, nil
}
