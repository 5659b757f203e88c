package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"release-coordinator/internal/health"
)

// PostgresRegistry persists records in two append-only tables ordered by
// a sequence column. Finalization is the single permitted update and
// only applies while the record is still in progress.
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// EnsureSchema creates the registry tables if they do not exist.
func (r *PostgresRegistry) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS deployment_records (
			seq BIGSERIAL PRIMARY KEY,
			deployment_id TEXT UNIQUE NOT NULL,
			project_path TEXT NOT NULL,
			environment TEXT NOT NULL,
			release_name TEXT NOT NULL DEFAULT '',
			services JSONB NOT NULL,
			status TEXT NOT NULL,
			health JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finalized_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployment_records_scope
			ON deployment_records (project_path, environment, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS rollback_records (
			seq BIGSERIAL PRIMARY KEY,
			rollback_id TEXT UNIQUE NOT NULL,
			source_deployment_id TEXT NOT NULL DEFAULT '',
			target_deployment_id TEXT NOT NULL,
			project_path TEXT NOT NULL,
			environment TEXT NOT NULL,
			reason TEXT NOT NULL,
			data_preserved BOOLEAN NOT NULL,
			warnings JSONB,
			success BOOLEAN NOT NULL,
			diagnostics JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rollback_records_scope
			ON rollback_records (project_path, environment, seq DESC)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure registry schema: %w", err)
		}
	}

	return nil
}

func (r *PostgresRegistry) CreateDeployment(ctx context.Context, rec *DeploymentRecord) error {
	services, err := json.Marshal(rec.Services)
	if err != nil {
		return fmt.Errorf("failed to marshal services: %w", err)
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Status == "" {
		rec.Status = StatusInProgress
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO deployment_records
		(deployment_id, project_path, environment, release_name, services, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.DeploymentID, rec.ProjectPath, rec.Environment, rec.ReleaseName, services, rec.Status, rec.Timestamp)

	if err != nil {
		return fmt.Errorf("failed to create deployment record: %w", err)
	}

	return nil
}

func (r *PostgresRegistry) FinalizeDeployment(ctx context.Context, deploymentID string, status DeploymentStatus, summary health.Summary) error {
	healthJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal health summary: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE deployment_records
		SET status = $2, health = $3, finalized_at = NOW()
		WHERE deployment_id = $1 AND finalized_at IS NULL
	`, deploymentID, status, healthJSON)

	if err != nil {
		return fmt.Errorf("failed to finalize deployment record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either unknown or already finalized; tell them apart.
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM deployment_records WHERE deployment_id = $1)`,
			deploymentID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyFinalized
	}

	return nil
}

func (r *PostgresRegistry) GetDeployment(ctx context.Context, deploymentID string) (*DeploymentRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT deployment_id, project_path, environment, release_name, services, status, health, created_at, finalized_at
		FROM deployment_records
		WHERE deployment_id = $1
	`, deploymentID)

	return scanDeployment(row)
}

func (r *PostgresRegistry) LatestSuccessfulDeployment(ctx context.Context, projectPath, environment, excludeID string) (*DeploymentRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT deployment_id, project_path, environment, release_name, services, status, health, created_at, finalized_at
		FROM deployment_records
		WHERE project_path = $1 AND environment = $2 AND status = $3 AND deployment_id != $4
		ORDER BY seq DESC
		LIMIT 1
	`, projectPath, environment, StatusSuccess, excludeID)

	return scanDeployment(row)
}

func (r *PostgresRegistry) ListDeployments(ctx context.Context, projectPath, environment string, limit int) ([]*DeploymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT deployment_id, project_path, environment, release_name, services, status, health, created_at, finalized_at
		FROM deployment_records
		WHERE project_path = $1 AND environment = $2
		ORDER BY seq DESC
		LIMIT $3
	`, projectPath, environment, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*DeploymentRecord
	for rows.Next() {
		rec, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *PostgresRegistry) AppendRollback(ctx context.Context, rec *RollbackRecord) error {
	warnings, err := json.Marshal(rec.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}
	diagnostics, err := json.Marshal(rec.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rollback_records
		(rollback_id, source_deployment_id, target_deployment_id, project_path, environment,
		 reason, data_preserved, warnings, success, diagnostics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.RollbackID, rec.SourceDeploymentID, rec.TargetDeploymentID, rec.ProjectPath, rec.Environment,
		rec.Reason, rec.DataPreserved, warnings, rec.Success, diagnostics, rec.Timestamp)

	if err != nil {
		return fmt.Errorf("failed to append rollback record: %w", err)
	}

	return nil
}

func (r *PostgresRegistry) GetRollback(ctx context.Context, rollbackID string) (*RollbackRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT rollback_id, source_deployment_id, target_deployment_id, project_path, environment,
		       reason, data_preserved, warnings, success, diagnostics, created_at
		FROM rollback_records
		WHERE rollback_id = $1
	`, rollbackID)

	return scanRollback(row)
}

func (r *PostgresRegistry) LatestRollback(ctx context.Context, projectPath, environment string) (*RollbackRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT rollback_id, source_deployment_id, target_deployment_id, project_path, environment,
		       reason, data_preserved, warnings, success, diagnostics, created_at
		FROM rollback_records
		WHERE project_path = $1 AND environment = $2
		ORDER BY seq DESC
		LIMIT 1
	`, projectPath, environment)

	return scanRollback(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(row rowScanner) (*DeploymentRecord, error) {
	var rec DeploymentRecord
	var services []byte
	var healthJSON sql.NullString
	var finalizedAt sql.NullTime

	err := row.Scan(&rec.DeploymentID, &rec.ProjectPath, &rec.Environment, &rec.ReleaseName,
		&services, &rec.Status, &healthJSON, &rec.Timestamp, &finalizedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(services, &rec.Services); err != nil {
		return nil, fmt.Errorf("failed to unmarshal services: %w", err)
	}
	if healthJSON.Valid {
		if err := json.Unmarshal([]byte(healthJSON.String), &rec.Health); err != nil {
			return nil, fmt.Errorf("failed to unmarshal health summary: %w", err)
		}
	}
	if finalizedAt.Valid {
		rec.FinalizedAt = &finalizedAt.Time
	}

	return &rec, nil
}

func scanRollback(row rowScanner) (*RollbackRecord, error) {
	var rec RollbackRecord
	var warnings, diagnostics []byte

	err := row.Scan(&rec.RollbackID, &rec.SourceDeploymentID, &rec.TargetDeploymentID,
		&rec.ProjectPath, &rec.Environment, &rec.Reason, &rec.DataPreserved,
		&warnings, &rec.Success, &diagnostics, &rec.Timestamp)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &rec.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}
	if len(diagnostics) > 0 {
		if err := json.Unmarshal(diagnostics, &rec.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
		}
	}

	return &rec, nil
}
