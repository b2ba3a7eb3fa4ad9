package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shipmate-io/shipmate/internal/models"
)

// getTestDSN returns the database DSN for testing.
// Set TEST_DATABASE_URL environment variable to run these tests.
func getTestDSN() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// setupTestDB creates a test database connection and applies the schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := getTestDSN()
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		t.Fatalf("failed to ping database: %v", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	return db
}

// cleanupTestDB cleans up test data and closes the connection.
func cleanupTestDB(t *testing.T, db *sql.DB) {
	t.Helper()
	db.Exec("DELETE FROM deploy_targets")
	db.Exec("DELETE FROM settings")
	db.Close()
}

// runMigrations applies the database schema for testing.
func runMigrations(db *sql.DB) error {
	// Drop existing tables to ensure clean state
	_, _ = db.Exec("DROP TABLE IF EXISTS log_entries CASCADE")
	_, _ = db.Exec("DROP TABLE IF EXISTS target_secrets CASCADE")
	_, _ = db.Exec("DROP TABLE IF EXISTS deploy_queue CASCADE")
	_, _ = db.Exec("DROP TABLE IF EXISTS deploy_runs CASCADE")
	_, _ = db.Exec("DROP TABLE IF EXISTS releases CASCADE")
	_, _ = db.Exec("DROP TABLE IF EXISTS deploy_targets CASCADE")
	_, _ = db.Exec("DROP TABLE IF EXISTS settings CASCADE")

	schema := `
		CREATE TABLE deploy_targets (
			id UUID PRIMARY KEY,
			name VARCHAR(63) NOT NULL UNIQUE,
			host VARCHAR(255) NOT NULL,
			ssh_port INTEGER NOT NULL DEFAULT 22,
			ssh_user VARCHAR(63) NOT NULL,
			ssh_key_ref TEXT NOT NULL DEFAULT '',
			work_dir TEXT NOT NULL,
			unit_name VARCHAR(63) NOT NULL,
			branch VARCHAR(255) NOT NULL,
			backend_port INTEGER NOT NULL,
			extra_allowed_ports BIGINT[] NOT NULL DEFAULT '{}',
			webhook_secret TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE releases (
			id UUID PRIMARY KEY,
			target_id UUID NOT NULL REFERENCES deploy_targets(id) ON DELETE CASCADE,
			commit_sha VARCHAR(64) NOT NULL,
			ref VARCHAR(255) NOT NULL,
			delivery_id VARCHAR(255) NOT NULL,
			pusher VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX idx_releases_target_delivery ON releases(target_id, delivery_id);

		CREATE TABLE deploy_runs (
			id UUID PRIMARY KEY,
			target_id UUID NOT NULL REFERENCES deploy_targets(id) ON DELETE CASCADE,
			release_id UUID NOT NULL REFERENCES releases(id) ON DELETE CASCADE,
			commit_sha VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			prev_commit VARCHAR(64),
			pre_deploy_started_at TIMESTAMPTZ,
			steps JSONB NOT NULL DEFAULT '[]',
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		);

		CREATE INDEX idx_deploy_runs_target_created ON deploy_runs(target_id, created_at DESC);
		CREATE INDEX idx_deploy_runs_status ON deploy_runs(status);

		CREATE TABLE deploy_queue (
			id UUID PRIMARY KEY,
			target_id UUID NOT NULL,
			job_data JSONB NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ
		);

		CREATE INDEX idx_deploy_queue_status_created ON deploy_queue(status, created_at);

		CREATE TABLE target_secrets (
			target_id UUID NOT NULL REFERENCES deploy_targets(id) ON DELETE CASCADE,
			key VARCHAR(255) NOT NULL,
			encrypted_value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (target_id, key)
		);

		CREATE TABLE log_entries (
			id UUID PRIMARY KEY,
			target_id UUID NOT NULL,
			run_id UUID,
			unit_name VARCHAR(63) NOT NULL,
			source VARCHAR(16) NOT NULL,
			line TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX idx_log_entries_target_ts ON log_entries(target_id, timestamp DESC);
		CREATE INDEX idx_log_entries_run ON log_entries(run_id) WHERE run_id IS NOT NULL;

		CREATE TABLE settings (
			key VARCHAR(255) PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := db.Exec(schema)
	return err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// genNonEmptyAlphaString generates a non-empty alpha string with length 1-32.
func genNonEmptyAlphaString() gopter.Gen {
	return gen.IntRange(1, 32).FlatMap(func(v interface{}) gopter.Gen {
		length := v.(int)
		return gen.SliceOfN(length, gen.AlphaChar()).Map(func(chars []rune) string {
			return string(chars)
		})
	}, reflect.TypeOf(""))
}

// genDeployTarget generates a random DeployTarget. The name carries the
// target ID so iterations never collide on the unique name index.
func genDeployTarget() gopter.Gen {
	return gopter.CombineGens(
		genNonEmptyAlphaString(), // Host
		gen.IntRange(1, 65535),   // SSHPort
		genNonEmptyAlphaString(), // SSHUser
		genNonEmptyAlphaString(), // UnitName
		genNonEmptyAlphaString(), // Branch
		gen.IntRange(1024, 65535),
		gen.SliceOfN(2, gen.IntRange(1024, 65535)),
		genNonEmptyAlphaString(), // WebhookSecret
	).Map(func(vals []interface{}) models.DeployTarget {
		id := uuid.New().String()
		return models.DeployTarget{
			ID:                id,
			Name:              "t-" + id,
			Host:              vals[0].(string),
			SSHPort:           vals[1].(int),
			SSHUser:           vals[2].(string),
			SSHKeyRef:         "/etc/shipmate/deploy_key",
			WorkDir:           "/srv/app",
			UnitName:          vals[3].(string),
			Branch:            vals[4].(string),
			BackendPort:       vals[5].(int),
			ExtraAllowedPorts: vals[6].([]int),
			WebhookSecret:     vals[7].(string),
		}
	})
}

func TestTargetRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	store := &TargetStore{db: db, logger: testLogger()}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Target creation round-trip preserves data", prop.ForAll(
		func(input models.DeployTarget) bool {
			ctx := context.Background()

			if err := store.Create(ctx, &input); err != nil {
				t.Logf("Create error: %v", err)
				return false
			}

			retrieved, err := store.Get(ctx, input.ID)
			if err != nil {
				t.Logf("Get error: %v", err)
				return false
			}

			ok := retrieved.ID == input.ID &&
				retrieved.Name == input.Name &&
				retrieved.Host == input.Host &&
				retrieved.SSHPort == input.SSHPort &&
				retrieved.SSHUser == input.SSHUser &&
				retrieved.SSHKeyRef == input.SSHKeyRef &&
				retrieved.WorkDir == input.WorkDir &&
				retrieved.UnitName == input.UnitName &&
				retrieved.Branch == input.Branch &&
				retrieved.BackendPort == input.BackendPort &&
				retrieved.WebhookSecret == input.WebhookSecret &&
				reflect.DeepEqual(retrieved.ExtraAllowedPorts, input.ExtraAllowedPorts)
			if !ok {
				t.Logf("round-trip mismatch: got %+v, want %+v", retrieved, input)
			}

			byName, err := store.GetByName(ctx, input.Name)
			if err != nil || byName.ID != input.ID {
				t.Logf("GetByName mismatch: %v", err)
				return false
			}

			// Cleanup for next iteration
			if err := store.Delete(ctx, input.ID); err != nil {
				t.Logf("Delete error: %v", err)
				return false
			}

			return ok
		},
		genDeployTarget(),
	))

	properties.TestingRun(t)
}

func TestTargetDuplicateNameRejected(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	store := &TargetStore{db: db, logger: testLogger()}
	ctx := context.Background()

	first := sampleTarget()
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	second := sampleTarget()
	second.Name = first.Name
	if err := store.Create(ctx, second); err != ErrDuplicateName {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestTargetUpdateAndDelete(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	store := &TargetStore{db: db, logger: testLogger()}
	ctx := context.Background()

	target := sampleTarget()
	if err := store.Create(ctx, target); err != nil {
		t.Fatalf("Create: %v", err)
	}

	target.Branch = "release"
	target.BackendPort = 6000
	target.ExtraAllowedPorts = []int{8443}
	if err := store.Update(ctx, target); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, target.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Branch != "release" || got.BackendPort != 6000 {
		t.Errorf("update not persisted: %+v", got)
	}
	if len(got.ExtraAllowedPorts) != 1 || got.ExtraAllowedPorts[0] != 8443 {
		t.Errorf("extra ports not persisted: %v", got.ExtraAllowedPorts)
	}

	if err := store.Delete(ctx, target.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, target.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	missing := sampleTarget()
	if err := store.Update(ctx, missing); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound updating missing target, got %v", err)
	}
}

// sampleTarget returns a valid target with a unique name.
func sampleTarget() *models.DeployTarget {
	id := uuid.New().String()
	return &models.DeployTarget{
		ID:            id,
		Name:          "t-" + id,
		Host:          "203.0.113.10",
		SSHPort:       22,
		SSHUser:       "deploy",
		SSHKeyRef:     "/etc/shipmate/deploy_key",
		WorkDir:       "/srv/app",
		UnitName:      "app",
		Branch:        "main",
		BackendPort:   5000,
		WebhookSecret: "hook-secret",
	}
}
