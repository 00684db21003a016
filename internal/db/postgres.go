package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/types"
	"github.com/vitalscan/neurostudy-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "neurostudy", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	log.Info("Connecting to Postgres...")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		log.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		log.Error("Failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&types.Patient{},
		&types.Study{},
		&types.StudyStep{},
		&types.Asset{},
		&types.StageJob{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}
	s.log.Info("Configuring foreign key relationships for postgres tables...")
	constraints := []struct {
		name string
		stmt string
	}{
		{
			name: "fk_study_patient_id",
			stmt: `ALTER TABLE "study"
				ADD CONSTRAINT "fk_study_patient_id"
				FOREIGN KEY ("patient_id")
				REFERENCES "patient"("id")
				ON DELETE CASCADE`,
		},
		{
			name: "fk_study_step_study_id",
			stmt: `ALTER TABLE "study_step"
				ADD CONSTRAINT "fk_study_step_study_id"
				FOREIGN KEY ("study_id")
				REFERENCES "study"("id")
				ON DELETE CASCADE`,
		},
		{
			name: "fk_asset_study_id",
			stmt: `ALTER TABLE "asset"
				ADD CONSTRAINT "fk_asset_study_id"
				FOREIGN KEY ("study_id")
				REFERENCES "study"("id")
				ON DELETE CASCADE`,
		},
		{
			name: "fk_stage_job_study_id",
			stmt: `ALTER TABLE "stage_job"
				ADD CONSTRAINT "fk_stage_job_study_id"
				FOREIGN KEY ("study_id")
				REFERENCES "study"("id")
				ON DELETE CASCADE`,
		},
	}
	for _, c := range constraints {
		var exists bool
		if err := s.db.Raw(
			`SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = ?)`, c.name,
		).Scan(&exists).Error; err != nil {
			return fmt.Errorf("failed to check constraint %s: %w", c.name, err)
		}
		if exists {
			continue
		}
		if err := s.db.Exec(c.stmt).Error; err != nil {
			return fmt.Errorf("failed to add %s: %w", c.name, err)
		}
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
