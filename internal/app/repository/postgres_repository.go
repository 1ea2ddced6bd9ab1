package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sifan077/kisalt/internal/app/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const liveCondition = "(expires_at IS NULL OR expires_at > ?)"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// PostgresRepository keeps records in a single table. GORM handles the model
// operations; the pgx pool runs the bulk statements.
type PostgresRepository struct {
	db   *gorm.DB
	pool *pgxpool.Pool
}

var (
	_ URLRepository      = (*PostgresRepository)(nil)
	_ ExpiringRepository = (*PostgresRepository)(nil)
)

// NewPostgresRepository returns a Postgres-backed URLRepository.
func NewPostgresRepository(db *gorm.DB, pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db, pool: pool}
}

func (r *PostgresRepository) Get(ctx context.Context, code string) (*model.URLRecord, error) {
	var rec model.URLRecord
	err := r.db.WithContext(ctx).
		Where("code = ? AND "+liveCondition, code, time.Now()).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get %q: %w", code, err)
	}
	return &rec, nil
}

func (r *PostgresRepository) Create(ctx context.Context, rec *model.URLRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// An expired row that the sweep has not reached yet must not block the code.
		if err := tx.Where("code = ? AND expires_at IS NOT NULL AND expires_at <= ?", rec.Code, time.Now()).
			Delete(&model.URLRecord{}).Error; err != nil {
			return fmt.Errorf("postgres: clear expired %q: %w", rec.Code, err)
		}

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if result.Error != nil {
			return fmt.Errorf("postgres: create %q: %w", rec.Code, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrCodeExists
		}
		return nil
	})
}

func (r *PostgresRepository) Put(ctx context.Context, rec *model.URLRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("postgres: put %q: %w", rec.Code, err)
	}
	return nil
}

func (r *PostgresRepository) Touch(ctx context.Context, code string, accessedAt time.Time, delta int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.URLRecord{}).
		Where("code = ?", code).
		Updates(map[string]interface{}{
			"last_accessed_at": accessedAt,
			"clicks":           gorm.Expr("clicks + ?", delta),
		})
	if result.Error != nil {
		return fmt.Errorf("postgres: touch %q: %w", code, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, codes ...string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, "DELETE FROM url_records WHERE code = ANY($1)", codes)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT code FROM url_records
		 WHERE code LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY code`,
		likeEscaper.Replace(prefix)+"%", time.Now())
	if err != nil {
		return nil, fmt.Errorf("postgres: keys: %w", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan keys: %w", err)
	}
	return codes, nil
}

func (r *PostgresRepository) Load(ctx context.Context) ([]model.URLRecord, error) {
	var result []model.URLRecord
	if err := r.db.WithContext(ctx).
		Where(liveCondition, time.Now()).
		Order("created_at DESC").
		Find(&result).Error; err != nil {
		return nil, fmt.Errorf("postgres: load: %w", err)
	}
	return result, nil
}

// DeleteExpired evicts rows whose expiration is at or before now.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		"DELETE FROM url_records WHERE expires_at IS NOT NULL AND expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
