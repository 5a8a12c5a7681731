package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/queue"
)

// Queue persists offline sales in an on-device SQLite file. It is the
// default backend for a terminal.
type Queue struct {
	db *gorm.DB
}

var _ queue.Queue = (*Queue)(nil)

type offlineSaleRow struct {
	Seq           int64      `gorm:"column:seq;primaryKey;autoIncrement"`
	TempID        string     `gorm:"column:temp_id;uniqueIndex;not null"`
	Payload       []byte     `gorm:"column:payload;not null"`
	CapturedAt    time.Time  `gorm:"column:captured_at;not null"`
	Attempts      int        `gorm:"column:attempts;not null;default:0"`
	LastError     string     `gorm:"column:last_error"`
	LastAttemptAt *time.Time `gorm:"column:last_attempt_at"`
}

func (offlineSaleRow) TableName() string {
	return queue.Key
}

// Open opens (creating if needed) the database at dsn, which is a file
// path or a sqlite URI such as "file:pos?mode=memory&cache=shared". A nil
// statement logger silences gorm.
func Open(ctx context.Context, dsn string, statements logger.Interface) (*Queue, error) {
	if statements == nil {
		statements = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: statements})
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	_ = db.Exec("PRAGMA journal_mode = WAL").Error

	q, err := New(ctx, db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return q, nil
}

// New uses an existing gorm handle and migrates the queue table.
func New(ctx context.Context, db *gorm.DB) (*Queue, error) {
	if err := db.WithContext(ctx).AutoMigrate(&offlineSaleRow{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", queue.Key, err)
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (q *Queue) Enqueue(ctx context.Context, sale domain.QueuedOfflineSale) error {
	if err := queue.Validate(sale); err != nil {
		return err
	}
	payload, err := json.Marshal(sale.Sale)
	if err != nil {
		return err
	}
	row := offlineSaleRow{
		TempID:        sale.TempID,
		Payload:       payload,
		CapturedAt:    sale.CapturedAt.UTC(),
		Attempts:      sale.Attempts,
		LastError:     sale.LastError,
		LastAttemptAt: sale.LastAttemptAt,
	}
	res := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "temp_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return queue.ErrDuplicate
	}
	return nil
}

func (q *Queue) List(ctx context.Context) ([]domain.QueuedOfflineSale, error) {
	var rows []offlineSaleRow
	if err := q.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.QueuedOfflineSale, 0, len(rows))
	for _, row := range rows {
		sale, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	return out, nil
}

func (q *Queue) Remove(ctx context.Context, tempID string) error {
	res := q.db.WithContext(ctx).Where("temp_id = ?", tempID).Delete(&offlineSaleRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func (q *Queue) MarkAttempt(ctx context.Context, tempID string, attemptErr string, at time.Time) error {
	at = at.UTC()
	res := q.db.WithContext(ctx).
		Model(&offlineSaleRow{}).
		Where("temp_id = ?", tempID).
		Updates(map[string]any{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      attemptErr,
			"last_attempt_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int64
	if err := q.db.WithContext(ctx).Model(&offlineSaleRow{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

func (row offlineSaleRow) toDomain() (domain.QueuedOfflineSale, error) {
	var sale domain.SaleData
	if err := json.Unmarshal(row.Payload, &sale); err != nil {
		return domain.QueuedOfflineSale{}, fmt.Errorf("decode queued sale %s: %w", row.TempID, err)
	}
	return domain.QueuedOfflineSale{
		TempID:        row.TempID,
		Sale:          sale,
		CapturedAt:    row.CapturedAt.UTC(),
		Attempts:      row.Attempts,
		LastError:     row.LastError,
		LastAttemptAt: row.LastAttemptAt,
	}, nil
}
