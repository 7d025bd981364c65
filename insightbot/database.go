package insightbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
)

// ModelUnixTime is an embeddable model with Unix timestamps (in
// milliseconds) for creation and update. Deletion is always a hard
// delete, so retention cleanup stays idempotent.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// Question is one answered user question, whether it arrived via a
// slash command or a passive trigger. Append-only; rows are removed
// only by retention cleanup.
type Question struct {
	ModelUintID
	ModelUnixTime
	UserID         string `gorm:"index" json:"user_id"`
	Username       string `json:"username"`
	ChannelID      string `json:"channel_id"`
	GuildID        string `json:"guild_id,omitempty"`
	Question       string `json:"question"`
	Answer         string `json:"answer"`
	HasImage       bool   `json:"has_image"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

// APIError is a recorded upstream/API failure. Count is the number of
// occurrences coalesced into the record, so per-type aggregates carry
// both a row count and a summed occurrence count.
type APIError struct {
	ModelUintID
	ModelUnixTime
	ErrorType string `gorm:"index" json:"error_type"`
	Severity  string `gorm:"index" json:"severity"`
	Message   string `json:"message"`
	Endpoint  string `json:"endpoint,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Count     int    `gorm:"default:1" json:"count"`
}

// Keyword is a stored passive-trigger keyword with a canned response.
// Normalized holds the lowercased form and carries the unique index,
// which is what makes uniqueness case-insensitive.
type Keyword struct {
	ModelUintID
	ModelUnixTime
	Keyword      string `json:"keyword"`
	Normalized   string `gorm:"uniqueIndex" json:"-"`
	Response     string `json:"response"`
	CreatedBy    string `json:"created_by"`
	Enabled      bool   `gorm:"default:true" json:"enabled"`
	TriggerCount int64  `gorm:"default:0" json:"trigger_count"`
}

// AdminUser is the mutable, store-backed admin tier. The config-sourced
// super-admin set is separate and immutable at runtime.
type AdminUser struct {
	ModelUnixTime
	UserID    string `gorm:"primaryKey" json:"user_id"`
	Username  string `json:"username"`
	GrantedBy string `json:"granted_by"`
}

// Notification is one admin notification that was sent (or attempted),
// kept as history for the notification-history command.
type Notification struct {
	ModelUintID
	ModelUnixTime
	Type       string `json:"type"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Severity   string `json:"severity"`
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
}

// ErrorGroupCount is one row of a grouped error aggregate.
// RecordCount is the number of APIError rows in the group; TotalCount
// is the sum of their Count fields. The two differ whenever
// occurrences were coalesced into a single row.
type ErrorGroupCount struct {
	Key         string `json:"key"`
	RecordCount int64  `json:"record_count"`
	TotalCount  int64  `json:"total_count"`
}

// ErrorStatistics is the result of APIErrorStatistics. TotalErrors is
// an independent COUNT(*) over the window; callers read it directly
// and never derive it from the grouped slices.
type ErrorStatistics struct {
	TotalErrors  int64             `json:"total_errors"`
	ByType       []ErrorGroupCount `json:"by_type"`
	BySeverity   []ErrorGroupCount `json:"by_severity"`
	RecentErrors []APIError        `json:"recent_errors"`
}

// SystemStats is a point-in-time snapshot, recomputed on every call.
type SystemStats struct {
	TotalQuestions    int64   `json:"total_questions"`
	QuestionsToday    int64   `json:"questions_today"`
	DistinctUsers     int64   `json:"distinct_users"`
	ImageQuestions    int64   `json:"image_questions"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	TotalAPIErrors    int64   `json:"total_api_errors"`
	TotalKeywords     int64   `json:"total_keywords"`
}

// UserStats summarizes one user's history.
type UserStats struct {
	UserID            string   `json:"user_id"`
	Username          string   `json:"username"`
	TotalQuestions    int64    `json:"total_questions"`
	ImageQuestions    int64    `json:"image_questions"`
	AvgResponseTimeMS float64  `json:"avg_response_time_ms"`
	FirstSeen         int64    `json:"first_seen,omitempty"`
	LastSeen          int64    `json:"last_seen,omitempty"`
	RecentQuestions   []string `json:"recent_questions,omitempty"`
}

// KeywordStatistics summarizes the stored keyword set.
type KeywordStatistics struct {
	Total         int64     `json:"total"`
	Enabled       int64     `json:"enabled"`
	TotalTriggers int64     `json:"total_triggers"`
	MostTriggered []Keyword `json:"most_triggered,omitempty"`
}

// Store is the persistence contract the bot, router, and HTTP API are
// written against. The production implementation is database; tests
// substitute in-memory SQLite or stubs.
type Store interface {
	LogQuestion(ctx context.Context, q *Question) error
	LogAPIError(ctx context.Context, e *APIError) error
	APIErrorStatistics(ctx context.Context, since time.Time) (*ErrorStatistics, error)

	AddKeyword(ctx context.Context, keyword string, response string, createdBy string) (*Keyword, error)
	RemoveKeyword(ctx context.Context, keyword string) error
	ListKeywords(ctx context.Context) ([]Keyword, error)
	SearchKeywords(ctx context.Context, query string) ([]Keyword, error)
	ToggleKeyword(ctx context.Context, keyword string) (*Keyword, error)
	IncrementKeywordTrigger(ctx context.Context, keyword string) error
	KeywordStats(ctx context.Context) (*KeywordStatistics, error)

	UserStats(ctx context.Context, userID string) (*UserStats, error)
	RecentQuestions(ctx context.Context, limit int) ([]Question, error)
	SystemStats(ctx context.Context) (*SystemStats, error)

	AddAdmin(ctx context.Context, userID string, username string, grantedBy string) (*AdminUser, error)
	RemoveAdmin(ctx context.Context, userID string) error
	ListAdmins(ctx context.Context) ([]AdminUser, error)
	IsStoreAdmin(ctx context.Context, userID string) (bool, error)

	LogNotification(ctx context.Context, n *Notification) error
	NotificationHistory(ctx context.Context, limit int) ([]Notification, error)

	Cleanup(ctx context.Context, days int) (int64, error)

	DB() *gorm.DB
}

// database implements Store over a GORM connection. In SQLite mode all
// writes are serialized through mu; Postgres allows concurrent writes.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps an existing GORM connection in the Store
// implementation. enableConcurrentWrites should be false for SQLite.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) Store {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "store"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *database) LogQuestion(ctx context.Context, q *Question) error {
	d.lock()
	defer d.unlock()
	return d.db.WithContext(ctx).Create(q).Error
}

func (d *database) LogAPIError(ctx context.Context, e *APIError) error {
	if e.Count <= 0 {
		e.Count = 1
	}
	d.lock()
	defer d.unlock()
	return d.db.WithContext(ctx).Create(e).Error
}

const recentErrorLimit = 10

func (d *database) APIErrorStatistics(
	ctx context.Context,
	since time.Time,
) (*ErrorStatistics, error) {
	stats := &ErrorStatistics{}
	cutoff := since.UnixMilli()

	err := d.db.WithContext(ctx).Model(&APIError{}).
		Where("created_at >= ?", cutoff).
		Count(&stats.TotalErrors).Error
	if err != nil {
		return nil, fmt.Errorf("counting api errors: %w", err)
	}

	err = d.db.WithContext(ctx).Model(&APIError{}).
		Select("error_type as key, count(*) as record_count, sum(count) as total_count").
		Where("created_at >= ?", cutoff).
		Group("error_type").
		Order("total_count desc").
		Scan(&stats.ByType).Error
	if err != nil {
		return nil, fmt.Errorf("grouping api errors by type: %w", err)
	}

	err = d.db.WithContext(ctx).Model(&APIError{}).
		Select("severity as key, count(*) as record_count, sum(count) as total_count").
		Where("created_at >= ?", cutoff).
		Group("severity").
		Order("total_count desc").
		Scan(&stats.BySeverity).Error
	if err != nil {
		return nil, fmt.Errorf("grouping api errors by severity: %w", err)
	}

	err = d.db.WithContext(ctx).
		Where("created_at >= ?", cutoff).
		Order("created_at desc").
		Limit(recentErrorLimit).
		Find(&stats.RecentErrors).Error
	if err != nil {
		return nil, fmt.Errorf("loading recent api errors: %w", err)
	}

	return stats, nil
}

func normalizeKeyword(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (d *database) AddKeyword(
	ctx context.Context,
	keyword string,
	response string,
	createdBy string,
) (*Keyword, error) {
	normalized := normalizeKeyword(keyword)
	if normalized == "" {
		return nil, errors.New("keyword cannot be empty")
	}

	d.lock()
	defer d.unlock()

	var existing Keyword
	err := d.db.WithContext(ctx).
		Where("normalized = ?", normalized).
		First(&existing).Error
	switch {
	case err == nil:
		return nil, ErrDuplicateKeyword
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	kw := &Keyword{
		Keyword:    strings.TrimSpace(keyword),
		Normalized: normalized,
		Response:   response,
		CreatedBy:  createdBy,
		Enabled:    true,
	}
	if err := d.db.WithContext(ctx).Create(kw).Error; err != nil {
		// The unique index backs up the pre-check under concurrency.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKeyword
		}
		return nil, err
	}
	return kw, nil
}

func (d *database) getKeyword(ctx context.Context, keyword string) (*Keyword, error) {
	var kw Keyword
	err := d.db.WithContext(ctx).
		Where("normalized = ?", normalizeKeyword(keyword)).
		First(&kw).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeywordNotFound
		}
		return nil, err
	}
	return &kw, nil
}

func (d *database) RemoveKeyword(ctx context.Context, keyword string) error {
	d.lock()
	defer d.unlock()

	rv := d.db.WithContext(ctx).
		Where("normalized = ?", normalizeKeyword(keyword)).
		Delete(&Keyword{})
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return ErrKeywordNotFound
	}
	return nil
}

func (d *database) ListKeywords(ctx context.Context) ([]Keyword, error) {
	var keywords []Keyword
	err := d.db.WithContext(ctx).
		Order("normalized asc").
		Find(&keywords).Error
	return keywords, err
}

func (d *database) SearchKeywords(
	ctx context.Context,
	query string,
) ([]Keyword, error) {
	var keywords []Keyword
	pattern := "%" + normalizeKeyword(query) + "%"
	err := d.db.WithContext(ctx).
		Where(
			"normalized LIKE ? OR lower(response) LIKE ?",
			pattern,
			pattern,
		).
		Order("normalized asc").
		Find(&keywords).Error
	return keywords, err
}

func (d *database) ToggleKeyword(
	ctx context.Context,
	keyword string,
) (*Keyword, error) {
	d.lock()
	defer d.unlock()

	kw, err := d.getKeyword(ctx, keyword)
	if err != nil {
		return nil, err
	}
	kw.Enabled = !kw.Enabled
	err = d.db.WithContext(ctx).Model(kw).
		Update("enabled", kw.Enabled).Error
	if err != nil {
		return nil, err
	}
	return kw, nil
}

func (d *database) IncrementKeywordTrigger(
	ctx context.Context,
	keyword string,
) error {
	d.lock()
	defer d.unlock()

	rv := d.db.WithContext(ctx).Model(&Keyword{}).
		Where("normalized = ?", normalizeKeyword(keyword)).
		Update("trigger_count", gorm.Expr("trigger_count + 1"))
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return ErrKeywordNotFound
	}
	return nil
}

const mostTriggeredLimit = 5

func (d *database) KeywordStats(ctx context.Context) (*KeywordStatistics, error) {
	stats := &KeywordStatistics{}

	err := d.db.WithContext(ctx).Model(&Keyword{}).
		Count(&stats.Total).Error
	if err != nil {
		return nil, err
	}

	err = d.db.WithContext(ctx).Model(&Keyword{}).
		Where("enabled = ?", true).
		Count(&stats.Enabled).Error
	if err != nil {
		return nil, err
	}

	var totalTriggers *int64
	err = d.db.WithContext(ctx).Model(&Keyword{}).
		Select("sum(trigger_count)").
		Scan(&totalTriggers).Error
	if err != nil {
		return nil, err
	}
	if totalTriggers != nil {
		stats.TotalTriggers = *totalTriggers
	}

	err = d.db.WithContext(ctx).
		Where("trigger_count > 0").
		Order("trigger_count desc").
		Limit(mostTriggeredLimit).
		Find(&stats.MostTriggered).Error
	if err != nil {
		return nil, err
	}

	return stats, nil
}

const userRecentQuestionLimit = 5

func (d *database) UserStats(
	ctx context.Context,
	userID string,
) (*UserStats, error) {
	stats := &UserStats{UserID: userID}

	err := d.db.WithContext(ctx).Model(&Question{}).
		Where("user_id = ?", userID).
		Count(&stats.TotalQuestions).Error
	if err != nil {
		return nil, err
	}
	if stats.TotalQuestions == 0 {
		return stats, nil
	}

	err = d.db.WithContext(ctx).Model(&Question{}).
		Where("user_id = ? AND has_image = ?", userID, true).
		Count(&stats.ImageQuestions).Error
	if err != nil {
		return nil, err
	}

	var avg *float64
	err = d.db.WithContext(ctx).Model(&Question{}).
		Select("avg(response_time_ms)").
		Where("user_id = ?", userID).
		Scan(&avg).Error
	if err != nil {
		return nil, err
	}
	if avg != nil {
		stats.AvgResponseTimeMS = *avg
	}

	var recent []Question
	err = d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(userRecentQuestionLimit).
		Find(&recent).Error
	if err != nil {
		return nil, err
	}
	for _, q := range recent {
		stats.Username = q.Username
		stats.RecentQuestions = append(
			stats.RecentQuestions,
			truncate(q.Question, 100),
		)
		stats.LastSeen = max(stats.LastSeen, q.CreatedAt)
	}

	var first Question
	err = d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		First(&first).Error
	if err == nil {
		stats.FirstSeen = first.CreatedAt
	}

	return stats, nil
}

func (d *database) RecentQuestions(
	ctx context.Context,
	limit int,
) ([]Question, error) {
	if limit <= 0 {
		limit = 10
	}
	var questions []Question
	err := d.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&questions).Error
	return questions, err
}

func (d *database) SystemStats(ctx context.Context) (*SystemStats, error) {
	stats := &SystemStats{}

	err := d.db.WithContext(ctx).Model(&Question{}).
		Count(&stats.TotalQuestions).Error
	if err != nil {
		return nil, err
	}

	midnight := time.Now().UTC().Truncate(24 * time.Hour).UnixMilli()
	err = d.db.WithContext(ctx).Model(&Question{}).
		Where("created_at >= ?", midnight).
		Count(&stats.QuestionsToday).Error
	if err != nil {
		return nil, err
	}

	err = d.db.WithContext(ctx).Model(&Question{}).
		Distinct("user_id").
		Count(&stats.DistinctUsers).Error
	if err != nil {
		return nil, err
	}

	err = d.db.WithContext(ctx).Model(&Question{}).
		Where("has_image = ?", true).
		Count(&stats.ImageQuestions).Error
	if err != nil {
		return nil, err
	}

	var avg *float64
	err = d.db.WithContext(ctx).Model(&Question{}).
		Select("avg(response_time_ms)").
		Scan(&avg).Error
	if err != nil {
		return nil, err
	}
	if avg != nil {
		stats.AvgResponseTimeMS = *avg
	}

	err = d.db.WithContext(ctx).Model(&APIError{}).
		Count(&stats.TotalAPIErrors).Error
	if err != nil {
		return nil, err
	}

	err = d.db.WithContext(ctx).Model(&Keyword{}).
		Count(&stats.TotalKeywords).Error
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func (d *database) AddAdmin(
	ctx context.Context,
	userID string,
	username string,
	grantedBy string,
) (*AdminUser, error) {
	d.lock()
	defer d.unlock()

	var existing AdminUser
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&existing).Error
	switch {
	case err == nil:
		return nil, ErrDuplicateAdmin
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	admin := &AdminUser{
		UserID:    userID,
		Username:  username,
		GrantedBy: grantedBy,
	}
	if err := d.db.WithContext(ctx).Create(admin).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateAdmin
		}
		return nil, err
	}
	return admin, nil
}

func (d *database) RemoveAdmin(ctx context.Context, userID string) error {
	d.lock()
	defer d.unlock()

	rv := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&AdminUser{})
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return ErrAdminNotFound
	}
	return nil
}

func (d *database) ListAdmins(ctx context.Context) ([]AdminUser, error) {
	var admins []AdminUser
	err := d.db.WithContext(ctx).
		Order("created_at asc").
		Find(&admins).Error
	return admins, err
}

func (d *database) IsStoreAdmin(
	ctx context.Context,
	userID string,
) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&AdminUser{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count > 0, err
}

func (d *database) LogNotification(
	ctx context.Context,
	n *Notification,
) error {
	d.lock()
	defer d.unlock()
	return d.db.WithContext(ctx).Create(n).Error
}

func (d *database) NotificationHistory(
	ctx context.Context,
	limit int,
) ([]Notification, error) {
	if limit <= 0 {
		limit = 10
	}
	var notifications []Notification
	err := d.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&notifications).Error
	return notifications, err
}

// Cleanup hard-deletes questions, API errors, and notifications older
// than the given number of days, returning the total rows removed.
// Running it twice with the same window deletes nothing the second time.
func (d *database) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", days)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).UnixMilli()

	d.lock()
	defer d.unlock()

	var total int64
	err := d.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			for _, model := range []any{
				&Question{},
				&APIError{},
				&Notification{},
			} {
				rv := tx.Where("created_at < ?", cutoff).Delete(model)
				if rv.Error != nil {
					return rv.Error
				}
				total += rv.RowsAffected
			}
			return nil
		},
	)
	if err != nil {
		return 0, err
	}
	d.logger.Info("cleanup complete", "days", days, "rows_deleted", total)
	return total, nil
}

// CreateDB initializes a GORM connection for the given database type
// and runs migrations. For SQLite, the connection pool is limited to a
// single connection and WAL pragmas are applied. A nil gormLogger gets
// a default handler logging slow queries at Warn.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger logger.Interface,
) (*gorm.DB, error) {
	if gormLogger == nil {
		handler := newTintHandler(slog.LevelWarn)
		gormLogger = newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	}
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return nil, e
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if e = db.WithContext(ctx).Exec(pragma).Error; e != nil {
				return nil, fmt.Errorf("executing %q: %w", pragma, e)
			}
		}
	}

	txn := db.WithContext(ctx).Begin()
	err = txn.Migrator().AutoMigrate(
		&Question{},
		&APIError{},
		&Keyword{},
		&AdminUser{},
		&Notification{},
	)
	if err != nil {
		return nil, err
	}
	if commitErr := txn.Commit().Error; commitErr != nil {
		return nil, commitErr
	}

	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger logger.Interface,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
