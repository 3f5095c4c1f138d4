package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v4/stdlib"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	historyTable = "queue_history"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS queue_history (
		service_type  TEXT NOT NULL,
		client_id     TEXT NOT NULL,
		status        TEXT NOT NULL,
		wait_time     DOUBLE PRECISION NOT NULL,
		time_spent    DOUBLE PRECISION NOT NULL,
		queue_length  BIGINT NOT NULL,
		hour_of_day   INTEGER NOT NULL,
		minute_of_day INTEGER NOT NULL,
		day_of_week   INTEGER NOT NULL,
		recorded_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_history_service_type ON queue_history (service_type, recorded_at)`,
}

var (
	_ Recorder = (*SQLRecorder)(nil)
	_ Reporter = (*SQLRecorder)(nil)
)

// SQLRecorder stores terminal events in the queue_history table of a sqlite
// or postgres database.
type SQLRecorder struct {
	db     *sql.DB
	goquDb *goqu.Database
	driver string
}

// Open connects to the history database. driver is DriverSQLite or DriverPostgres.
func Open(driver, dsn string) (*SQLRecorder, error) {
	var sqlDriver, dialect string
	switch driver {
	case DriverSQLite:
		sqlDriver, dialect = "sqlite", "sqlite3"
	case DriverPostgres:
		sqlDriver, dialect = "pgx", "postgres"
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening %s history database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	return &SQLRecorder{db: db, goquDb: goqu.New(dialect, db), driver: driver}, nil
}

// Setup creates the history table when it does not exist yet.
func (r *SQLRecorder) Setup(ctx context.Context) error {
	if r.driver == DriverSQLite {
		if _, err := r.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create history schema: %w", err)
		}
	}
	return nil
}

func (r *SQLRecorder) Close() error {
	return r.db.Close()
}

func (r *SQLRecorder) Record(ctx context.Context, rec Record) error {
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := r.goquDb.Insert(historyTable).Rows(goqu.Record{
		"service_type":  rec.ServiceType,
		"client_id":     rec.ClientID,
		"status":        rec.Status,
		"wait_time":     rec.WaitTime,
		"time_spent":    rec.TimeSpent,
		"queue_length":  rec.QueueLength,
		"hour_of_day":   rec.HourOfDay,
		"minute_of_day": rec.MinuteOfDay,
		"day_of_week":   rec.DayOfWeek,
		"recorded_at":   recordedAt.UnixMilli(),
	}).Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert history record for client %s: %w", rec.ClientID, err)
	}
	return nil
}

type reportRow struct {
	Total     int64   `db:"total"`
	AvgWait   float64 `db:"avg_wait"`
	AvgSpent  float64 `db:"avg_spent"`
	Completed int64   `db:"completed"`
	Abandoned int64   `db:"abandoned"`
}

func countStatus(status string) exp.SQLFunctionExpression {
	return goqu.COALESCE(goqu.SUM(goqu.Case().When(goqu.C("status").Eq(status), 1).Else(0)), 0)
}

// Report aggregates every recorded event for the service type. It returns nil
// when nothing has been recorded.
func (r *SQLRecorder) Report(ctx context.Context, serviceType string) (*Report, error) {
	var row reportRow
	found, err := r.goquDb.
		From(historyTable).
		Select(
			goqu.COUNT(goqu.Star()).As("total"),
			goqu.COALESCE(goqu.AVG("wait_time"), 0).As("avg_wait"),
			goqu.COALESCE(goqu.AVG("time_spent"), 0).As("avg_spent"),
			countStatus(StatusCompleted).As("completed"),
			countStatus(StatusAbandoned).As("abandoned"),
		).
		Where(goqu.C("service_type").Eq(serviceType)).
		ScanStructContext(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("report for %s: %w", serviceType, err)
	}
	if !found || row.Total == 0 {
		log.WithField("serviceType", serviceType).Info("no history available to generate report")
		return nil, nil
	}
	return &Report{
		ServiceType:      serviceType,
		TotalClients:     row.Total,
		AverageWaitTime:  row.AvgWait,
		AverageTimeSpent: row.AvgSpent,
		CompletedClients: row.Completed,
		AbandonedClients: row.Abandoned,
	}, nil
}

type recordRow struct {
	ServiceType string  `db:"service_type"`
	ClientID    string  `db:"client_id"`
	Status      string  `db:"status"`
	WaitTime    float64 `db:"wait_time"`
	TimeSpent   float64 `db:"time_spent"`
	QueueLength int64   `db:"queue_length"`
	HourOfDay   int     `db:"hour_of_day"`
	MinuteOfDay int     `db:"minute_of_day"`
	DayOfWeek   int     `db:"day_of_week"`
	RecordedAt  int64   `db:"recorded_at"`
}

// Recent returns up to limit records for the service type, newest first.
func (r *SQLRecorder) Recent(ctx context.Context, serviceType string, limit uint) ([]Record, error) {
	var rows []recordRow
	err := r.goquDb.
		From(historyTable).
		Where(goqu.C("service_type").Eq(serviceType)).
		Order(goqu.C("recorded_at").Desc()).
		Limit(limit).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", serviceType, err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			ServiceType: row.ServiceType,
			ClientID:    row.ClientID,
			Status:      row.Status,
			WaitTime:    row.WaitTime,
			TimeSpent:   row.TimeSpent,
			QueueLength: row.QueueLength,
			HourOfDay:   row.HourOfDay,
			MinuteOfDay: row.MinuteOfDay,
			DayOfWeek:   row.DayOfWeek,
			RecordedAt:  time.UnixMilli(row.RecordedAt),
		})
	}
	return records, nil
}
