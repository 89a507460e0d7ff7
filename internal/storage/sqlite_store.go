package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AlanLoh/nenupy-tf/internal/spectrum"
)

// maxBatchSize keeps a multi-row insert under the SQLite bound parameter limit.
const maxBatchSize = 1000

// WithMaxBatchSize sets the maximum number of samples inserted by a single statement
func WithMaxBatchSize(size int) func(*SqliteStore) {
	return func(s *SqliteStore) {
		s.maxBatchSize = max(size, 1)
	}
}

// SqliteStore handles database operations
type SqliteStore struct {
	dbPath       string
	maxBatchSize int

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a store backed by the Sqlite database at dbPath.
// Connections are opened on first use; the schema is created by the first write.
func NewSqliteStore(dbPath string, options ...func(*SqliteStore)) *SqliteStore {
	s := &SqliteStore{dbPath: dbPath, maxBatchSize: maxBatchSize}
	for _, option := range options {
		option(s)
	}
	return s
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		db.SetMaxOpenConns(1)

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) CreateSelection(ctx context.Context, info SelectionInfo) (selectionID int64, err error) {
	configData, err := toConfigData(info.Config)
	if err != nil {
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSelectionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx,
		time.Now().UTC(),
		info.Source,
		info.Kind.String(),
		info.Bandpass.String(),
		info.Beam,
		configData,
	)
	if err != nil {
		err = fmt.Errorf("inserting selection: %w", err)
		return
	}

	selectionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting selection ID: %w", err)
	}
	return
}

func (s *SqliteStore) Selection(ctx context.Context, id int64) (info *SelectionInfo, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}
	return querySelection(ctx, db, id)
}

func querySelection(ctx context.Context, db *sql.DB, id int64) (info *SelectionInfo, err error) {
	stmt, err := db.PrepareContext(ctx, selectSelectionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var data selectionData
	if err = stmt.QueryRowContext(ctx, id).Scan(data.scanArgs()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: selection %d", ErrNoData, id)
			return
		}
		err = fmt.Errorf("scanning selection: %w", err)
		return
	}
	return data.info()
}

func (s *SqliteStore) Selections(ctx context.Context) (infos []*SelectionInfo, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSelectionsSQL)
	if err != nil {
		err = fmt.Errorf("querying selections: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var data selectionData
		if err = rows.Scan(data.scanArgs()...); err != nil {
			err = fmt.Errorf("scanning selection: %w", err)
			return
		}
		var info *SelectionInfo
		if info, err = data.info(); err != nil {
			return
		}
		infos = append(infos, info)
	}
	err = rows.Err()
	return
}

// ReadSpecData rebuilds the dynamic spectrum stored for selectionID.
func (s *SqliteStore) ReadSpecData(ctx context.Context, selectionID int64, opts ...ReaderOption) (*spectrum.SpecData, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	r, err := newSqliteSpecReader(ctx, db, selectionID, opts...)
	if err != nil {
		return nil, err
	}
	return r.read(ctx)
}

func (s *SqliteStore) StoreSpecData(ctx context.Context, selectionID int64, data *spectrum.SpecData) (err error) {
	nt, nf := data.Shape()
	if nt == 0 || nf == 0 {
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	samples := make([]sampleData, 0, nt*nf)
	for i, t := range data.Time {
		row := data.Data.RawRowView(i)
		for j, f := range data.Freq {
			samples = append(samples, sampleData{
				SelectionID: selectionID,
				TimeIndex:   i,
				FreqIndex:   j,
				Time:        t,
				Frequency:   f,
				Value:       toValue(row[j]),
			})
		}
	}

	for chunk := range slices.Chunk(samples, s.maxBatchSize) {
		if err = insertSamples(ctx, tx, chunk); err != nil {
			return fmt.Errorf("batch inserting samples: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func insertSamples(ctx context.Context, tx *sql.Tx, samples []sampleData) error {
	values := make([]interface{}, 0, len(samples)*6)

	valuesPlaceholder := "(?, ?, ?, ?, ?, ?)"

	var sb strings.Builder

	sb.WriteString(insertSampleSQL)

	for i, sample := range samples {
		values = append(values,
			sample.SelectionID,
			sample.TimeIndex,
			sample.FreqIndex,
			sample.Time,
			sample.Frequency,
			sample.Value,
		)

		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(valuesPlaceholder)
	}

	_, err := tx.ExecContext(ctx, sb.String(), values...)
	return err
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}
