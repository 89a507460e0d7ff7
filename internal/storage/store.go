package storage

import (
	"context"

	"github.com/AlanLoh/nenupy-tf/internal/spectrum"
	_ "github.com/mattn/go-sqlite3"
)

// Store provides an interface for exporting dynamic spectra and reading them back.
// Every selection is a header row holding how the data were produced, and one
// sample row per (time, frequency) cell. All write operations are atomic.
type Store interface {
	// CreateSelection records a new selection and returns its unique identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - info: Selection description; ID and CreatedAt are assigned by the store
	//
	// Returns:
	//   - selectionID: Unique identifier for the created selection
	//   - error: If creation fails or context is cancelled
	CreateSelection(ctx context.Context, info SelectionInfo) (selectionID int64, err error)

	// Selection retrieves a selection description by its ID.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - id: Unique selection identifier
	//
	// Returns:
	//   - info: Selection description
	//   - error: ErrNoData if the selection does not exist, or if retrieval fails
	Selection(ctx context.Context, id int64) (info *SelectionInfo, err error)

	// Selections returns every selection stored in the database, oldest first.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//
	// Returns:
	//   - infos: Slice of selection descriptions
	//   - error: If retrieval fails or context is cancelled
	Selections(ctx context.Context) (infos []*SelectionInfo, err error)

	// StoreSpecData saves every cell of a dynamic spectrum for a selection.
	// NaN cells are stored as NULL. The data is written in a single transaction.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - selectionID: ID of the selection the data belongs to
	//   - data: Dynamic spectrum to store
	//
	// Returns:
	//   - error: If storage fails or context is cancelled
	StoreSpecData(ctx context.Context, selectionID int64, data *spectrum.SpecData) error

	// ReadSpecData rebuilds a stored dynamic spectrum, optionally restricted to
	// a time and frequency window with WithTimeRange and WithFreqRange.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - selectionID: ID of the selection to read
	//   - opts: Optional window filters
	//
	// Returns:
	//   - data: Dynamic spectrum of the stored kind
	//   - error: ErrNoData if nothing matches, or if reading fails
	ReadSpecData(ctx context.Context, selectionID int64, opts ...ReaderOption) (data *spectrum.SpecData, err error)

	// Close releases all database connections and resources.
	// After Close is called, the store instance cannot be reused.
	// It is safe to call Close multiple times.
	//
	// Returns:
	//   - error: If closing fails or some resources cannot be released
	Close() error
}

var _ Store = (*SqliteStore)(nil)
