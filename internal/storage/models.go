package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/AlanLoh/nenupy-tf/internal/stokes"
)

// SelectionInfo describes one exported dynamic spectrum.
type SelectionInfo struct {
	ID        int64
	CreatedAt time.Time
	Source    string // lane file directory
	Kind      stokes.Kind
	Bandpass  stokes.Bandpass
	Beam      int

	// Config is the query that produced the selection. On write it may be a
	// string, a []byte or any JSON-serialisable value; on read it holds the
	// stored text, or nil.
	Config any
}

type selectionData struct {
	ID        int64
	CreatedAt time.Time
	Source    string
	Kind      string
	Bandpass  string
	Beam      int
	Config    sql.NullString
}

type sampleData struct {
	SelectionID int64
	TimeIndex   int
	FreqIndex   int
	Time        float64
	Frequency   float64
	Value       sql.NullFloat64
}

func (d *selectionData) scanArgs() []any {
	return []any{&d.ID, &d.CreatedAt, &d.Source, &d.Kind, &d.Bandpass, &d.Beam, &d.Config}
}

func (d *selectionData) info() (*SelectionInfo, error) {
	kind, err := stokes.ParseKind(d.Kind)
	if err != nil {
		return nil, fmt.Errorf("selection %d: %w", d.ID, err)
	}
	bp, err := stokes.ParseBandpass(d.Bandpass)
	if err != nil {
		return nil, fmt.Errorf("selection %d: %w", d.ID, err)
	}

	info := &SelectionInfo{
		ID:        d.ID,
		CreatedAt: d.CreatedAt,
		Source:    d.Source,
		Kind:      kind,
		Bandpass:  bp,
		Beam:      d.Beam,
	}
	if d.Config.Valid {
		info.Config = d.Config.String
	}
	return info, nil
}
