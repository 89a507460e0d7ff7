package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/AlanLoh/nenupy-tf/internal/catalog"
	"github.com/AlanLoh/nenupy-tf/internal/lane"
	"github.com/AlanLoh/nenupy-tf/internal/spectrum"
	"github.com/AlanLoh/nenupy-tf/internal/storage"
	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/mat"
)

// Mode selects how the query is materialised
type Mode int

const (
	ModeSelect Mode = iota
	ModeAverage
)

func (m Mode) String() string {
	if m == ModeAverage {
		return "average"
	}
	return "select"
}

func openCatalog(config *Config, logger *slog.Logger) (*catalog.Catalog, error) {
	if config.Query.Directory == "" {
		return nil, errors.New("lane file directory is required")
	}

	options := []func(*catalog.Catalog){catalog.WithLogger(logger)}
	if config.Settings.Workers > 0 {
		options = append(options, catalog.WithWorkers(config.Settings.Workers))
	}
	if config.Settings.MemoryFraction > 0 {
		options = append(options, catalog.WithMemoryBudget(lane.Budget{Fraction: config.Settings.MemoryFraction}))
	}
	return catalog.New(config.Query.Directory, options...)
}

// Info prints the catalog of the lane files in dir.
func Info(dir string, w io.Writer, logger *slog.Logger) error {
	cat, err := catalog.New(dir, catalog.WithLogger(logger))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LANE\tBEAM\tSTART\tEND\tDURATION\tFREQ MIN\tFREQ MAX\tSIZE\tFILE")

	var total uint64
	seen := make(map[string]struct{})
	for _, row := range cat.Rows() {
		size := "-"
		if fi, err := os.Stat(row.Path); err == nil {
			size = humanize.IBytes(uint64(fi.Size()))
			if _, ok := seen[row.Path]; !ok {
				seen[row.Path] = struct{}{}
				total += uint64(fi.Size())
			}
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Lane, row.Beam,
			spectrum.UnixTime(row.TimeMin).UTC().Format(time.DateTime),
			spectrum.UnixTime(row.TimeMax).UTC().Format(time.DateTime),
			time.Duration((row.TimeMax-row.TimeMin)*float64(time.Second)).Round(time.Millisecond),
			formatFrequency(row.FreqMin), formatFrequency(row.FreqMax),
			size, filepath.Base(row.Path))
	}
	if err = tw.Flush(); err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "\n%d files, %d beams, %s\n", len(seen), len(cat.Beams()), humanize.IBytes(total))
	return err
}

// Extract decodes the configured query, writes the heatmap and, when a
// database is configured, exports the dynamic spectrum.
func Extract(ctx context.Context, config *Config, mode Mode, logger *slog.Logger) error {
	cat, err := openCatalog(config, logger)
	if err != nil {
		return err
	}

	q, err := config.Query.build(cat)
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	logger.Info("query configuration", queryAttrs(q, config, mode)...)

	var data *spectrum.SpecData
	switch mode {
	case ModeAverage:
		data, err = cat.Average(ctx, q, config.Query.TimeStep.Seconds(), config.Query.FreqStep)
	default:
		data, err = cat.Select(ctx, q)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", mode, err)
	}

	if data, err = postProcess(data, config.Query); err != nil {
		return err
	}
	logStats(logger, data)

	if config.Storage.Database != "" {
		beam := cat.Beams()[0]
		if q.Beam != nil {
			beam = *q.Beam
		}
		info := storage.SelectionInfo{
			Source:   config.Query.Directory,
			Kind:     q.Kind,
			Bandpass: q.Bandpass,
			Beam:     beam,
			Config:   config,
		}
		if err = export(ctx, config.Storage, info, data, logger); err != nil {
			return err
		}
	}

	return renderSpectrum(config, data, logger)
}

// RenderStored renders a selection previously exported to the database.
func RenderStored(ctx context.Context, config *Config, selectionID int64, logger *slog.Logger) error {
	dbPath := config.Storage.Database
	if dbPath == "" {
		return errors.New("database path is required")
	}
	if _, err := os.Stat(dbPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", dbPath, err)
	}

	store := storage.NewSqliteStore(dbPath)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	var opts []storage.ReaderOption
	var filters []any
	if q := config.Query; q.TimeStart != nil || q.TimeEnd != nil {
		start, end := math.Inf(-1), math.Inf(1)
		if q.TimeStart != nil {
			start = spectrum.UnixSeconds(q.TimeStart.Time)
			filters = append(filters, slog.String("timeStart", q.TimeStart.String()))
		}
		if q.TimeEnd != nil {
			end = spectrum.UnixSeconds(q.TimeEnd.Time)
			filters = append(filters, slog.String("timeEnd", q.TimeEnd.String()))
		}
		opts = append(opts, storage.WithTimeRange(start, end))
	}
	if q := config.Query; q.FreqMin != nil || q.FreqMax != nil {
		lo, hi := math.Inf(-1), math.Inf(1)
		if q.FreqMin != nil {
			lo = *q.FreqMin
			filters = append(filters, slog.String("freqMin", formatFrequency(lo)))
		}
		if q.FreqMax != nil {
			hi = *q.FreqMax
			filters = append(filters, slog.String("freqMax", formatFrequency(hi)))
		}
		opts = append(opts, storage.WithFreqRange(lo, hi))
	}

	logger.Info("reader configuration", append(filters, slog.Int64("selection", selectionID))...)

	data, err := store.ReadSpecData(ctx, selectionID, opts...)
	if err != nil {
		return err
	}
	if data, err = postProcess(data, config.Query); err != nil {
		return err
	}
	logStats(logger, data)

	return renderSpectrum(config, data, logger)
}

// Selections prints the selections exported to the database at dbPath.
func Selections(ctx context.Context, dbPath string, w io.Writer) (err error) {
	if _, err = os.Stat(dbPath); err != nil {
		return fmt.Errorf("database file '%s': %w", dbPath, err)
	}

	store := storage.NewSqliteStore(dbPath)
	defer func() {
		if cErr := store.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	infos, err := store.Selections(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSTOKES\tBANDPASS\tBEAM\tSOURCE")
	for _, info := range infos {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			info.ID, humanize.Time(info.CreatedAt), info.Kind, info.Bandpass, info.Beam, info.Source)
	}
	return tw.Flush()
}

func postProcess(data *spectrum.SpecData, q QueryConfig) (*spectrum.SpecData, error) {
	var err error
	if q.RemoveBackground {
		if data, err = data.RemoveBackground(); err != nil {
			return nil, fmt.Errorf("removing background: %w", err)
		}
	}
	if q.MedianFilter > 0 {
		if data, err = data.MedianFilter(q.MedianFilter); err != nil {
			return nil, fmt.Errorf("filtering spikes: %w", err)
		}
	}
	return data, nil
}

func export(ctx context.Context, config StorageConfig, info storage.SelectionInfo, data *spectrum.SpecData, logger *slog.Logger) (err error) {
	var options []func(*storage.SqliteStore)
	if config.MaxBatchSize > 0 {
		options = append(options, storage.WithMaxBatchSize(config.MaxBatchSize))
	}

	store := storage.NewSqliteStore(config.Database, options...)
	defer func() {
		if cErr := store.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing store: %w", cErr)
		}
	}()

	id, err := store.CreateSelection(ctx, info)
	if err != nil {
		return fmt.Errorf("creating selection: %w", err)
	}
	if err = store.StoreSpecData(ctx, id, data); err != nil {
		return fmt.Errorf("storing selection %d: %w", id, err)
	}

	logger.Info("exported dynamic spectrum",
		slog.String("database", config.Database),
		slog.Int64("selection", id))
	return nil
}

func renderSpectrum(config *Config, data *spectrum.SpecData, logger *slog.Logger) error {
	loc, err := config.Output.location()
	if err != nil {
		return err
	}

	var values mat.Matrix = data.Amp()
	unit := "amp"
	if config.Output.Scale == ScaleDB {
		values, unit = data.DB(), "dB"
	}

	renderer := NewSpectrumRenderer(RenderConfig{
		Location:   loc,
		ColorTheme: config.Output.Theme,
		Unit:       unit,
	})

	nt, nf := data.Shape()
	outputFile := config.OutputFile()
	logger.Info("rendering spectrum",
		slog.Group("image",
			slog.String("destination", outputFile),
			slog.String("format", string(config.Output.Format)),
			slog.String("theme", string(config.Output.Theme)),
			slog.String("scale", string(config.Output.Scale)),
			slog.Int("times", nt),
			slog.Int("frequencies", nf),
		))

	img, err := renderer.Render(data, values)
	if err != nil {
		return fmt.Errorf("rendering spectrum: %w", err)
	}
	return writeImage(outputFile, img, config.Output.Format)
}

func queryAttrs(q catalog.Query, config *Config, mode Mode) []any {
	attrs := []any{
		slog.String("mode", mode.String()),
		slog.String("stokes", q.Kind.String()),
		slog.String("bandpass", q.Bandpass.String()),
	}
	if q.Beam != nil {
		attrs = append(attrs, slog.Int("beam", *q.Beam))
	}
	if q.Time != nil {
		attrs = append(attrs, slog.String("time", q.Time.String()))
	}
	if q.Freq != nil {
		attrs = append(attrs, slog.String("freq", q.Freq.String()))
	}
	if mode == ModeAverage {
		attrs = append(attrs,
			slog.String("timeStep", config.Query.TimeStep.String()),
			slog.String("freqStep", formatFrequency(config.Query.FreqStep)))
	}
	return attrs
}

func logStats(logger *slog.Logger, data *spectrum.SpecData) {
	nt, nf := data.Shape()
	fMin, fMax := data.FreqRange()
	bounds := PercentileBounds(data.Data)

	logger.Info("finished reading data",
		slog.Group("stats",
			slog.String("start", data.Start().UTC().Format(time.DateTime)),
			slog.String("end", data.End().UTC().Format(time.DateTime)),
			slog.String("freqMin", formatFrequency(fMin)),
			slog.String("freqMax", formatFrequency(fMax)),
			slog.Int("times", nt),
			slog.Int("frequencies", nf),
			slog.Float64("p5", bounds.Min),
			slog.Float64("p95", bounds.Max),
		))
}
