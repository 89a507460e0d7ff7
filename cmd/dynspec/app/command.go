package app

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/AlanLoh/nenupy-tf/internal/stokes"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the dynspec command tree. The log level of logger
// follows level, which is set from the configuration and --log-level.
func NewRootCommand(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "dynspec",
		Short: "Decode NenuFAR lane files into dynamic spectra",
		Long: `dynspec reads the beamlet records of NenuFAR lane files (*.spectra),
reconstructs a Stokes parameter, corrects the polyphase filter bandpass
and renders the resulting dynamic spectrum as a heatmap.

Commands:
  info        List the lanes and beams of an observation directory
  select      Extract a time/frequency window at native resolution
  average     Rebin a window to coarser time and frequency steps
  selections  List the dynamic spectra exported to a database
  render      Render an exported dynamic spectrum`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML query file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	load := func(cmd *cobra.Command) (*Config, error) {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Settings.LogLevel = logLevel
		}
		if _, ok := validLogLevels[strings.ToLower(cfg.Settings.LogLevel)]; !ok {
			return nil, fmt.Errorf("invalid log level: %s", cfg.Settings.LogLevel)
		}
		level.Set(cfg.LogLevel())
		return cfg, nil
	}

	root.AddCommand(
		newInfoCommand(load, logger),
		newExtractCommand(load, logger, ModeSelect),
		newExtractCommand(load, logger, ModeAverage),
		newSelectionsCommand(load),
		newRenderCommand(load, logger),
	)
	return root
}

type configLoader func(cmd *cobra.Command) (*Config, error)

func newInfoCommand(load configLoader, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "info [directory]",
		Short: "List the lanes and beams of an observation directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Query.Directory = args[0]
			}
			if cfg.Query.Directory == "" {
				return fmt.Errorf("lane file directory is required")
			}
			return Info(cfg.Query.Directory, cmd.OutOrStdout(), logger)
		},
	}
}

func newExtractCommand(load configLoader, logger *slog.Logger, mode Mode) *cobra.Command {
	var flags queryFlags

	cmd := &cobra.Command{
		Use:  mode.String() + " [directory]",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Query.Directory = args[0]
			}
			if err = flags.apply(cmd, cfg); err != nil {
				return err
			}
			if err = cfg.Validate(); err != nil {
				return err
			}
			if mode == ModeAverage {
				if err = cfg.ValidateAveraging(); err != nil {
					return err
				}
			}
			return Extract(cmd.Context(), cfg, mode, logger)
		},
	}

	switch mode {
	case ModeAverage:
		cmd.Short = "Rebin a window to coarser time and frequency steps"
	default:
		cmd.Short = "Extract a time/frequency window at native resolution"
	}

	flags.register(cmd, mode)
	return cmd
}

func newSelectionsCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "selections [database]",
		Short: "List the dynamic spectra exported to a database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Storage.Database = args[0]
			}
			if cfg.Storage.Database == "" {
				return fmt.Errorf("database path is required")
			}
			return Selections(cmd.Context(), cfg.Storage.Database, cmd.OutOrStdout())
		},
	}
}

func newRenderCommand(load configLoader, logger *slog.Logger) *cobra.Command {
	var flags queryFlags

	cmd := &cobra.Command{
		Use:   "render <selection id>",
		Short: "Render an exported dynamic spectrum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid selection id: %s", args[0])
			}

			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err = flags.apply(cmd, cfg); err != nil {
				return err
			}
			if err = cfg.Validate(); err != nil {
				return err
			}
			return RenderStored(cmd.Context(), cfg, id, logger)
		},
	}

	flags.register(cmd, ModeSelect)
	return cmd
}

// queryFlags override the values of the query file
type queryFlags struct {
	stokes, bandpass   string
	beam               int
	timeStart, timeEnd string
	freqMin, freqMax   float64
	timeStep           string
	freqStep           float64
	removeBackground   bool
	medianFilter       int

	output, format, theme, scale, timeZone string
	database                               string
	workers                                int
}

func (f *queryFlags) register(cmd *cobra.Command, mode Mode) {
	fs := cmd.Flags()
	fs.StringVarP(&f.stokes, "stokes", "s", stokes.I.String(), "stokes parameter (I, Q, U, V, fracV, XX, YY, argXY, phaseXY)")
	fs.StringVarP(&f.bandpass, "bandpass", "b", stokes.BandpassKaiser.String(), "bandpass correction (kaiser, none, median, fft)")
	fs.IntVar(&f.beam, "beam", 0, "beam id, the lowest observed beam when unset")
	fs.StringVar(&f.timeStart, "time-start", "", "window start, RFC 3339 or Unix seconds")
	fs.StringVar(&f.timeEnd, "time-end", "", "window end, RFC 3339 or Unix seconds")
	fs.Float64Var(&f.freqMin, "freq-min", 0, "window lower frequency in MHz")
	fs.Float64Var(&f.freqMax, "freq-max", 0, "window upper frequency in MHz")
	fs.BoolVar(&f.removeBackground, "remove-background", false, "subtract the separable background")
	fs.IntVar(&f.medianFilter, "median-filter", 0, "odd median filter kernel for spike removal")

	fs.StringVarP(&f.output, "output", "o", "", "path to the output image, extension appended from the format")
	fs.StringVarP(&f.format, "format", "f", string(ImagePNG), "output image format (png, jpeg)")
	fs.StringVar(&f.theme, "theme", string(ClassicTheme), "color theme (classic, grayscale, jungle, thermal, marine)")
	fs.StringVar(&f.scale, "scale", string(ScaleDB), "amplitude scale (db, linear)")
	fs.StringVar(&f.timeZone, "tz", "", "time zone of the time labels, UTC when unset")
	fs.StringVar(&f.database, "db", "", "path to the SQLite database")
	fs.IntVar(&f.workers, "workers", 0, "lane files decoded concurrently, number of CPUs when unset")

	if mode == ModeAverage {
		fs.StringVar(&f.timeStep, "dt", "", "time step, e.g. 500ms or 1m")
		fs.Float64Var(&f.freqStep, "df", 0, "frequency step in MHz")
	}
}

func (f *queryFlags) apply(cmd *cobra.Command, cfg *Config) error {
	fs := cmd.Flags()

	var err error
	if fs.Changed("stokes") {
		if cfg.Query.Stokes, err = stokes.ParseKind(f.stokes); err != nil {
			return err
		}
	}
	if fs.Changed("bandpass") {
		if cfg.Query.Bandpass, err = stokes.ParseBandpass(f.bandpass); err != nil {
			return err
		}
	}
	if fs.Changed("beam") {
		beam := f.beam
		cfg.Query.Beam = &beam
	}
	if fs.Changed("time-start") {
		ts, err := ParseTimestamp(f.timeStart)
		if err != nil {
			return err
		}
		cfg.Query.TimeStart = &ts
	}
	if fs.Changed("time-end") {
		ts, err := ParseTimestamp(f.timeEnd)
		if err != nil {
			return err
		}
		cfg.Query.TimeEnd = &ts
	}
	if fs.Changed("freq-min") {
		v := f.freqMin
		cfg.Query.FreqMin = &v
	}
	if fs.Changed("freq-max") {
		v := f.freqMax
		cfg.Query.FreqMax = &v
	}
	if fs.Changed("dt") {
		d, err := parseTimeDuration(f.timeStep)
		if err != nil {
			return err
		}
		cfg.Query.TimeStep = d
	}
	if fs.Changed("df") {
		cfg.Query.FreqStep = f.freqStep
	}
	if fs.Changed("remove-background") {
		cfg.Query.RemoveBackground = f.removeBackground
	}
	if fs.Changed("median-filter") {
		cfg.Query.MedianFilter = f.medianFilter
	}

	if fs.Changed("output") {
		cfg.Output.File = f.output
	}
	if fs.Changed("format") {
		cfg.Output.Format = ImageFormat(strings.ToLower(f.format))
	}
	if fs.Changed("theme") {
		cfg.Output.Theme = ColorTheme(strings.ToLower(f.theme))
	}
	if fs.Changed("scale") {
		cfg.Output.Scale = Scale(strings.ToLower(f.scale))
	}
	if fs.Changed("tz") {
		cfg.Output.TimeZone = f.timeZone
	}
	if fs.Changed("db") {
		cfg.Storage.Database = f.database
	}
	if fs.Changed("workers") {
		cfg.Settings.Workers = f.workers
	}
	return nil
}
