package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AlanLoh/nenupy-tf/internal/catalog"
	"github.com/AlanLoh/nenupy-tf/internal/lane"
	"github.com/AlanLoh/nenupy-tf/internal/spectrum"
	"github.com/AlanLoh/nenupy-tf/internal/stokes"
	"gopkg.in/yaml.v3"
)

const (
	ImagePNG  ImageFormat = "png"
	ImageJPEG ImageFormat = "jpeg"

	ScaleLinear Scale = "linear"
	ScaleDB     Scale = "db"
)

type ImageFormat string

// Scale selects the amplitude view rendered in the heatmap.
type Scale string

var (
	validImageFormats = map[ImageFormat]struct{}{
		ImagePNG:  {},
		ImageJPEG: {},
	}

	validScales = map[Scale]struct{}{
		ScaleLinear: {},
		ScaleDB:     {},
	}

	validThemes = map[ColorTheme]struct{}{
		ClassicTheme:   {},
		GrayscaleTheme: {},
		JungleTheme:    {},
		ThermalTheme:   {},
		MarineTheme:    {},
	}

	validLogLevels = map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
)

// Config represents a dynspec query file
type Config struct {
	Settings Settings      `yaml:"settings" json:"-"`
	Query    QueryConfig   `yaml:"query" json:"query"`
	Output   OutputConfig  `yaml:"output" json:"output"`
	Storage  StorageConfig `yaml:"storage" json:"-"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel       string  `yaml:"logLevel"`
	Workers        int     `yaml:"workers"`        // concurrent lane files, number of CPUs when zero
	MemoryFraction float64 `yaml:"memoryFraction"` // share of available memory, 0.9 when zero
}

// QueryConfig describes the dynamic spectrum to extract
type QueryConfig struct {
	Directory string          `yaml:"directory" json:"directory"`
	Stokes    stokes.Kind     `yaml:"stokes" json:"stokes"`
	Bandpass  stokes.Bandpass `yaml:"bandpass" json:"bandpass"`
	Beam      *int            `yaml:"beam" json:"beam,omitempty"`

	TimeStart *Timestamp `yaml:"timeStart" json:"timeStart,omitempty"`
	TimeEnd   *Timestamp `yaml:"timeEnd" json:"timeEnd,omitempty"`
	FreqMin   *float64   `yaml:"freqMin" json:"freqMin,omitempty"` // MHz
	FreqMax   *float64   `yaml:"freqMax" json:"freqMax,omitempty"` // MHz

	// Averaging steps, used by the average command only
	TimeStep TimeDuration `yaml:"timeStep" json:"timeStep,omitempty"`
	FreqStep float64      `yaml:"freqStep" json:"freqStep,omitempty"` // MHz

	RemoveBackground bool `yaml:"removeBackground" json:"removeBackground,omitempty"`
	MedianFilter     int  `yaml:"medianFilter" json:"medianFilter,omitempty"` // odd kernel, off when zero
}

// OutputConfig represents heatmap settings
type OutputConfig struct {
	File     string      `yaml:"file" json:"file"` // extension appended from Format
	Format   ImageFormat `yaml:"format" json:"format"`
	Theme    ColorTheme  `yaml:"theme" json:"theme"`
	Scale    Scale       `yaml:"scale" json:"scale"`
	TimeZone string      `yaml:"timeZone" json:"timeZone,omitempty"`
}

// StorageConfig represents the optional SQLite export
type StorageConfig struct {
	Database     string `yaml:"database"`
	MaxBatchSize int    `yaml:"maxBatchSize"`
}

// NewConfig returns a configuration holding the defaults
func NewConfig() *Config {
	return &Config{
		Settings: Settings{LogLevel: "info"},
		Query: QueryConfig{
			Stokes:   stokes.I,
			Bandpass: stokes.BandpassKaiser,
		},
		Output: OutputConfig{
			Format: ImagePNG,
			Theme:  ClassicTheme,
			Scale:  ScaleDB,
		},
	}
}

// LoadConfig reads a YAML query file over the defaults. Unknown keys are rejected.
func LoadConfig(path string) (cfg *Config, err error) {
	cfg = NewConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err = dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings that do not depend on the observation
func (c *Config) Validate() error {
	if _, ok := validLogLevels[strings.ToLower(c.Settings.LogLevel)]; !ok {
		return fmt.Errorf("invalid log level: %s", c.Settings.LogLevel)
	}
	if c.Settings.Workers < 0 {
		return fmt.Errorf("workers must not be negative: %d", c.Settings.Workers)
	}
	if c.Settings.MemoryFraction < 0 || c.Settings.MemoryFraction > 1 {
		return fmt.Errorf("memory fraction must be within [0, 1]: %g", c.Settings.MemoryFraction)
	}

	if !c.Query.Stokes.Valid() {
		return fmt.Errorf("invalid stokes parameter: %d", c.Query.Stokes)
	}
	if c.Query.TimeStart != nil && c.Query.TimeEnd != nil && c.Query.TimeEnd.Before(c.Query.TimeStart.Time) {
		return fmt.Errorf("time start %s is after time end %s", c.Query.TimeStart, c.Query.TimeEnd)
	}
	if c.Query.FreqMin != nil && c.Query.FreqMax != nil && *c.Query.FreqMax < *c.Query.FreqMin {
		return fmt.Errorf("min frequency %g is greater than max frequency %g", *c.Query.FreqMin, *c.Query.FreqMax)
	}
	if err := c.Query.TimeStep.Validate(); err != nil {
		return err
	}
	if c.Query.FreqStep < 0 {
		return fmt.Errorf("frequency step must not be negative: %g", c.Query.FreqStep)
	}
	if c.Query.MedianFilter < 0 || (c.Query.MedianFilter > 0 && c.Query.MedianFilter%2 == 0) {
		return fmt.Errorf("median filter kernel must be odd: %d", c.Query.MedianFilter)
	}

	if c.Output.File == "" {
		return errors.New("output file is required")
	}
	if _, ok := validImageFormats[c.Output.Format]; !ok {
		return fmt.Errorf("invalid image format: %s", c.Output.Format)
	}
	if _, ok := validThemes[c.Output.Theme]; !ok {
		return fmt.Errorf("invalid color theme: %s", c.Output.Theme)
	}
	if _, ok := validScales[c.Output.Scale]; !ok {
		return fmt.Errorf("invalid scale: %s", c.Output.Scale)
	}
	if _, err := c.Output.location(); err != nil {
		return err
	}
	if c.Storage.MaxBatchSize < 0 {
		return fmt.Errorf("max batch size must not be negative: %d", c.Storage.MaxBatchSize)
	}
	return nil
}

// ValidateAveraging checks the steps required by the average command
func (c *Config) ValidateAveraging() error {
	if c.Query.TimeStep <= 0 {
		return errors.New("time step is required")
	}
	if c.Query.FreqStep <= 0 {
		return errors.New("frequency step is required")
	}
	return nil
}

// LogLevel returns the parsed Settings.LogLevel, info when invalid
func (c *Config) LogLevel() slog.Level {
	if level, ok := validLogLevels[strings.ToLower(c.Settings.LogLevel)]; ok {
		return level
	}
	return slog.LevelInfo
}

// OutputFile returns the image path with the format extension appended
func (c *Config) OutputFile() string {
	if strings.HasSuffix(strings.ToLower(c.Output.File), "."+string(c.Output.Format)) {
		return c.Output.File
	}
	return fmt.Sprintf("%s.%s", c.Output.File, c.Output.Format)
}

func (o OutputConfig) location() (*time.Location, error) {
	if o.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(o.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %s: %w", o.TimeZone, err)
	}
	return loc, nil
}

// build turns the query into a catalog query. A range given by one end only
// is completed with the observed bounds of the beam.
func (q QueryConfig) build(c *catalog.Catalog) (catalog.Query, error) {
	query := catalog.Query{
		Kind:     q.Stokes,
		Bandpass: q.Bandpass,
		Beam:     q.Beam,
	}

	beam := c.Beams()[0]
	if q.Beam != nil {
		beam = *q.Beam
	}

	if q.TimeStart != nil || q.TimeEnd != nil {
		tMin, tMax, err := c.TimeBounds(beam)
		if err != nil {
			return query, err
		}
		if q.TimeStart != nil {
			tMin = spectrum.UnixSeconds(q.TimeStart.Time)
		}
		if q.TimeEnd != nil {
			tMax = spectrum.UnixSeconds(q.TimeEnd.Time)
		}
		query.Time = &lane.Range{Min: tMin, Max: tMax}
	}

	if q.FreqMin != nil || q.FreqMax != nil {
		fMin, fMax, err := c.FreqBounds(beam)
		if err != nil {
			return query, err
		}
		if q.FreqMin != nil {
			fMin = *q.FreqMin
		}
		if q.FreqMax != nil {
			fMax = *q.FreqMax
		}
		query.Freq = &lane.Range{Min: fMin, Max: fMax}
	}

	return query, nil
}

// Timestamp is a point in time given either as RFC 3339 text or as Unix seconds.
type Timestamp struct {
	time.Time
}

// ParseTimestamp parses RFC 3339 text or fractional Unix seconds
func ParseTimestamp(s string) (Timestamp, error) {
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		return Timestamp{spectrum.UnixTime(sec).UTC()}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("app.Timestamp: failed to parse %q: %w", s, err)
	}
	return Timestamp{t}, nil
}

func (t *Timestamp) UnmarshalYAML(value *yaml.Node) error {
	ts, err := ParseTimestamp(value.Value)
	if err != nil {
		return err
	}
	*t = ts
	return nil
}

func (t Timestamp) String() string {
	return t.UTC().Format(time.RFC3339Nano)
}

// TimeDuration is a time.Duration written as "500ms" or "2m" in YAML and JSON.
type TimeDuration time.Duration

func parseTimeDuration(s string) (TimeDuration, error) {
	duration, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}
	return TimeDuration(duration), nil
}

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := parseTimeDuration(value.Value)
	if err != nil {
		return err
	}

	*d = duration
	return nil
}

func (d TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d TimeDuration) String() string {
	return time.Duration(d).String()
}

// Seconds returns the duration in fractional seconds
func (d TimeDuration) Seconds() float64 {
	return time.Duration(d).Seconds()
}

func (d TimeDuration) Validate() error {
	if d < 0 {
		return fmt.Errorf("app.TimeDuration: must not be negative: %s", d)
	}
	return nil
}
