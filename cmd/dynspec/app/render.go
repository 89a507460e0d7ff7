package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"
	"time"

	"github.com/AlanLoh/nenupy-tf/internal/spectrum"
	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"gonum.org/v1/gonum/mat"
)

const (
	dpi            = 120.0
	fontSize       = 10.0
	tickMarkHeight = 5
	pixelsPerLabel = 150.0
	minAreaSize    = 512 // spectrum area side below which cells are enlarged

	// Default border sizes in pixels
	defaultTopBorder    = 40
	defaultLeftBorder   = 90
	defaultBottomBorder = 40
	defaultRightBorder  = 40

	defaultTimeFormat     = "15:04:05"
	defaultDatetimeFormat = time.DateTime
)

// BorderConfig defines the sizes of white space around the spectrum
type BorderConfig struct {
	Top    int // Space for frequency scale
	Left   int // Space for time scale
	Bottom int // Space for information bar
	Right  int // Right padding
}

// RenderConfig holds all configuration options for spectrum visualization
type RenderConfig struct {
	TimeFormat     string         // Format string for time labels
	DatetimeFormat string         // Format string for the information bar
	Location       *time.Location // Timezone for time display

	FontSize     float64
	ColorTheme   ColorTheme
	ColorMapSize int    // Number of colors in the ramp (0 for default)
	Unit         string // Amplitude unit shown in the information bar

	BorderConfig BorderConfig
}

// SpectrumRenderer draws a dynamic spectrum with time running down and
// frequency running right.
type SpectrumRenderer struct {
	config RenderConfig
}

// NewSpectrumRenderer creates a new spectrum renderer with the given configuration
func NewSpectrumRenderer(config RenderConfig) *SpectrumRenderer {
	if config.TimeFormat == "" {
		config.TimeFormat = defaultTimeFormat
	}
	if config.DatetimeFormat == "" {
		config.DatetimeFormat = defaultDatetimeFormat
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.BorderConfig.Top == 0 {
		config.BorderConfig.Top = defaultTopBorder
	}
	if config.BorderConfig.Left == 0 {
		config.BorderConfig.Left = defaultLeftBorder
	}
	if config.BorderConfig.Bottom == 0 {
		config.BorderConfig.Bottom = defaultBottomBorder
	}
	if config.BorderConfig.Right == 0 {
		config.BorderConfig.Right = defaultRightBorder
	}

	return &SpectrumRenderer{config: config}
}

// cellSize enlarges cells of small spectra so the area stays readable
func cellSize(nt, nf int) (w, h int) {
	return max(1, minAreaSize/max(nf, 1)), max(1, minAreaSize/max(nt, 1))
}

// Render creates an image of values, laid out along the axes of spec
func (r *SpectrumRenderer) Render(spec *spectrum.SpecData, values mat.Matrix) (*image.RGBA, error) {
	nt, nf := spec.Shape()
	if rows, cols := values.Dims(); rows != nt || cols != nf {
		return nil, fmt.Errorf("%w: %dx%d values for a %dx%d spectrum", spectrum.ErrShape, rows, cols, nt, nf)
	}

	cw, ch := cellSize(nt, nf)
	width, height := nf*cw, nt*ch

	b := r.config.BorderConfig
	img := image.NewRGBA(image.Rect(0, 0, width+b.Left+b.Right, height+b.Top+b.Bottom))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	area := image.Rect(b.Left, b.Top, b.Left+width, b.Top+height)

	bounds := PercentileBounds(values)
	colorMap := NewColorMapperWithSize(r.config.ColorTheme, bounds, r.config.ColorMapSize)

	ann, err := newAnnotator(annotatorConfig{
		TimeFormat:     r.config.TimeFormat,
		DatetimeFormat: r.config.DatetimeFormat,
		Location:       r.config.Location,
		FontSize:       r.config.FontSize,
		Borders:        b,
		Unit:           r.config.Unit,
	})
	if err != nil {
		return nil, fmt.Errorf("creating annotator: %w", err)
	}
	defer ann.Close()

	if err = ann.annotate(img, area, spec, bounds); err != nil {
		return nil, fmt.Errorf("drawing annotations: %w", err)
	}

	for i := 0; i < nt; i++ {
		for j := 0; j < nf; j++ {
			cell := image.Rect(area.Min.X+j*cw, area.Min.Y+i*ch, area.Min.X+(j+1)*cw, area.Min.Y+(i+1)*ch)
			draw.Draw(img, cell, image.NewUniform(colorMap.GetColor(values.At(i, j))), image.Point{}, draw.Src)
		}
	}

	return img, nil
}

type annotatorConfig struct {
	TimeFormat     string
	DatetimeFormat string
	Location       *time.Location
	FontSize       float64
	Borders        BorderConfig
	Unit           string
}

type annotator struct {
	context  *freetype.Context
	config   annotatorConfig
	fontFace font.Face
}

func newAnnotator(config annotatorConfig) (*annotator, error) {
	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(config.FontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	return &annotator{
		context: ctx,
		config:  config,
		fontFace: truetype.NewFace(parsedFont, &truetype.Options{
			Size:    config.FontSize,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
	}, nil
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) annotate(img *image.RGBA, area image.Rectangle, spec *spectrum.SpecData, bounds ValueBounds) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	ops := []struct {
		msg string
		fn  func() error
	}{
		{"drawing frequency scale", func() error { return a.drawFrequencyScale(img, area, spec) }},
		{"drawing time scale", func() error { return a.drawTimeScale(img, area, spec) }},
		{"drawing info bar", func() error { return a.drawInfoBar(img, area, spec, bounds) }},
	}
	for _, op := range ops {
		if err := op.fn(); err != nil {
			return fmt.Errorf("%s: %w", op.msg, err)
		}
	}
	return nil
}

// axisPosition maps v within [lo, hi] onto size pixels
func axisPosition(v, lo, hi float64, size int) int {
	if hi <= lo {
		return 0
	}
	return int((v - lo) / (hi - lo) * float64(size-1))
}

func (a *annotator) drawFrequencyScale(img *image.RGBA, area image.Rectangle, spec *spectrum.SpecData) error {
	fMin, fMax := spec.FreqRange()
	step := calculateNiceStep(fMax-fMin, area.Dx(), frequencySteps)

	metrics := a.fontFace.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()
	textY := area.Min.Y - fontHeight/2

	for freq := math.Ceil(fMin/step) * step; freq <= fMax; freq += step {
		x := area.Min.X + axisPosition(freq, fMin, fMax, area.Dx())

		for y := area.Min.Y - tickMarkHeight; y < area.Min.Y; y++ {
			img.Set(x, y, color.Black)
		}

		label := formatFrequency(freq)
		width := font.MeasureString(a.fontFace, label)
		if _, err := a.context.DrawString(label, freetype.Pt(x-width.Round()/2, textY)); err != nil {
			return fmt.Errorf("drawing frequency label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawTimeScale(img *image.RGBA, area image.Rectangle, spec *spectrum.SpecData) error {
	tMin, tMax := spec.TimeRange()
	step := calculateNiceStep(tMax-tMin, area.Dy(), timeSteps)

	metrics := a.fontFace.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()

	for t := math.Ceil(tMin/step) * step; t <= tMax; t += step {
		y := area.Min.Y + axisPosition(t, tMin, tMax, area.Dy())

		for x := area.Min.X - tickMarkHeight; x < area.Min.X; x++ {
			img.Set(x, y, color.Black)
		}

		label := spectrum.UnixTime(t).In(a.config.Location).Format(a.config.TimeFormat)
		textY := y + fontHeight/2 - metrics.Descent.Round()
		if _, err := a.context.DrawString(label, freetype.Pt(10, textY)); err != nil {
			return fmt.Errorf("drawing time label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawInfoBar(img *image.RGBA, area image.Rectangle, spec *spectrum.SpecData, bounds ValueBounds) error {
	fMin, fMax := spec.FreqRange()
	nt, nf := spec.Shape()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Stokes %s; ", spec.Kind))
	sb.WriteString(fmt.Sprintf("Freq: %s - %s; ", formatFrequency(fMin), formatFrequency(fMax)))
	sb.WriteString(fmt.Sprintf("Time: %s - %s; ",
		spec.Start().In(a.config.Location).Format(a.config.DatetimeFormat),
		spec.End().In(a.config.Location).Format(a.config.DatetimeFormat)))
	sb.WriteString(fmt.Sprintf("%dx%d; ", nt, nf))
	sb.WriteString(fmt.Sprintf("Range: %.3g - %.3g %s", bounds.Min, bounds.Max, a.config.Unit))

	metrics := a.fontFace.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()
	textY := img.Bounds().Max.Y - (a.config.Borders.Bottom-fontHeight)/2 - metrics.Descent.Round()

	if _, err := a.context.DrawString(strings.TrimSpace(sb.String()), freetype.Pt(area.Min.X, textY)); err != nil {
		return fmt.Errorf("drawing info text: %w", err)
	}
	return nil
}

var (
	// Frequency steps in MHz
	frequencySteps = []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50}

	// Time steps in seconds
	timeSteps = []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 900, 1800, 3600, 7200, 14400}
)

// calculateNiceStep picks the smallest standard step that leaves at least
// pixelsPerLabel pixels between labels, or half the span when none does.
func calculateNiceStep(span float64, size int, steps []float64) float64 {
	if span <= 0 {
		return 1
	}
	desiredSteps := max(float64(size)/pixelsPerLabel, 1)
	target := span / desiredSteps

	for _, step := range steps {
		if step >= target {
			return step
		}
	}
	return span / 2
}

// formatFrequency renders a frequency in MHz with an SI prefix
func formatFrequency(mhz float64) string {
	value, prefix := humanize.ComputeSI(mhz * 1e6)
	return fmt.Sprintf("%0.2f %sHz", value, prefix)
}
