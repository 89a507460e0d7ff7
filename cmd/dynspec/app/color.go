package app

import (
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// ColorTheme represents a predefined color scheme for amplitude visualization
type ColorTheme string

const (
	ClassicTheme   ColorTheme = "classic"   // Blue to red hue ramp
	GrayscaleTheme ColorTheme = "grayscale" // Black to white transition
	JungleTheme    ColorTheme = "jungle"    // Dark green to yellow transition
	ThermalTheme   ColorTheme = "thermal"   // Black to red to yellow to white
	MarineTheme    ColorTheme = "marine"    // Deep blue to cyan to white

	DefaultColorMapSize = 256 // Default number of colors in the map

	hueStart = 236.0
	hueEnd   = 0.0
)

// noDataColor paints cells without data, such as gaps filled with NaN
var noDataColor = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

// ColorMapper maps amplitudes to a pre-computed color ramp
type ColorMapper struct {
	colorMap      []color.Color // Pre-computed colors
	theme         func(float64) color.Color
	size          int
	bounds        ValueBounds
	valuePerIndex float64
}

// NewColorMapper creates a color mapper with the default map size
func NewColorMapper(theme ColorTheme, bounds ValueBounds) *ColorMapper {
	return NewColorMapperWithSize(theme, bounds, DefaultColorMapSize)
}

// NewColorMapperWithSize creates a color mapper of size pre-computed colors
func NewColorMapperWithSize(theme ColorTheme, bounds ValueBounds, size int) *ColorMapper {
	if size <= 1 {
		size = DefaultColorMapSize
	}

	cm := &ColorMapper{
		colorMap: make([]color.Color, size),
		theme:    getColorTheme(theme),
		size:     size,
	}
	for i := range cm.colorMap {
		cm.colorMap[i] = cm.theme(float64(i) / float64(size-1))
	}
	cm.UpdateBounds(bounds)
	return cm
}

// UpdateBounds changes the amplitude range spread over the color ramp
func (cm *ColorMapper) UpdateBounds(bounds ValueBounds) {
	cm.bounds = bounds
	cm.valuePerIndex = (bounds.Max - bounds.Min) / float64(cm.size-1)
}

// GetColor returns the color of v. Values outside the bounds saturate.
func (cm *ColorMapper) GetColor(v float64) color.Color {
	if math.IsNaN(v) {
		return noDataColor
	}
	if cm.valuePerIndex <= 0 {
		return cm.colorMap[cm.size/2]
	}

	index := int((v - cm.bounds.Min) / cm.valuePerIndex)
	if index < 0 {
		return cm.colorMap[0]
	}
	if index >= cm.size {
		return cm.colorMap[cm.size-1]
	}
	return cm.colorMap[index]
}

func getColorTheme(theme ColorTheme) func(float64) color.Color {
	switch theme {
	case GrayscaleTheme:
		return func(v float64) color.Color {
			g := math.Pow(v, 0.7)
			return colorful.Color{R: g, G: g, B: g}
		}

	case JungleTheme:
		return func(v float64) color.Color {
			return colorful.Hsv(120-(v*60), 1, 0.3+(math.Pow(v, 0.6)*0.7))
		}

	case ThermalTheme:
		return func(v float64) color.Color {
			switch {
			case v < 0.33:
				return colorful.Color{R: v * 3}
			case v < 0.66:
				return colorful.Color{R: 1, G: (v - 0.33) * 3}
			default:
				return colorful.Color{R: 1, G: 1, B: math.Min(1, (v-0.66)*3)}
			}
		}

	case MarineTheme:
		return func(v float64) color.Color {
			return colorful.Hsv(240-(v*60), 1-(v*0.8), 0.3+(math.Pow(v, 0.6)*0.7))
		}

	default:
		return func(v float64) color.Color {
			return colorful.Hsv(hueStart-(v*(hueStart-hueEnd)), 1, 0.90)
		}
	}
}
