package render

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
)

// paperSize holds preset page dimensions in inches, the unit Chrome's
// printToPDF call works in.
type paperSize struct {
	Width  float64
	Height float64
}

// presets are the named paper sizes understood by the service. Keys are
// canonical display names; lookup is case-insensitive.
var presets = map[string]paperSize{
	"A4":      {Width: 8.27, Height: 11.69},
	"Letter":  {Width: 8.5, Height: 11},
	"Legal":   {Width: 8.5, Height: 14},
	"Tabloid": {Width: 11, Height: 17},
}

// PresetNames returns the supported preset names with their dimensions in
// inches, for boundary discovery endpoints.
func PresetNames() map[string][2]float64 {
	out := make(map[string][2]float64, len(presets))
	for name, s := range presets {
		out[name] = [2]float64{s.Width, s.Height}
	}
	return out
}

// PageGeometry is either a named preset or an explicit width/height pair.
// The zero value is a custom geometry with both dimensions blank, which
// defers entirely to the engine's default paper size. Construct values via
// PresetGeometry or CustomGeometry so that preset and explicit dimensions can
// never be set at the same time.
type PageGeometry struct {
	preset string
	width  string
	height string
}

// PresetGeometry returns the geometry for a named paper size. The name is
// matched case-insensitively against the supported presets.
func PresetGeometry(name string) (PageGeometry, error) {
	for canonical := range presets {
		if strings.EqualFold(canonical, name) {
			return PageGeometry{preset: canonical}, nil
		}
	}
	return PageGeometry{}, fmt.Errorf("%w: %q", ErrUnknownPaperPreset, name)
}

// CustomGeometry returns an explicit geometry. Either dimension may be blank;
// a blank dimension is simply not passed to the engine.
func CustomGeometry(width, height string) PageGeometry {
	return PageGeometry{
		width:  strings.TrimSpace(width),
		height: strings.TrimSpace(height),
	}
}

// IsPreset reports whether the geometry names a preset paper size.
func (g PageGeometry) IsPreset() bool { return g.preset != "" }

// Preset returns the canonical preset name, or "" for custom geometry.
func (g PageGeometry) Preset() string { return g.preset }

// Margins are the four page margins as dimension strings (e.g. "15mm").
type Margins struct {
	Top    string
	Right  string
	Bottom string
	Left   string
}

// UniformMargins returns Margins with the same dimension on all four sides.
func UniformMargins(dim string) Margins {
	return Margins{Top: dim, Right: dim, Bottom: dim, Left: dim}
}

// PrintConfiguration aggregates every user-facing print option for one
// conversion.
type PrintConfiguration struct {
	Geometry          PageGeometry
	Margins           Margins
	Landscape         bool
	PrintBackground   bool
	Scale             float64
	HeaderTemplate    string
	FooterTemplate    string
	PreferCSSPageSize bool
	LoadTimeout       time.Duration
}

// DisplayHeaderFooter reports whether the engine's header/footer display must
// be enabled. It is derived from template presence and never independently
// settable.
func (c PrintConfiguration) DisplayHeaderFooter() bool {
	return strings.TrimSpace(c.HeaderTemplate) != "" || strings.TrimSpace(c.FooterTemplate) != ""
}

// Validate checks ranges and dimension syntax before a render is attempted.
func (c PrintConfiguration) Validate() error {
	if c.Scale < 0.1 || c.Scale > 2.0 {
		return fmt.Errorf("%w: got %v", ErrInvalidScale, c.Scale)
	}
	if c.LoadTimeout < time.Second || c.LoadTimeout > 120*time.Second {
		return fmt.Errorf("%w: got %v", ErrInvalidTimeout, c.LoadTimeout)
	}
	for _, m := range []string{c.Margins.Top, c.Margins.Right, c.Margins.Bottom, c.Margins.Left} {
		if _, err := parseDimension(m); err != nil {
			return err
		}
	}
	if !c.Geometry.IsPreset() {
		for _, d := range []string{c.Geometry.width, c.Geometry.height} {
			if d == "" {
				continue
			}
			if _, err := parseDimension(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseDimension converts a dimension string with a unit suffix into inches.
// Supported units are mm, cm, in and px; a bare number is read as CSS pixels,
// matching how Chromium's client libraries treat unitless lengths.
func parseDimension(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidDimension)
	}

	unit := "px"
	num := s
	for _, u := range []string{"mm", "cm", "in", "px"} {
		if strings.HasSuffix(s, u) {
			unit = u
			num = strings.TrimSpace(strings.TrimSuffix(s, u))
			break
		}
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDimension, s)
	}

	switch unit {
	case "mm":
		return v / 25.4, nil
	case "cm":
		return v / 2.54, nil
	case "px":
		return v / 96, nil
	default: // in
		return v, nil
	}
}

// assemblePrintParams lowers a PrintConfiguration onto Chrome's printToPDF
// parameter set. Geometry exclusivity holds by construction: a preset fills
// both paper dimensions from its table, a custom geometry fills only the
// dimensions that were supplied, and a blank custom geometry leaves both
// unset so the engine default applies.
func assemblePrintParams(cfg PrintConfiguration) (*page.PrintToPDFParams, error) {
	params := page.PrintToPDF().
		WithPrintBackground(cfg.PrintBackground).
		WithLandscape(cfg.Landscape).
		WithScale(cfg.Scale).
		WithPreferCSSPageSize(cfg.PreferCSSPageSize)

	top, err := parseDimension(cfg.Margins.Top)
	if err != nil {
		return nil, err
	}
	right, err := parseDimension(cfg.Margins.Right)
	if err != nil {
		return nil, err
	}
	bottom, err := parseDimension(cfg.Margins.Bottom)
	if err != nil {
		return nil, err
	}
	left, err := parseDimension(cfg.Margins.Left)
	if err != nil {
		return nil, err
	}
	params = params.
		WithMarginTop(top).
		WithMarginRight(right).
		WithMarginBottom(bottom).
		WithMarginLeft(left)

	if cfg.DisplayHeaderFooter() {
		params = params.WithDisplayHeaderFooter(true)
		if h := strings.TrimSpace(cfg.HeaderTemplate); h != "" {
			params = params.WithHeaderTemplate(h)
		}
		if f := strings.TrimSpace(cfg.FooterTemplate); f != "" {
			params = params.WithFooterTemplate(f)
		}
	}

	if cfg.Geometry.IsPreset() {
		size := presets[cfg.Geometry.preset]
		params = params.WithPaperWidth(size.Width).WithPaperHeight(size.Height)
		return params, nil
	}

	if cfg.Geometry.width != "" {
		w, err := parseDimension(cfg.Geometry.width)
		if err != nil {
			return nil, err
		}
		params = params.WithPaperWidth(w)
	}
	if cfg.Geometry.height != "" {
		h, err := parseDimension(cfg.Geometry.height)
		if err != nil {
			return nil, err
		}
		params = params.WithPaperHeight(h)
	}
	return params, nil
}
