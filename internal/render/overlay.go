package render

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/align"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/keogram"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/telemetry"
)

// Mode selects the overlay time window.
type Mode string

const (
	ModeFull    Mode = "full"
	ModePartial Mode = "partial"
)

// ParseMode accepts "full" or "partial".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModePartial:
		return Mode(s), nil
	}
	return "", common.Newf("unknown overlay mode %q", s)
}

// Floor ranges always kept visible on a panel's y axis.
var (
	HpFloor = &ValueRange{Min: 0, Max: 130}
	BzFloor = &ValueRange{Min: -15, Max: 15}
)

// TraceSpec names one component of one series to plot in its own panel.
// A nil Series is an instrument with no data: its panel is drawn empty.
type TraceSpec struct {
	Series    *telemetry.Series
	Component string
	Label     string
	Color     color.RGBA
	Floor     *ValueRange // nil: data range only
	ZeroLine  bool        // dashed line at 0 when in range
	Required  bool        // no samples in the window fails the overlay
}

// Layout controls overlay geometry. Zero fields take defaults.
type Layout struct {
	Scale       int // output pixels per frame column
	StripHeight int // keogram strip height; 0 keeps the image height
	PanelHeight int
	LineWidth   int
}

func (l Layout) withDefaults() Layout {
	if l.Scale <= 0 {
		l.Scale = 1
	}
	if l.PanelHeight <= 0 {
		l.PanelHeight = 140
	}
	if l.LineWidth <= 0 {
		l.LineWidth = 2
	}
	return l
}

const (
	marginLeft   = 64
	marginRight  = 16
	titleHeight  = 22
	panelGap     = 6
	tickLength   = 5
	tickBand     = 34
	panelPadding = 6
)

// OverlayRequest is everything one overlay needs. Image may be nil, in
// which case the frame's file is decoded.
type OverlayRequest struct {
	Frame   keogram.Frame
	Image   image.Image
	Mode    Mode
	FromH   int // partial window, UT hours [FromH, ToH)
	ToH     int
	Traces  []TraceSpec
	Aligner align.Aligner
	Layout  Layout
}

// Hours returns the partial window. Without explicit hours it is the
// frame's own capture window.
func (r OverlayRequest) Hours() (int, int) {
	if r.FromH == 0 && r.ToH == 0 {
		h0 := r.Frame.Hour()
		return h0, h0 + int(r.Frame.Span/time.Hour)
	}
	return r.FromH, r.ToH
}

// Window returns the time window the request covers.
func (r OverlayRequest) Window() (time.Time, time.Time, error) {
	if r.Mode == ModePartial {
		h0, h1 := r.Hours()
		return align.HourWindow(r.Frame, h0, h1)
	}
	return r.Frame.Start, r.Frame.End(), nil
}

// ComposeOverlay aligns every trace to the frame's columns in the
// requested window and renders the keogram strip above one panel per
// trace. Output column x of the strip and of every panel shows the same
// frame column.
func ComposeOverlay(req OverlayRequest) (*image.RGBA, error) {
	if err := req.Frame.Validate(); err != nil {
		return nil, err
	}
	t0, t1, err := req.Window()
	if err != nil {
		return nil, err
	}
	c0, c1, err := align.ColumnRange(req.Frame, t0, t1)
	if err != nil {
		return nil, err
	}

	src := req.Image
	if src == nil {
		if src, err = req.Frame.Image(); err != nil {
			return nil, err
		}
	}
	if src.Bounds().Dx() != req.Frame.Width {
		return nil, common.Newf("%s: image width %d, frame width %d", req.Frame.Path, src.Bounds().Dx(), req.Frame.Width)
	}

	for _, spec := range req.Traces {
		if spec.Required && (spec.Series == nil || spec.Series.Window(t0, t1).Len() == 0) {
			return nil, common.Markf(common.ErrEmptyResult, "%s: no samples between %s and %s",
				traceName(spec), t0.Format("2006-01-02 15:04"), t1.Format("2006-01-02 15:04"))
		}
	}

	lay := req.Layout.withDefaults()
	cols := c1 - c0
	plotW := cols * lay.Scale
	stripH := lay.StripHeight
	if stripH <= 0 {
		stripH = src.Bounds().Dy()
	}

	width := marginLeft + plotW + marginRight
	height := titleHeight + stripH + len(req.Traces)*(panelGap+lay.PanelHeight) + tickBand
	out := newCanvas(width, height, White)

	title := req.Frame.Date.Format("2006-01-02") + " UTC"
	if req.Mode == ModePartial {
		h0, h1 := req.Hours()
		title = fmt.Sprintf("%s %02d-%02d UTC", req.Frame.Date.Format("20060102"), h0, h1)
	}
	text(out, marginLeft, titleHeight-6, title, Black)

	// Keogram strip: crop to [c0, c1) and scale with nearest neighbour so
	// each frame column becomes exactly Scale output columns.
	stripRect := image.Rect(marginLeft, titleHeight, marginLeft+plotW, titleHeight+stripH)
	sb := src.Bounds()
	crop := image.Rect(sb.Min.X+c0, sb.Min.Y, sb.Min.X+c1, sb.Max.Y)
	if lay.Scale == 1 && stripH == sb.Dy() {
		draw.Draw(out, stripRect, src, crop.Min, draw.Src)
	} else {
		draw.NearestNeighbor.Scale(out, stripRect, src, crop, draw.Src, nil)
	}

	top := stripRect.Max.Y
	for _, spec := range req.Traces {
		top += panelGap
		panel := image.Rect(marginLeft, top, marginLeft+plotW, top+lay.PanelHeight)
		if err := drawTrace(out, panel, req, spec, c0, c1, lay); err != nil {
			return nil, err
		}
		top = panel.Max.Y
	}

	drawTimeAxis(out, req.Frame, c0, c1, t0, t1, lay.Scale, titleHeight, top)
	return out, nil
}

func traceName(spec TraceSpec) string {
	if spec.Label != "" {
		return spec.Label
	}
	return spec.Component
}

func drawTrace(out *image.RGBA, panel image.Rectangle, req OverlayRequest, spec TraceSpec, c0, c1 int, lay Layout) error {
	vals := make([]float64, c1-c0)
	ok := make([]bool, c1-c0)
	unit := telemetry.Unit
	if spec.Series != nil {
		comp := spec.Series.Component(spec.Component)
		if comp < 0 {
			return common.Newf("series %s has no component %q", spec.Series.Instrument, spec.Component)
		}
		points := req.Aligner.Columns(req.Frame, spec.Series, c0, c1)
		vals, ok = align.Component(points, comp)
		unit = spec.Series.Unit
	}

	rng, have := dataRange(vals, ok)
	switch {
	case have && spec.Floor != nil:
		rng = rng.Union(*spec.Floor)
	case !have && spec.Floor != nil:
		rng = *spec.Floor
	case !have:
		rng = ValueRange{Min: -1, Max: 1}
	}
	rng = rng.fit()

	rectOutline(out, panel, Grey)
	yTop := panel.Min.Y + panelPadding
	yBot := panel.Max.Y - 1 - panelPadding

	if have && spec.ZeroLine && rng.Min < 0 && rng.Max > 0 {
		dashedHLine(out, panel.Min.X+1, panel.Max.X-2, rng.y(0, yTop, yBot), spec.Color)
	}

	// Pen lifts at every missing point: a segment joins only two
	// consecutive columns that both have values.
	xOf := func(i int) int { return panel.Min.X + i*lay.Scale + lay.Scale/2 }
	for i := range vals {
		if !ok[i] {
			continue
		}
		y := rng.y(vals[i], yTop, yBot)
		if i > 0 && ok[i-1] {
			line(out, xOf(i-1), rng.y(vals[i-1], yTop, yBot), xOf(i), y, lay.LineWidth, spec.Color)
			continue
		}
		if i+1 >= len(vals) || !ok[i+1] {
			dot(out, xOf(i), y, lay.LineWidth, spec.Color)
		}
	}

	label := traceName(spec) + " (" + unit + ")"
	if !have {
		label += " no data"
	}
	text(out, panel.Min.X+4, panel.Min.Y+textAscent()+2, label, spec.Color)
	maxS, minS := formatValue(rng.Max), formatValue(rng.Min)
	text(out, panel.Min.X-6-textWidth(maxS), yTop+textAscent()/2, maxS, spec.Color)
	text(out, panel.Min.X-6-textWidth(minS), yBot+textAscent()/2, minS, spec.Color)
	return nil
}

func dataRange(vals []float64, ok []bool) (ValueRange, bool) {
	r := ValueRange{Min: math.Inf(1), Max: math.Inf(-1)}
	have := false
	for i, v := range vals {
		if !ok[i] || math.IsNaN(v) {
			continue
		}
		r.Min = math.Min(r.Min, v)
		r.Max = math.Max(r.Max, v)
		have = true
	}
	return r, have
}

// TickStep is hourly, or 15 minutes for windows of four hours or less.
func TickStep(t0, t1 time.Time) time.Duration {
	if t1.Sub(t0) <= 4*time.Hour {
		return 15 * time.Minute
	}
	return time.Hour
}

// Ticks returns the tick instants in [t0, t1], aligned to the step.
func Ticks(t0, t1 time.Time) []time.Time {
	step := TickStep(t0, t1)
	first := t0.Truncate(step)
	if first.Before(t0) {
		first = first.Add(step)
	}
	var out []time.Time
	for t := first; !t.After(t1); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

func tickLabel(t time.Time, step time.Duration, day time.Time) string {
	h := int(t.Sub(day) / time.Hour)
	if step < time.Hour {
		return fmt.Sprintf("%02d:%02d", h, t.Minute())
	}
	return fmt.Sprintf("%02d", h)
}

func drawTimeAxis(out *image.RGBA, f keogram.Frame, c0, c1 int, t0, t1 time.Time, scale, plotTop, plotBottom int) {
	step := TickStep(t0, t1)
	ticks := Ticks(t0, t1)
	if len(ticks) == 0 {
		return
	}

	// Thin labels until they no longer collide.
	pxPerTick := float64(f.Width) / f.Span.Seconds() * step.Seconds() * float64(scale)
	labelW := textWidth(tickLabel(ticks[0], step, f.Date)) + 6
	every := 1
	for pxPerTick*float64(every) < float64(labelW) {
		every++
	}

	baseY := plotBottom + 2
	for i, t := range ticks {
		x := marginLeft + int(math.Round((f.ColumnAt(t)-float64(c0))*float64(scale)))
		if x > marginLeft+(c1-c0)*scale {
			x = marginLeft + (c1-c0)*scale
		}
		vline(out, x, plotTop-tickLength, plotTop-1, Black)
		vline(out, x, baseY, baseY+tickLength, Black)
		if i%every != 0 {
			continue
		}
		lbl := tickLabel(t, step, f.Date)
		text(out, x-textWidth(lbl)/2, baseY+tickLength+textAscent()+2, lbl, Black)
	}
	axis := "Time (UTC)"
	text(out, marginLeft+((c1-c0)*scale-textWidth(axis))/2, baseY+tickBand-4, axis, Black)
}

// OverlayPath is where an overlay for frame is written under outDir.
func OverlayPath(outDir string, mode Mode, f keogram.Frame, fromH, toH int) string {
	dir := filepath.Join(outDir, "overlay_"+string(mode), f.Date.Format("2006"), f.Date.Format("01"))
	if mode == ModePartial {
		return filepath.Join(dir, fmt.Sprintf("%s_%02d-%02d_overlaid_partial_plot.png", f.Date.Format("20060102"), fromH, toH))
	}
	return filepath.Join(dir, f.Date.Format("20060102")+"_overlaid_plot.png")
}

// WriteOverlay composes the overlay for day and writes it atomically
// under outDir, returning the path. A day without a frame fails with
// ErrNotFound and writes nothing.
func WriteOverlay(outDir string, frames keogram.Frames, day time.Time, req OverlayRequest) (string, error) {
	f, err := frames.Lookup(day)
	if err != nil {
		return "", err
	}
	req.Frame = f
	img, err := ComposeOverlay(req)
	if err != nil {
		return "", err
	}
	h0, h1 := req.Hours()
	path := OverlayPath(outDir, req.Mode, f, h0, h1)
	if err := common.WritePNG(path, img); err != nil {
		return "", err
	}
	return path, nil
}
