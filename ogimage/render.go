package ogimage

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	Width  = 1200
	Height = 630
)

// scene is a card laid out in absolute coordinates. The same scene renders
// to SVG and PNG.
type scene struct {
	Width      int
	Height     int
	Background string
	Rects      []rect
	Texts      []textRun
}

type rect struct {
	X, Y, W, H int
	R          int
	Color      string
}

// textRun is one line of text; Y is the baseline.
type textRun struct {
	X, Y  int
	Size  float64
	Bold  bool
	Color string
	Text  string
}

var svgTemplate = template.Must(template.New("card").Funcs(template.FuncMap{
	"xml": xmlEscape,
}).Parse(`<svg xmlns="http://www.w3.org/2000/svg" width="{{.Width}}" height="{{.Height}}" viewBox="0 0 {{.Width}} {{.Height}}">
<rect x="0" y="0" width="{{.Width}}" height="{{.Height}}" fill="{{.Background}}"/>
{{range .Rects}}<rect x="{{.X}}" y="{{.Y}}" width="{{.W}}" height="{{.H}}" rx="{{.R}}" fill="{{.Color}}"/>
{{end}}{{range .Texts}}<text x="{{.X}}" y="{{.Y}}" font-family="Go, Helvetica, sans-serif" font-size="{{.Size}}" font-weight="{{if .Bold}}700{{else}}400{{end}}" fill="{{.Color}}">{{xml .Text}}</text>
{{end}}</svg>
`))

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func renderSVG(s *scene) ([]byte, error) {
	var buf bytes.Buffer
	if err := svgTemplate.Execute(&buf, s); err != nil {
		return nil, fmt.Errorf("rendering svg: %w", err)
	}
	return buf.Bytes(), nil
}

// renderPNG rasterizes the scene's SVG shapes and draws its text runs with
// the Go fonts. oksvg does not render text elements, so text is drawn
// separately on top.
func renderPNG(s *scene) ([]byte, error) {
	svg, err := renderSVG(s)
	if err != nil {
		return nil, err
	}

	icon, err := oksvg.ReadIconStream(bytes.NewReader(svg), oksvg.IgnoreErrorMode)
	if err != nil {
		return nil, fmt.Errorf("parsing svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(s.Width), float64(s.Height))

	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(parseColor(s.Background)), image.Point{}, draw.Src)

	scanner := rasterx.NewScannerGV(s.Width, s.Height, img, img.Bounds())
	raster := rasterx.NewDasher(s.Width, s.Height, scanner)
	icon.Draw(raster, 1.0)

	faces := faceCache{}
	for _, t := range s.Texts {
		face, err := faces.face(t.Size, t.Bold)
		if err != nil {
			return nil, err
		}
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(parseColor(t.Color)),
			Face: face,
			Dot:  fixed.P(t.X, t.Y),
		}
		d.DrawString(t.Text)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

// goFonts holds the parsed Go fonts. Parsed fonts are safe for concurrent
// use; faces are not, so each render builds its own faceCache.
var goFonts = sync.OnceValues(func() ([2]*opentype.Font, error) {
	regular, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return [2]*opentype.Font{}, err
	}
	bold, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return [2]*opentype.Font{}, err
	}
	return [2]*opentype.Font{regular, bold}, nil
})

type faceKey struct {
	size float64
	bold bool
}

// faceCache creates faces on demand. It is not safe for concurrent use.
type faceCache map[faceKey]font.Face

func (fc faceCache) face(size float64, bold bool) (font.Face, error) {
	key := faceKey{size: size, bold: bold}
	if f, ok := fc[key]; ok {
		return f, nil
	}
	fonts, err := goFonts()
	if err != nil {
		return nil, fmt.Errorf("parsing fonts: %w", err)
	}
	src := fonts[0]
	if bold {
		src = fonts[1]
	}
	f, err := opentype.NewFace(src, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("creating face: %w", err)
	}
	fc[key] = f
	return f, nil
}

// measure returns the advance width of s in pixels.
func (fc faceCache) measure(s string, size float64, bold bool) int {
	face, err := fc.face(size, bold)
	if err != nil {
		return len(s) * int(size) / 2
	}
	return font.MeasureString(face, s).Ceil()
}

// wrap breaks s into at most maxLines lines no wider than width. Overflow
// is truncated with an ellipsis.
func (fc faceCache) wrap(s string, size float64, bold bool, width, maxLines int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}

	var lines []string
	line := ""
	for i, w := range words {
		candidate := w
		if line != "" {
			candidate = line + " " + w
		}
		if line == "" || fc.measure(candidate, size, bold) <= width {
			line = candidate
			continue
		}
		lines = append(lines, line)
		if len(lines) == maxLines {
			lines[maxLines-1] = fc.ellipsize(lines[maxLines-1]+" "+strings.Join(words[i:], " "), size, bold, width)
			return lines
		}
		line = w
	}
	lines = append(lines, fc.ellipsize(line, size, bold, width))
	return lines
}

// ellipsize trims s until it fits width, appending an ellipsis when cut.
func (fc faceCache) ellipsize(s string, size float64, bold bool, width int) string {
	if fc.measure(s, size, bold) <= width {
		return s
	}
	r := []rune(s)
	for len(r) > 0 {
		r = r[:len(r)-1]
		candidate := strings.TrimRight(string(r), " ") + "…"
		if fc.measure(candidate, size, bold) <= width {
			return candidate
		}
	}
	return "…"
}

// parseColor parses #rgb and #rrggbb; anything else is black.
func parseColor(s string) color.Color {
	s = strings.TrimPrefix(s, "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return color.Black
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.Black
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}
