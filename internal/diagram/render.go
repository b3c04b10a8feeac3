package diagram

import (
	"context"
	"fmt"
	"strings"
)

// Format names a diagram output accepted by Render.
type Format string

const (
	Mermaid Format = "mermaid"
	ASCII   Format = "ascii"
	PNG     Format = Format(FormatPNG)
	SVG     Format = Format(FormatSVG)
	DOT     Format = Format(FormatDOT)
)

// ParseFormat accepts a case-insensitive format name; "" means Mermaid.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return Mermaid, nil
	case Mermaid, ASCII, PNG, SVG, DOT:
		return f, nil
	default:
		return "", fmt.Errorf("diagram: unknown format %q (want mermaid, ascii, png, svg or dot)", s)
	}
}

// Render renders model as format. Text formats come back as UTF-8 bytes.
// asciiBinDir is only consulted for ASCII.
func Render(ctx context.Context, model *DiagramModel, format Format, asciiBinDir string) ([]byte, error) {
	switch format {
	case Mermaid, "":
		return []byte(RenderMermaid(model)), nil
	case ASCII:
		return []byte(RenderASCIIAuto(ctx, model, asciiBinDir)), nil
	case PNG, SVG, DOT:
		return RenderImage(ctx, model, ImageFormat(format))
	default:
		return nil, fmt.Errorf("diagram: unknown format %q", format)
	}
}

// Binary reports whether format produces non-text output.
func (f Format) Binary() bool { return f == PNG }
