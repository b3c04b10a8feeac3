package diagram

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const mermaidASCIIBinary = "mermaid-ascii"

// RenderASCIIAuto prefers the mermaid-ascii binary from binDir and falls
// back to RenderASCII when it is missing or fails.
func RenderASCIIAuto(ctx context.Context, model *DiagramModel, binDir string) string {
	if bin, ok := lookupMermaidASCII(binDir); ok {
		if out, err := RenderASCIIViaCLI(ctx, model, bin); err == nil {
			return out
		}
	}
	return RenderASCII(model)
}

func lookupMermaidASCII(binDir string) (string, bool) {
	if binDir == "" {
		return "", false
	}
	bin := filepath.Join(binDir, mermaidASCIIBinary)
	info, err := os.Stat(bin)
	if err != nil || info.IsDir() {
		return "", false
	}
	return bin, true
}

// RenderASCIIViaCLI feeds RenderMermaidForCLI output to the binary at bin.
func RenderASCIIViaCLI(ctx context.Context, model *DiagramModel, bin string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin)
	cmd.Stdin = strings.NewReader(RenderMermaidForCLI(model))
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", mermaidASCIIBinary, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RenderMermaidForCLI writes the subset of Mermaid that mermaid-ascii
// parses: no ["label"] declarations, so every node is named by an id that
// spells out its step, status and duration. Nodes without edges are listed
// on their own.
func RenderMermaidForCLI(model *DiagramModel) string {
	ids := make(map[string]string, len(model.Nodes))
	linked := make(map[string]bool, len(model.Nodes))
	for _, n := range model.Nodes {
		ids[n.ID] = cliNodeID(n)
	}
	id := func(raw string) string {
		if s, ok := ids[raw]; ok {
			return s
		}
		return mermaidSafeID(raw)
	}

	var b strings.Builder
	b.WriteString("graph TD\n")
	for _, e := range model.Edges {
		linked[e.From], linked[e.To] = true, true
		arrow := "-->"
		if e.Label != "" {
			arrow += "|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", id(e.From), arrow, id(e.To))
	}
	for _, n := range model.Nodes {
		if !linked[n.ID] {
			fmt.Fprintf(&b, "    %s\n", ids[n.ID])
		}
	}
	return b.String()
}

func cliNodeID(n *Node) string {
	parts := []string{firstLine(n.Label)}
	if parts[0] == "" {
		parts[0] = n.ID
	}
	if n.Status != nil {
		if tag := strings.Trim(statusTag(n.Status.Status), "[]"); tag != "" {
			parts = append(parts, tag)
		}
		if n.Status.DurationMs > 0 {
			parts = append(parts, fmt.Sprintf("%dms", n.Status.DurationMs))
		}
	}
	return strings.ReplaceAll(strings.Join(parts, "-"), " ", "-")
}
