package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
)

// readSource loads a FLOW or VASM source. "-" reads stdin; anything else is
// an afs location, so plain paths and URLs such as mem:// or s3:// work.
func readSource(ctx context.Context, fs afs.Service, location string) ([]byte, error) {
	if location == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := fs.DownloadWithURL(ctx, normalizeLocation(location))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	return data, nil
}

// normalizeLocation turns relative paths into absolute file locations.
func normalizeLocation(location string) string {
	if strings.Contains(location, "://") {
		return location
	}
	if abs, err := filepath.Abs(location); err == nil {
		return abs
	}
	return location
}

// parseInputs turns name=value pairs into plan inputs. A value starting
// with @ is read from that location as text; otherwise JSON literals are
// decoded and anything else stays a string.
func parseInputs(ctx context.Context, fs afs.Service, pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("input %q: expected name=value", pair)
		}
		if loc, isFile := strings.CutPrefix(raw, "@"); isFile {
			data, err := readSource(ctx, fs, loc)
			if err != nil {
				return nil, fmt.Errorf("input %s: %w", name, err)
			}
			inputs[name] = string(data)
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			inputs[name] = v
			continue
		}
		inputs[name] = raw
	}
	return inputs, nil
}
