package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/viant/afs"
)

const mermaidASCIIVersion = "1.1.0"

var mermaidASCIIChecksums = map[string]string{
	"mermaid-ascii_Darwin_arm64.tar.gz":  "068d2ff869d4921655cab471500fffd8c3ed28155b100518ed3cf3835d53d3d0",
	"mermaid-ascii_Darwin_x86_64.tar.gz": "0cd4c9c01a03284fe866f39a1ce1aaee1e6a2fbd91deedc4ec254cb87622eec8",
	"mermaid-ascii_Linux_arm64.tar.gz":   "3b7d0a95141bfbca838e445ea802ffb7fba8873b3c4af498482c84f83526f2db",
	"mermaid-ascii_Linux_x86_64.tar.gz":  "838ea93d561b3bc83aa15531c6ed7d2d261a8edc521d5484f7e91fe831cc4c65",
}

func newInstallCmd() *cobra.Command {
	var (
		cfg         = defaultConfig()
		checksums   string
		skipDiagram bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write ~/.voike/settings.json and fetch the mermaid-ascii renderer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if err := os.MkdirAll(voikeDir(), 0o700); err != nil {
				return fmt.Errorf("create %s: %w", voikeDir(), err)
			}

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(settingsPath(), data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", settingsPath(), err)
			}
			fmt.Fprintf(out, "Config written to %s\n", settingsPath())

			if skipDiagram {
				return nil
			}
			sums := mermaidASCIIChecksums
			if checksums != "" {
				if sums, err = loadChecksums(ctx, checksums); err != nil {
					return err
				}
			}
			inst := &mermaidInstaller{
				client: &http.Client{Timeout: 60 * time.Second},
				binDir: cfg.DiagramBinDir,
				sums:   sums,
			}
			path, err := inst.install()
			if err != nil {
				// ascii rendering falls back to the built-in layout.
				color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(),
					"warning: mermaid-ascii not installed: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "mermaid-ascii %s available at %s\n", mermaidASCIIVersion, path)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, `database URI, or ":memory:"`)
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	f.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON logs")
	f.StringVar(&cfg.ProjectID, "project", cfg.ProjectID, "default project id")
	f.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize, "compiled plan cache entries")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "grid queue workers")
	f.IntVar(&cfg.AutoAsyncThreshold, "auto-async-threshold", cfg.AutoAsyncThreshold, "grid rows before auto mode goes async (0 disables)")
	f.IntVar(&cfg.MaxSteps, "max-steps", cfg.MaxSteps, "VASM instruction budget")
	f.StringVar(&cfg.DiagramBinDir, "bin-dir", cfg.DiagramBinDir, "directory for external renderers")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	f.StringVar(&cfg.BlobDir, "blob-dir", cfg.BlobDir, "directory VASM blob reads are confined to")
	f.StringVar(&checksums, "checksums", "", "checksums file that replaces the pinned mermaid-ascii digests")
	f.BoolVar(&skipDiagram, "skip-diagram-tools", false, "do not download mermaid-ascii")
	return cmd
}

func loadChecksums(ctx context.Context, location string) (map[string]string, error) {
	data, err := afs.New().DownloadWithURL(ctx, normalizeLocation(location))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	return parseChecksums(bytes.NewReader(data))
}

type mermaidInstaller struct {
	client httpGetter
	binDir string
	sums   map[string]string
}

// install downloads, verifies and unpacks mermaid-ascii into binDir. An
// existing binary is kept.
func (m *mermaidInstaller) install() (string, error) {
	dest := filepath.Join(m.binDir, "mermaid-ascii")
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	asset, err := mermaidASCIIAsset(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}
	want, ok := m.sums[asset]
	if !ok {
		return "", fmt.Errorf("no checksum for %s", asset)
	}
	if err := os.MkdirAll(m.binDir, 0o755); err != nil {
		return "", err
	}

	url := fmt.Sprintf("https://github.com/AlexanderGrooff/mermaid-ascii/releases/download/%s/%s",
		mermaidASCIIVersion, asset)
	tmp, err := downloadToTemp(m.client, url, m.binDir)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	if err := verifyFile(tmp, want); err != nil {
		return "", fmt.Errorf("%s: %w", asset, err)
	}

	f, err := os.Open(tmp)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := extractFile(f, dest); err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	return dest, nil
}

func mermaidASCIIAsset(goos, goarch string) (string, error) {
	osName := map[string]string{"darwin": "Darwin", "linux": "Linux"}[goos]
	if osName == "" {
		return "", fmt.Errorf("unsupported OS %q", goos)
	}
	arch := map[string]string{"amd64": "x86_64", "arm64": "arm64", "386": "i386"}[goarch]
	if arch == "" {
		return "", fmt.Errorf("unsupported architecture %q", goarch)
	}
	return fmt.Sprintf("mermaid-ascii_%s_%s.tar.gz", osName, arch), nil
}

// extractFile copies the regular file named like dest out of a tar.gz.
func extractFile(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	name := filepath.Base(dest)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s not found in archive", name)
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Base(hdr.Name) != name {
			continue
		}

		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil { //nolint:gosec // bounded by tar header size
			f.Close()
			return err
		}
		return f.Close()
	}
}
