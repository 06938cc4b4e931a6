// Command voxelexport compiles a pipeline from a YAML configuration,
// streams its configured export through the engine, and writes the
// result as a raw little-endian float32 file.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-voxel/infrastructure/operators"
	"github.com/ahrav/go-voxel/internal/application"
	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
	"github.com/ahrav/go-voxel/internal/ports"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		outPath    string
		workers    int
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:     "voxelexport",
		Short:   "Run a go-voxel pipeline export",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, configPath, outPath, workers, quiet)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "pipeline configuration file (required)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file for raw float32 data (required)")
	cmd.Flags().IntVar(&workers, "workers", 0, "request pool size, 0 selects a CPU-proportional default")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func run(ctx context.Context, configPath, outPath string, workers int, quiet bool) error {
	registry := application.NewDefaultOperatorRegistry()

	var opts []graph.Option
	if workers > 0 {
		opts = append(opts, graph.WithWorkers(workers))
	}
	loader, err := application.NewPipelineLoader(registry, opts...)
	if err != nil {
		return err
	}
	defer loader.ClearCache()

	pipeline, err := loader.LoadFromFile(ctx, configPath)
	if err != nil {
		return err
	}

	sink, err := newRawFileSink(outPath)
	if err != nil {
		return err
	}

	var exportOpts []operators.ExportOption
	if !quiet {
		progress := ports.ProgressFunc(func(pct float64) {
			fmt.Fprintf(os.Stderr, "\rexporting: %5.1f%%", pct)
			if pct >= 100 {
				fmt.Fprintln(os.Stderr)
			}
		})
		exportOpts = append(exportOpts, operators.WithExportProgress(progress))
	}

	if err := pipeline.Export(ctx, sink, exportOpts...); err != nil {
		return err
	}

	if !quiet {
		fmt.Fprintf(os.Stderr, "wrote %s (%d values)\n", outPath, sink.written())
	}
	return nil
}

// rawFileSink buffers streamed blocks in memory and writes the full
// volume as little-endian float32 on Commit, so out-of-order block
// arrival never needs seeks. Blocks arrive in absolute coordinates;
// Commit rebases them against the export region's origin.
type rawFileSink struct {
	path string

	mu     sync.Mutex
	blocks []sinkBlock
	size   int
}

type sinkBlock struct {
	roi domain.Region
	buf *domain.Buffer
}

func newRawFileSink(path string) (*rawFileSink, error) {
	// Fail early on an unwritable target instead of after the compute.
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &rawFileSink{path: path}, nil
}

// Write implements ports.Sink.
func (s *rawFileSink) Write(ctx context.Context, roi domain.Region, buf *domain.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, sinkBlock{roi: roi, buf: buf})
	return nil
}

// Commit implements ports.Sink.
func (s *rawFileSink) Commit(ctx context.Context, meta domain.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	origin := make([]int, meta.Dims())
	for i, b := range s.blocks {
		start := b.roi.Start()
		for d := range origin {
			if i == 0 || start[d] < origin[d] {
				origin[d] = start[d]
			}
		}
	}
	for d := range origin {
		origin[d] = -origin[d]
	}

	full := domain.FullRegion(meta.Shape)
	out := domain.NewBuffer(meta.Shape)
	for _, b := range s.blocks {
		if err := domain.CopyRegion(out, b.roi.Shift(origin).Intersect(full), b.buf, b.buf.Region()); err != nil {
			return err
		}
	}

	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	data := out.Data()
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	if _, err := f.Write(raw); err != nil {
		return err
	}
	s.size = len(data)
	s.blocks = nil
	return f.Sync()
}

func (s *rawFileSink) written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
