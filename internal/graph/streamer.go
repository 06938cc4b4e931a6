package graph

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/ports"
)

// defaultStreamBlockExtent caps each axis of the default streaming
// block when the caller does not configure one.
const defaultStreamBlockExtent = 64

// progressEventsPerSecond bounds how often intermediate progress
// reaches the listener. The final 100 is never dropped.
const progressEventsPerSecond = 20

// Streamer drives a large region request as a fan-out of per-block
// pulls with bounded concurrency and coalesced progress reporting. It
// is the bulk-read path: exports and batch jobs stream a whole volume
// through it instead of issuing one giant request.
type Streamer struct {
	slot *Slot
	roi  domain.Region

	blockShape  []int
	concurrency int
	dst         *domain.Buffer
	onBlock     func(block domain.Region, buf *domain.Buffer) error
	listener    ports.ProgressListener
}

// StreamerOption configures a Streamer.
type StreamerOption func(*Streamer)

// WithBlockShape sets the streaming block shape. The default clips a
// 64-per-axis block to the requested region.
func WithBlockShape(shape []int) StreamerOption {
	return func(s *Streamer) { s.blockShape = shape }
}

// WithConcurrency bounds how many block pulls run at once. Values
// below one fall back to the graph pool size.
func WithConcurrency(n int) StreamerOption {
	return func(s *Streamer) { s.concurrency = n }
}

// WithBuffer assembles every fetched block into dst, which must have
// the requested region's shape.
func WithBuffer(dst *domain.Buffer) StreamerOption {
	return func(s *Streamer) { s.dst = dst }
}

// WithBlockCallback invokes fn for each completed block. Calls are
// serialized, so fn needs no locking of its own; a returned error
// aborts the stream.
func WithBlockCallback(fn func(block domain.Region, buf *domain.Buffer) error) StreamerOption {
	return func(s *Streamer) { s.onBlock = fn }
}

// WithProgressListener reports completion percentage in [0, 100].
// Updates are monotone and rate-limited; the terminal 100 is always
// delivered on success.
func WithProgressListener(l ports.ProgressListener) StreamerOption {
	return func(s *Streamer) { s.listener = l }
}

// NewStreamer prepares a streaming read of roi from slot. Run performs
// the work.
func NewStreamer(slot *Slot, roi domain.Region, opts ...StreamerOption) *Streamer {
	s := &Streamer{slot: slot, roi: roi}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run pulls every block of the region, bounded by the configured
// concurrency. The first failure cancels all pending pulls and is
// returned; a cancelled parent context yields
// domain.ErrRequestCancelled. On success the listener has received a
// final 100.
func (s *Streamer) Run(ctx context.Context) error {
	shape := s.blockShape
	if shape == nil {
		shape = defaultBlockShape(s.roi)
	}
	blocks, err := s.roi.BlockSeq(shape)
	if err != nil {
		return err
	}
	total, err := s.roi.NumBlocks(shape)
	if err != nil {
		return err
	}
	if total == 0 {
		if s.listener != nil {
			s.listener.UpdateProgress(100)
		}
		return nil
	}
	limit := s.concurrency
	if limit <= 0 {
		limit = s.slot.g.Pool().Workers()
	}

	var (
		limiter = rate.NewLimiter(progressEventsPerSecond, 1)
		sinkMu  sync.Mutex

		// progressMu also guards the listener call, so a descheduled
		// goroutine can never deliver a stale lower percentage after a
		// higher one; reported is the high-water mark.
		progressMu sync.Mutex
		completed  int64
		reported   float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for block := range blocks {
		g.Go(func() error {
			buf, err := s.slot.Pull(gctx, block)
			if err != nil {
				return err
			}
			if s.dst != nil || s.onBlock != nil {
				sinkMu.Lock()
				if s.dst != nil {
					if err := domain.CopyRegion(s.dst, block.Within(s.roi), buf, buf.Region()); err != nil {
						sinkMu.Unlock()
						return err
					}
				}
				if s.onBlock != nil {
					if err := s.onBlock(block, buf); err != nil {
						sinkMu.Unlock()
						return err
					}
				}
				sinkMu.Unlock()
			}

			if s.listener != nil {
				progressMu.Lock()
				completed++
				pct := 100 * float64(completed) / float64(total)
				if (completed == total || limiter.Allow()) && pct > reported {
					reported = pct
					s.listener.UpdateProgress(pct)
				}
				progressMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return domain.ErrRequestCancelled
		}
		return err
	}
	return nil
}

// defaultBlockShape clips the default per-axis extent to the region so
// small reads stream as a single block.
func defaultBlockShape(roi domain.Region) []int {
	shape := roi.Shape()
	for i, n := range shape {
		if n > defaultStreamBlockExtent {
			shape[i] = defaultStreamBlockExtent
		}
		if shape[i] < 1 {
			shape[i] = 1
		}
	}
	return shape
}
