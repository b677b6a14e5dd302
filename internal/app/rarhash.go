package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/crazy-max/rarhash/internal/config"
	"github.com/crazy-max/rarhash/pkg/record"
	"github.com/crazy-max/rarhash/pkg/scan"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Rarhash represents an active rarhash object
type Rarhash struct {
	ctx    context.Context
	cancel context.CancelFunc
	meta   config.Meta
	cli    config.Cli
	fs     afero.Fs

	mu  sync.Mutex
	out io.Writer
	cls io.Closer
}

// New creates new rarhash instance
func New(meta config.Meta, cli config.Cli) (*Rarhash, error) {
	if cli.Jobs < 1 {
		return nil, errors.Errorf("invalid jobs count %d", cli.Jobs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Rarhash{
		ctx:    ctx,
		cancel: cancel,
		meta:   meta,
		cli:    cli,
		fs:     afero.NewOsFs(),
		out:    os.Stdout,
	}

	if len(cli.Output) > 0 {
		f, err := h.fs.Create(cli.Output)
		if err != nil {
			cancel()
			return nil, errors.Wrapf(err, "cannot create output file %q", cli.Output)
		}
		h.out = f
		h.cls = f
	}

	return h, nil
}

// Start scans every archive given on the command line. Per-archive failures
// are reported and do not affect the exit status.
func (h *Rarhash) Start() error {
	eg, ctx := errgroup.WithContext(h.ctx)
	eg.SetLimit(h.cli.Jobs)

	for _, archive := range h.cli.Archives {
		archive := archive
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := h.process(ctx, archive); err != nil {
				log.Error().Err(err).Msgf("! %s", archive)
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return h.release()
}

func (h *Rarhash) process(ctx context.Context, path string) error {
	base := filepath.Base(path)
	logger := log.With().Str("file", base).Logger()

	f, err := h.fs.Open(path)
	if err != nil {
		return errors.Wrap(err, "cannot open archive")
	}
	defer f.Close()

	n, err := scan.File(f, base, path, h.write, scan.Options{
		Context: ctx,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	logger.Debug().Msgf("%d record(s) emitted", n)
	return nil
}

// write appends one fully assembled record line to the output stream.
// Records from concurrent scans never interleave.
func (h *Rarhash) write(rec record.Record) {
	line := rec.Format() + "\n"
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.out, line); err != nil {
		log.Error().Err(err).Msg("cannot write record")
	}
}

func (h *Rarhash) release() error {
	if h.cls == nil {
		return nil
	}
	err := h.cls.Close()
	h.cls = nil
	return errors.Wrap(err, "closing output file")
}

// Close closes rarhash
func (h *Rarhash) Close() {
	h.cancel()
	if err := h.release(); err != nil {
		log.Warn().Err(err).Send()
	}
}
