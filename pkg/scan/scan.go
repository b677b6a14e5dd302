// Package scan detects the archive format behind a stream and routes it to
// the matching parser. Self-extracting archives are handled by sliding a
// window over the executable stub until a marker block turns up.
package scan

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/crazy-max/rarhash/pkg/rar3"
	"github.com/crazy-max/rarhash/pkg/rar5"
	"github.com/crazy-max/rarhash/pkg/record"
	"github.com/crazy-max/rarhash/pkg/stream"
)

var (
	oldMagic  = []byte{0x52, 0x45, 0x7e, 0x5e}
	rar3Magic = []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x00}
	rar5Magic = []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07, 0x01, 0x00}
)

const windowSize = 4096

var (
	// ErrNotRAR is returned when no known marker block is found.
	ErrNotRAR = errors.New("not a RAR file")

	// ErrOldFormat is returned for pre-1.50 archives.
	ErrOldFormat = errors.New("RAR file version too old (pre 1.50), not supported")
)

// Options carries the ambient dependencies of a scan.
type Options struct {
	Context context.Context
	Logger  zerolog.Logger
}

// File detects the format of the archive behind src and parses it, emitting
// records through sink. base is the name used in emitted records, path the
// full path used in diagnostics and in the path field of RAR3 -hp records.
// The returned count is the number of records
// emitted.
func File(src io.ReadSeeker, base, path string, sink func(record.Record), opts Options) (int, error) {
	if opts.Context == nil {
		opts.Context = context.Background()
	}

	magic := make([]byte, len(rar3Magic))
	if _, err := io.ReadFull(src, magic); err != nil {
		return 0, errors.Wrap(ErrNotRAR, "reading marker block")
	}

	if bytes.HasPrefix(magic, oldMagic) {
		return 0, ErrOldFormat
	}
	if bytes.Equal(magic, rar3Magic) {
		return parse3(src, base, path, sink, opts)
	}

	if bytes.HasPrefix(magic, []byte("MZ")) {
		opts.Logger.Debug().Msgf("%s: executable stub, scanning for an embedded archive", path)
		found, err := slide(src, rar3Magic)
		if err != nil {
			return 0, err
		}
		if found {
			return parse3(src, base, path, sink, opts)
		}
		if _, err := src.Seek(int64(len(rar5Magic)), io.SeekStart); err != nil {
			return 0, errors.Wrap(err, "rewinding stub scan")
		}
		found, err = slide(src, rar5Magic)
		if err != nil {
			return 0, err
		}
		if found {
			return parse5(src, base, sink, opts)
		}
		return 0, ErrNotRAR
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "rewinding marker block")
	}
	magic5 := make([]byte, len(rar5Magic))
	if _, err := io.ReadFull(src, magic5); err != nil {
		return 0, errors.Wrap(ErrNotRAR, "reading marker block")
	}
	if bytes.Equal(magic5, rar5Magic) {
		return parse5(src, base, sink, opts)
	}
	return 0, ErrNotRAR
}

func parse3(src io.ReadSeeker, base, path string, sink func(record.Record), opts Options) (int, error) {
	return rar3.Parse(stream.New(src), base, path, sink, rar3.Options{
		Context: opts.Context,
		Logger:  opts.Logger,
	})
}

func parse5(src io.ReadSeeker, base string, sink func(record.Record), opts Options) (int, error) {
	return rar5.Parse(stream.New(src), base, sink, rar5.Options{
		Context: opts.Context,
		Logger:  opts.Logger,
	})
}

// slide searches for magic from the current position, reading windowSize
// bytes at a time. Successive windows overlap by len(magic)-1 bytes so a
// marker straddling a boundary is still found. On a hit the stream is left
// positioned just past the magic.
func slide(src io.ReadSeeker, magic []byte) (bool, error) {
	buf := make([]byte, windowSize)
	for {
		n, err := io.ReadFull(src, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return false, errors.Wrap(err, "scanning stub")
		}
		if n < len(magic) {
			return false, nil
		}
		if i := bytes.Index(buf[:n], magic); i >= 0 {
			back := int64(n - i - len(magic))
			if _, serr := src.Seek(-back, io.SeekCurrent); serr != nil {
				return false, errors.Wrap(serr, "repositioning past marker")
			}
			return true, nil
		}
		if err != nil {
			return false, nil
		}
		if _, err := src.Seek(int64(1-len(magic)), io.SeekCurrent); err != nil {
			return false, errors.Wrap(err, "overlapping scan window")
		}
	}
}
