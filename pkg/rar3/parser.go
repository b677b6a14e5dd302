// Package rar3 walks the fixed-field header chain of RAR 3.x archives and
// extracts the material a password-recovery engine needs: either the
// end-of-archive known-plaintext block for -hp archives, or the best
// encrypted file candidate for -p archives.
package rar3

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/crazy-max/rarhash/pkg/record"
	"github.com/crazy-max/rarhash/pkg/stream"
)

const (
	archiveTag = 0x73
	fileTag    = 0x74
	commentTag = 0x7a

	flagEncrypted      = 0x0004
	flagSolid          = 0x0010
	flagHeadersCrypted = 0x0080
	flagLargeFile      = 0x0100
	flagUnicodeName    = 0x0200
	flagSalt           = 0x0400
	flagExtTime        = 0x1000
	flagLongBlock      = 0x8000

	dictMask  = 0xe0
	dictShift = 5
	dictDir   = 7

	methodStore = 0x30

	// archiveHeaderLen is the fixed archive header size; anything beyond it
	// is an embedded comment region.
	archiveHeaderLen = 13

	// fileHeaderLen is the fixed part of a file header.
	fileHeaderLen = 32

	// extTimeMax bounds the extended-time region of a single header.
	extTimeMax = 32

	// maxNameBytes bounds a decoded file name, in bytes of UTF-16.
	maxNameBytes = 512

	// lineBudget bounds the accumulated file name list.
	lineBudget = 0x10000

	chunkSize = 64 * 1024
)

var (
	// ErrBadArchiveHeader is returned when the archive header tag is not 0x73.
	ErrBadArchiveHeader = errors.New("archive header tag must be 0x73")

	// ErrMissingLongBlock is returned when a file header clears the
	// mandatory 0x8000 flag.
	ErrMissingLongBlock = errors.New("file header flag 0x8000 unset")
)

// Options carries the ambient dependencies of a parse run.
type Options struct {
	Context context.Context
	Logger  zerolog.Logger
}

type parseState int

const (
	stateScanning parseState = iota
	stateCandidatePending
	stateDone
)

type parser struct {
	r     *stream.Reader
	base  string
	path  string
	sink  func(record.Record)
	opts  Options
	state parseState
	sel   selector
	names []byte
}

// Parse consumes a RAR3 archive positioned just past the marker block and
// emits at most one record through sink. The returned count is the number of
// records emitted.
func Parse(r *stream.Reader, base, path string, sink func(record.Record), opts Options) (int, error) {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	p := &parser{r: r, base: base, path: path, sink: sink, opts: opts}
	return p.run()
}

func (p *parser) run() (int, error) {
	hdr, err := p.r.ReadBytes(archiveHeaderLen)
	if err != nil {
		return 0, errors.Wrap(err, "reading archive header")
	}
	if hdr[2] != archiveTag {
		return 0, ErrBadArchiveHeader
	}

	archiveFlags := binary.LittleEndian.Uint16(hdr[3:5])
	headSize := binary.LittleEndian.Uint16(hdr[5:7])

	if archiveFlags&flagHeadersCrypted != 0 {
		return p.emitEncryptedHeaders()
	}
	if headSize > archiveHeaderLen {
		if err := p.r.Skip(int64(headSize) - archiveHeaderLen); err != nil {
			return 0, errors.Wrap(err, "skipping archive comment")
		}
	}

	for p.state != stateDone {
		if err := p.opts.Context.Err(); err != nil {
			return 0, err
		}
		if err := p.nextFileHeader(); err != nil {
			return p.flush(), err
		}
	}
	return p.flush(), nil
}

// emitEncryptedHeaders handles -hp archives. All metadata is encrypted, but
// the final end-of-archive block has fixed plaintext, so the last 24 bytes
// of the file yield a salt and a known-plaintext oracle.
func (p *parser) emitEncryptedHeaders() (int, error) {
	p.opts.Logger.Debug().Msgf("-hp mode entry found in %s", p.base)
	if _, err := p.r.Seek(-24, io.SeekEnd); err != nil {
		return 0, errors.Wrap(err, "seeking to archive tail")
	}
	buf, err := p.r.ReadBytes(24)
	if err != nil {
		return 0, errors.Wrap(err, "reading archive tail")
	}
	p.sink(record.Rar3Headers{
		Base:  p.base,
		Path:  p.path,
		Salt:  buf[:8],
		Block: buf[8:],
	})
	return 1, nil
}

func (p *parser) nextFileHeader() error {
	hdr, err := p.r.ReadBytes(fileHeaderLen)
	if err != nil {
		if err == io.EOF || errors.Is(err, stream.ErrShortRead) {
			p.opts.Logger.Debug().Msgf("%s: end of file", p.path)
			p.state = stateDone
			return nil
		}
		return errors.Wrap(err, "reading file header")
	}

	switch hdr[2] {
	case fileTag:
	case commentTag:
		p.opts.Logger.Debug().Msgf("%s: comment block present", p.path)
		commentSize := binary.LittleEndian.Uint16(hdr[5:7])
		if commentSize > fileHeaderLen {
			if err := p.r.Skip(int64(commentSize) - fileHeaderLen); err != nil {
				return errors.Wrap(err, "skipping comment block")
			}
		}
		return nil
	default:
		p.opts.Logger.Warn().Msgf("%s: not recognising any more headers", p.path)
		p.state = stateDone
		return nil
	}

	flags := binary.LittleEndian.Uint16(hdr[3:5])
	if flags&flagLongBlock == 0 {
		p.state = stateDone
		return ErrMissingLongBlock
	}

	headSize := binary.LittleEndian.Uint16(hdr[5:7])
	packSize := uint64(binary.LittleEndian.Uint32(hdr[7:11]))
	unpSize := uint64(binary.LittleEndian.Uint32(hdr[11:15]))
	extTimeSize := int(headSize) - fileHeaderLen

	p.opts.Logger.Debug().Msgf("HEAD_SIZE: %d, PACK_SIZE: %d, UNP_SIZE: %d", headSize, packSize, unpSize)
	p.opts.Logger.Debug().Msgf("file header block: % 02x", hdr)

	if flags&flagLargeFile != 0 {
		highPack, err := p.r.ReadUint32()
		if err != nil {
			return errors.Wrap(err, "reading high pack size")
		}
		highUnp, err := p.r.ReadUint32()
		if err != nil {
			return errors.Wrap(err, "reading high unpack size")
		}
		packSize += uint64(highPack) << 32
		unpSize += uint64(highUnp) << 32
		extTimeSize -= 8
		p.opts.Logger.Debug().Msg("64-bit sizes present")
	}

	nameSize := binary.LittleEndian.Uint16(hdr[26:28])
	p.opts.Logger.Debug().Msgf("file name size: %d bytes", nameSize)
	nameBuf, err := p.r.ReadBytes(int(nameSize))
	if err != nil {
		return errors.Wrap(err, "reading file name")
	}
	extTimeSize -= int(nameSize)

	name := p.decodeName(nameBuf, flags)
	if len(p.names)+len(name)+1 < lineBudget {
		p.names = append(p.names, name...)
		p.names = append(p.names, ' ')
	}

	salt := make([]byte, 8)
	if flags&flagSalt != 0 {
		extTimeSize -= 8
		if salt, err = p.r.ReadBytes(8); err != nil {
			return errors.Wrap(err, "reading salt")
		}
	}

	if flags&flagExtTime != 0 {
		p.opts.Logger.Debug().Msgf("extended time present with size %d", extTimeSize)
		if extTimeSize < 0 || extTimeSize > extTimeMax {
			return errors.Errorf("extended time size %d out of bounds", extTimeSize)
		}
		if _, err := p.r.ReadBytes(extTimeSize); err != nil {
			return errors.Wrap(err, "reading extended time")
		}
	}

	if flags&flagSolid != 0 {
		p.opts.Logger.Debug().Msg("solid entry, skipping")
		return p.skipData(packSize)
	}
	dict := (flags & dictMask) >> dictShift
	if dict == dictDir {
		p.opts.Logger.Debug().Msg("directory entry, skipping")
		return p.skipData(packSize)
	}
	p.opts.Logger.Debug().Msgf("dictionary size: %d KB", 64<<dict)

	if flags&flagEncrypted == 0 {
		p.opts.Logger.Debug().Msg("not encrypted, skipping")
		return p.skipData(packSize)
	}

	method := hdr[25]
	p.opts.Logger.Debug().Msgf("UNP_VER is %0.1f", float64(hdr[24])/10)
	p.opts.Logger.Debug().Msgf("METHOD is m%x%c", method-methodStore, 'a'+rune(dict))

	if p.sel.keepIncumbent(packSize, unpSize, method) {
		p.opts.Logger.Debug().Msg("got a better candidate already, skipping")
		return p.skipData(packSize)
	}
	p.opts.Logger.Debug().Msg("best candidate so far")

	ciphertext, err := p.readData(packSize)
	if err != nil {
		return err
	}
	p.sel.admit(packSize, unpSize, method, &record.Rar3File{
		Base:       p.base,
		Salt:       salt,
		CRC:        hdr[16:20],
		PackSize:   packSize,
		UnpSize:    unpSize,
		Method:     method,
		Ciphertext: ciphertext,
	})
	p.state = stateCandidatePending
	return nil
}

func (p *parser) decodeName(nameBuf []byte, flags uint16) string {
	if flags&flagUnicodeName != 0 {
		oem := nameBuf
		var enc []byte
		if i := bytes.IndexByte(nameBuf, 0); i >= 0 {
			oem = nameBuf[:i]
			enc = nameBuf[i+1:]
		}
		if decoded := DecodeName(oem, enc, maxNameBytes); decoded != "" {
			p.opts.Logger.Debug().Msgf("unicode file name: %s", decoded)
			return decoded
		}
		p.opts.Logger.Debug().Msgf("file name: %s", oem)
		return string(oem)
	}
	name := nameBuf
	if i := bytes.IndexByte(nameBuf, 0); i >= 0 {
		name = nameBuf[:i]
	}
	p.opts.Logger.Debug().Msgf("file name: %s", name)
	return string(name)
}

func (p *parser) skipData(packSize uint64) error {
	if err := p.r.Skip(int64(packSize)); err != nil {
		return errors.Wrap(err, "skipping file data")
	}
	return nil
}

func (p *parser) readData(packSize uint64) ([]byte, error) {
	data := make([]byte, 0, packSize)
	for left := packSize; left > 0; {
		n := uint64(chunkSize)
		if left < n {
			n = left
		}
		chunk, err := p.r.ReadBytes(int(n))
		if err != nil {
			return nil, errors.Wrap(err, "reading encrypted data")
		}
		data = append(data, chunk...)
		left -= n
	}
	return data, nil
}

// flush emits the selected candidate, if any, with the accumulated file name
// list attached.
func (p *parser) flush() int {
	if p.sel.rec == nil {
		p.opts.Logger.Warn().Msgf("did not find a valid encrypted candidate in %s", p.base)
		return 0
	}
	p.opts.Logger.Debug().Msgf("found a valid -p mode candidate in %s", p.base)
	if p.sel.unp < warnFloor(p.sel.method) {
		p.opts.Logger.Warn().Msg("best candidate found is too small, you may see false positives")
	}
	p.sel.rec.Names = string(p.names)
	p.sink(*p.sel.rec)
	return 1
}
