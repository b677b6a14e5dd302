// Package rar5 walks the variable-length block chain of RAR 5.x archives and
// emits one record per encrypted unit: every file or service entry carrying a
// crypt extra record with a password check value, or the single record an encrypted-headers archive
// yields once the header IV is known.
package rar5

import (
	"context"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/crazy-max/rarhash/pkg/record"
	"github.com/crazy-max/rarhash/pkg/stream"
)

const (
	headMain    = 1
	headFile    = 2
	headService = 3
	headCrypt   = 4
	headEndArc  = 5

	hflExtra = 0x0001
	hflData  = 0x0002

	mhflVolNumber = 0x0002

	fhflUTime = 0x0002
	fhflCRC32 = 0x0004

	chflCryptPswCheck = 0x0001

	extraCrypt         = 1
	extraCryptPswCheck = 0x0001

	// cryptVersionMax is the newest AES-256 crypt revision understood here.
	cryptVersionMax = 0

	// kdfLg2Max bounds the PBKDF2 iteration exponent.
	kdfLg2Max = 24

	saltLen     = 16
	ivLen       = 16
	pswCheckLen = 12
	checksumLen = 4

	// maxFieldSizeWidth is the widest extra-area field-size varint the
	// format allows.
	maxFieldSizeWidth = 3
)

var (
	// ErrCryptVersion is returned for a crypt block newer than this code
	// understands.
	ErrCryptVersion = errors.New("unsupported crypt version")

	// ErrIterations is returned when the PBKDF2 iteration exponent exceeds
	// the format maximum.
	ErrIterations = errors.New("PBKDF2 iteration count too large")

	// ErrExtraUnderflow is returned when an extra-area field claims more
	// bytes than the declared extra size has left.
	ErrExtraUnderflow = errors.New("extra area field overruns declared size")
)

// Options carries the ambient dependencies of a parse run.
type Options struct {
	Context context.Context
	Logger  zerolog.Logger
}

type parser struct {
	r    *stream.Reader
	base string
	sink func(record.Record)
	opts Options

	// encrypted-headers latch, armed by a crypt block. Once set, the next
	// block's first 16 bytes are the header IV.
	encrypted bool
	salt      []byte
	lg2Count  uint8
	pswCheck  []byte
	usable    bool

	emitted int
}

// Parse consumes a RAR5 archive positioned just past the marker block and
// emits a record through sink for each encrypted unit found. The returned
// count is the number of records emitted.
func Parse(r *stream.Reader, base string, sink func(record.Record), opts Options) (int, error) {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	p := &parser{r: r, base: base, sink: sink, opts: opts}
	return p.run()
}

func (p *parser) run() (int, error) {
	for {
		if err := p.opts.Context.Err(); err != nil {
			return p.emitted, err
		}
		cont, err := p.nextBlock()
		if err != nil {
			return p.emitted, err
		}
		if !cont {
			if p.emitted == 0 {
				p.opts.Logger.Warn().Msgf("did not find a valid encrypted candidate in %s", p.base)
			}
			return p.emitted, nil
		}
	}
}

// nextBlock reads one block and repositions the stream at the start of the
// following one. It reports false when the walk is over.
func (p *parser) nextBlock() (bool, error) {
	curPos, err := p.r.Offset()
	if err != nil {
		return false, errors.Wrap(err, "reading block offset")
	}

	if p.encrypted {
		return false, p.emitEncryptedHeaders()
	}

	if _, err := p.r.ReadUint32(); err != nil {
		if err == io.EOF {
			p.opts.Logger.Debug().Msgf("%s: end of file", p.base)
			return false, nil
		}
		return false, errors.Wrap(err, "reading header CRC")
	}
	blockSize, sizeWidth, err := p.r.ReadUvarint()
	if err != nil {
		return false, errors.Wrap(err, "reading block size")
	}
	// footprint spans from the CRC through the end of the extra area
	footprint := blockSize + 4 + uint64(sizeWidth)

	headerType, err := p.r.ReadByte()
	if err != nil {
		return false, errors.Wrap(err, "reading header type")
	}
	flags, _, err := p.r.ReadUvarint()
	if err != nil {
		return false, errors.Wrap(err, "reading header flags")
	}

	var extraSize, dataSize uint64
	if flags&hflExtra != 0 {
		if extraSize, _, err = p.r.ReadUvarint(); err != nil {
			return false, errors.Wrap(err, "reading extra size")
		}
	}
	if flags&hflData != 0 {
		if dataSize, _, err = p.r.ReadUvarint(); err != nil {
			return false, errors.Wrap(err, "reading data size")
		}
	}

	p.opts.Logger.Debug().Msgf("block type %d at %d, size %d, data %d", headerType, curPos, footprint, dataSize)

	switch headerType {
	case headCrypt:
		if err := p.readCryptBlock(); err != nil {
			return false, err
		}
	case headMain:
		if err := p.readMainBlock(); err != nil {
			return false, err
		}
	case headFile, headService:
		if err := p.readEntryBlock(extraSize); err != nil {
			return false, err
		}
	case headEndArc:
		p.opts.Logger.Debug().Msg("end of archive block")
		return false, nil
	default:
		p.opts.Logger.Debug().Msgf("skipping block type %d", headerType)
	}

	next := curPos + int64(footprint) + int64(dataSize)
	if _, err := p.r.Seek(next, io.SeekStart); err != nil {
		return false, errors.Wrap(err, "seeking to next block")
	}
	return true, nil
}

// emitEncryptedHeaders completes the encrypted-headers record. All blocks
// after the crypt block are ciphertext, but the first 16 bytes of the next
// one are the header IV in the clear.
func (p *parser) emitEncryptedHeaders() error {
	iv, err := p.r.ReadBytes(ivLen)
	if err != nil {
		return errors.Wrap(err, "reading header IV")
	}
	if !p.usable {
		p.opts.Logger.Warn().Msgf("%s: password check value failed its checksum", p.base)
	}
	p.sink(record.Rar5{
		Base:     p.base,
		Salt:     p.salt,
		Lg2Count: p.lg2Count,
		IV:       iv,
		PswCheck: p.pswCheck,
	})
	p.emitted++
	return nil
}

func (p *parser) readCryptBlock() error {
	version, _, err := p.r.ReadUvarint()
	if err != nil {
		return errors.Wrap(err, "reading crypt version")
	}
	if version > cryptVersionMax {
		return errors.Wrapf(ErrCryptVersion, "version %d", version)
	}
	encFlags, _, err := p.r.ReadUvarint()
	if err != nil {
		return errors.Wrap(err, "reading encryption flags")
	}
	lg2, err := p.r.ReadByte()
	if err != nil {
		return errors.Wrap(err, "reading iteration count")
	}
	if lg2 > kdfLg2Max {
		return errors.Wrapf(ErrIterations, "lg2 %d", lg2)
	}
	salt, err := p.r.ReadBytes(saltLen)
	if err != nil {
		return errors.Wrap(err, "reading salt")
	}

	p.salt = salt
	p.lg2Count = lg2
	p.usable = false

	if encFlags&chflCryptPswCheck != 0 {
		psw, err := p.r.ReadBytes(pswCheckLen)
		if err != nil {
			return errors.Wrap(err, "reading password check")
		}
		chksum, err := p.r.ReadBytes(checksumLen)
		if err != nil {
			return errors.Wrap(err, "reading password check checksum")
		}
		digest := sha256.Sum256(psw)
		p.pswCheck = psw
		p.usable = string(digest[:checksumLen]) == string(chksum)
		if !p.usable {
			p.opts.Logger.Warn().Msgf("%s: password check checksum mismatch", p.base)
		}
	}

	p.encrypted = true
	p.opts.Logger.Debug().Msgf("encrypted headers, lg2 iterations %d", lg2)
	return nil
}

func (p *parser) readMainBlock() error {
	arcFlags, _, err := p.r.ReadUvarint()
	if err != nil {
		return errors.Wrap(err, "reading archive flags")
	}
	if arcFlags&mhflVolNumber != 0 {
		vol, _, err := p.r.ReadUvarint()
		if err != nil {
			return errors.Wrap(err, "reading volume number")
		}
		p.opts.Logger.Debug().Msgf("volume number %d", vol)
	}
	return nil
}

func (p *parser) readEntryBlock(extraSize uint64) error {
	fileFlags, _, err := p.r.ReadUvarint()
	if err != nil {
		return errors.Wrap(err, "reading file flags")
	}
	unpSize, _, err := p.r.ReadUvarint()
	if err != nil {
		return errors.Wrap(err, "reading unpacked size")
	}
	if _, _, err := p.r.ReadUvarint(); err != nil {
		return errors.Wrap(err, "reading file attributes")
	}

	if fileFlags&fhflUTime != 0 {
		if _, err := p.r.ReadUint32(); err != nil {
			return errors.Wrap(err, "reading mtime")
		}
	}
	if fileFlags&fhflCRC32 != 0 {
		if _, err := p.r.ReadUint32(); err != nil {
			return errors.Wrap(err, "reading data CRC")
		}
	}

	if _, _, err := p.r.ReadUvarint(); err != nil {
		return errors.Wrap(err, "reading compression info")
	}
	if _, _, err := p.r.ReadUvarint(); err != nil {
		return errors.Wrap(err, "reading host OS")
	}
	nameSize, _, err := p.r.ReadUvarint()
	if err != nil {
		return errors.Wrap(err, "reading name size")
	}
	if err := p.r.Skip(int64(nameSize)); err != nil {
		return errors.Wrap(err, "skipping file name")
	}

	p.opts.Logger.Debug().Msgf("entry with unpacked size %d, extra area %d bytes", unpSize, extraSize)
	if extraSize > 0 {
		return p.processExtra(extraSize)
	}
	return nil
}

// processExtra walks the TLV records of a file or service header's extra
// area, looking for the crypt record. A crypt record without the password
// check value is useless for recovery and ends the scan of this area.
func (p *parser) processExtra(extraSize uint64) error {
	bytesLeft := int64(extraSize)
	for bytesLeft > 0 {
		fieldSize, width, err := p.r.ReadUvarint()
		if err != nil {
			return errors.Wrap(err, "reading extra field size")
		}
		if width > maxFieldSizeWidth {
			return errors.Errorf("extra field size varint is %d bytes wide", width)
		}
		bytesLeft -= int64(width) + int64(fieldSize)
		if bytesLeft < 0 {
			return errors.Wrapf(ErrExtraUnderflow, "field of %d bytes", fieldSize)
		}

		p.r.ResetCount()
		fieldType, _, err := p.r.ReadUvarint()
		if err != nil {
			return errors.Wrap(err, "reading extra field type")
		}

		if fieldType == extraCrypt {
			done, err := p.readCryptRecord()
			if done || err != nil {
				return err
			}
		}

		// seek past whatever the field holds beyond what was consumed
		if rest := int64(fieldSize) - p.r.Count(); rest > 0 {
			if err := p.r.Skip(rest); err != nil {
				return errors.Wrap(err, "skipping extra field")
			}
		}
	}
	return nil
}

// readCryptRecord parses the crypt extra record and emits the per-entry
// record. It reports whether extra-area processing for this header is over.
func (p *parser) readCryptRecord() (bool, error) {
	version, _, err := p.r.ReadUvarint()
	if err != nil {
		return true, errors.Wrap(err, "reading crypt record version")
	}
	if version > cryptVersionMax {
		return true, errors.Wrapf(ErrCryptVersion, "version %d", version)
	}
	flags, _, err := p.r.ReadUvarint()
	if err != nil {
		return true, errors.Wrap(err, "reading crypt record flags")
	}
	if flags&extraCryptPswCheck == 0 {
		p.opts.Logger.Warn().Msgf("%s: entry carries no password check value, skipping", p.base)
		return true, nil
	}
	lg2, err := p.r.ReadByte()
	if err != nil {
		return true, errors.Wrap(err, "reading iteration count")
	}
	if lg2 > kdfLg2Max {
		return true, errors.Wrapf(ErrIterations, "lg2 %d", lg2)
	}
	salt, err := p.r.ReadBytes(saltLen)
	if err != nil {
		return true, errors.Wrap(err, "reading salt")
	}
	iv, err := p.r.ReadBytes(ivLen)
	if err != nil {
		return true, errors.Wrap(err, "reading IV")
	}
	psw, err := p.r.ReadBytes(pswCheckLen)
	if err != nil {
		return true, errors.Wrap(err, "reading password check")
	}

	p.sink(record.Rar5{
		Base:     p.base,
		Salt:     salt,
		Lg2Count: lg2,
		IV:       iv,
		PswCheck: psw,
	})
	p.emitted++
	return true, nil
}
