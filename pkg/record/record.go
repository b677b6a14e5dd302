// Package record assembles the textual hash records consumed by offline
// password-recovery engines. A record is built fully in memory and rendered
// as a single line with no interior newlines; the caller appends the line
// terminator when writing.
package record

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Record is a fully assembled hash record ready to be written.
type Record interface {
	// Format renders the record as a single line without a trailing newline.
	Format() string
}

// Rar3Headers describes a RAR3 archive encrypted with -hp (whole-header
// encryption). The attack target is the end-of-archive block, whose fixed
// plaintext serves as a known-plaintext oracle.
type Rar3Headers struct {
	Base  string
	Path  string
	Salt  []byte // 8 bytes
	Block []byte // 16 bytes, encrypted block with known plaintext
}

func (r Rar3Headers) Format() string {
	return fmt.Sprintf("%s:$RAR3$*0*%s*%s:0::::%s",
		r.Base, hex.EncodeToString(r.Salt), hex.EncodeToString(r.Block), r.Path)
}

// Rar3File describes the selected candidate of a RAR3 archive encrypted with
// -p (per-file encryption). The ciphertext is inlined in full.
type Rar3File struct {
	Base       string
	Salt       []byte // 8 bytes
	CRC        []byte // 4 bytes, as stored in the header
	PackSize   uint64
	UnpSize    uint64
	Method     byte
	Ciphertext []byte
	Names      string // space-separated file names seen during the scan
}

func (r Rar3File) Format() string {
	var b strings.Builder
	b.Grow(len(r.Base) + 64 + 2*len(r.Ciphertext) + len(r.Names))
	fmt.Fprintf(&b, "%s:$RAR3$*1*%s*%s*%d*%d*1*%s*%02x:1::%s",
		r.Base, hex.EncodeToString(r.Salt), hex.EncodeToString(r.CRC),
		r.PackSize, r.UnpSize, hex.EncodeToString(r.Ciphertext), r.Method,
		r.Names)
	return b.String()
}

// Rar5 describes one encrypted RAR5 unit: either a file/service entry
// carrying a crypt extra record, or the archive's encrypted-headers block.
type Rar5 struct {
	Base     string
	Salt     []byte // 16 bytes
	Lg2Count uint8  // log2 of the PBKDF2 iteration count
	IV       []byte // 16 bytes
	PswCheck []byte // 12 bytes
}

func (r Rar5) Format() string {
	enc := base64.StdEncoding
	return fmt.Sprintf("%s:$rar5$%d$%s$%d$%s$%d$%s",
		r.Base,
		len(r.Salt), enc.EncodeToString(r.Salt),
		r.Lg2Count, enc.EncodeToString(r.IV),
		len(r.PswCheck), enc.EncodeToString(r.PswCheck))
}
