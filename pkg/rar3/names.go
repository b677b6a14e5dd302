package rar3

import "unicode/utf16"

// DecodeName decodes the packed OEM+UTF-16 file name encoding carried by
// RAR3 headers with the unicode-name flag set. name holds the plain OEM
// prefix (the bytes before the NUL separator), enc the packed region that
// follows it. maxDec bounds the decoded name in bytes, counted as UTF-16
// units like the on-disk format does.
//
// The packed region starts with a high-byte seed, then a stream of 2-bit
// commands packed MSB-first into flag bytes, one flag byte per four
// commands:
//
//	0: next byte is a wide char with high byte zero
//	1: next byte is a wide char with the seed as high byte
//	2: next two bytes are a little-endian wide char
//	3: run-length copy from the OEM prefix, with optional byte correction
//
// An empty result means the packed stream produced nothing usable and the
// caller should fall back to the OEM name.
func DecodeName(name, enc []byte, maxDec int) string {
	if len(enc) == 0 {
		return ""
	}

	var (
		flags    byte
		flagBits int
	)
	highByte := uint16(enc[0])
	encPos := 1
	maxUnits := maxDec / 2
	out := make([]uint16, 0, maxUnits)

	oem := func(pos int) byte {
		if pos < len(name) {
			return name[pos]
		}
		return 0
	}

	for encPos < len(enc) && len(out) < maxUnits-1 {
		if flagBits == 0 {
			flags = enc[encPos]
			encPos++
			flagBits = 8
			continue
		}
		switch flags >> 6 {
		case 0:
			out = append(out, uint16(enc[encPos]))
			encPos++
		case 1:
			out = append(out, uint16(enc[encPos])+highByte<<8)
			encPos++
		case 2:
			if encPos+1 >= len(enc) {
				encPos = len(enc)
				break
			}
			out = append(out, uint16(enc[encPos])+uint16(enc[encPos+1])<<8)
			encPos += 2
		case 3:
			length := int(enc[encPos])
			encPos++
			if length&0x80 != 0 {
				if encPos >= len(enc) {
					break
				}
				correction := enc[encPos]
				encPos++
				for length = length&0x7f + 2; length > 0 && len(out) < maxUnits-1; length-- {
					out = append(out, uint16(oem(len(out))+correction)+highByte<<8)
				}
			} else {
				for length += 2; length > 0 && len(out) < maxUnits-1; length-- {
					out = append(out, uint16(oem(len(out))))
				}
			}
		}
		flags <<= 2
		flagBits -= 2
	}

	for i, u := range out {
		if u == 0 {
			out = out[:i]
			break
		}
	}
	return string(utf16.Decode(out))
}
