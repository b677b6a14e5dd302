package rar3

import "github.com/crazy-max/rarhash/pkg/record"

// admissionFloor is the smallest unpacked size considered safely decodable
// when judging whether an incumbent candidate may be displaced.
func admissionFloor(method byte) uint64 {
	if method > methodStore {
		return 4
	}
	return 1
}

// warnFloor is the post-selection threshold below which the emitted record
// is flagged as prone to false positives. Kept distinct from admissionFloor
// on purpose.
func warnFloor(method byte) uint64 {
	if method > methodStore {
		return 5
	}
	return 1
}

// selector retains the single best -p mode candidate seen so far. Shorter
// ciphertext speeds up password trials, but a too-small plaintext makes the
// verification CRC match by accident more often, so packed size is preferred
// only while the unpacked size stays decodable.
type selector struct {
	pack   uint64
	unp    uint64
	method byte
	rec    *record.Rar3File
}

// keepIncumbent reports whether the current best candidate should be kept
// over a new candidate with the given sizes and method. A new candidate is
// always admitted when none is held yet.
func (s *selector) keepIncumbent(pack, unp uint64, method byte) bool {
	if s.rec == nil {
		return false
	}
	if s.pack < pack && s.unp >= admissionFloor(s.method) {
		return true
	}
	if s.unp > unp && unp < admissionFloor(method) {
		return true
	}
	if s.pack == pack {
		if s.unp > unp && unp < 8 {
			return true
		}
		if s.unp <= unp && s.unp >= 8 {
			return true
		}
	}
	return false
}

// admit replaces the incumbent wholesale.
func (s *selector) admit(pack, unp uint64, method byte, rec *record.Rar3File) {
	s.pack = pack
	s.unp = unp
	s.method = method
	s.rec = rec
}
