package frontier

import "encoding/binary"

// Mztime is the default Timestamp implementation: a 64-bit logical
// clock, fixed-width big-endian encoded. It is totally ordered, so its
// Join is simply the maximum of the two values.
type Mztime uint64

var _ Timestamp[Mztime] = Mztime(0)

func (t Mztime) Less(other Mztime) bool  { return t < other }
func (t Mztime) Equal(other Mztime) bool { return t == other }

func (t Mztime) Join(other Mztime) Mztime {
	if t < other {
		return other
	}
	return t
}

func (t Mztime) Encode() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t))
	return b
}

// DecodeMztime decodes the fixed-width encoding produced by Encode.
func DecodeMztime(b [8]byte) Mztime {
	return Mztime(binary.BigEndian.Uint64(b[:]))
}
