package wire

import "encoding/binary"

func getU16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func getU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func getU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func putU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// buffer is a small growable byte-slice writer, used internally by the
// encoder. It exists so Encode can build a message without knowing its
// final length up front.
type buffer struct {
	b []byte
}

func (w *buffer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *buffer) u16(v uint16) { w.b = append(w.b, 0, 0); putU16(w.b[len(w.b)-2:], v) }
func (w *buffer) u32(v uint32) { w.b = append(w.b, 0, 0, 0, 0); putU32(w.b[len(w.b)-4:], v) }
func (w *buffer) u64(v uint64) {
	w.b = append(w.b, 0, 0, 0, 0, 0, 0, 0, 0)
	putU64(w.b[len(w.b)-8:], v)
}
func (w *buffer) bytes(p []byte) { w.b = append(w.b, p...) }
func (w *buffer) qid(q Qid)      { w.b = append(w.b, q[:]...) }

// str writes a 9P string: a 2-byte length prefix followed by the UTF-8
// bytes of s.
func (w *buffer) str(s string) {
	w.u16(uint16(len(s)))
	w.b = append(w.b, s...)
}
