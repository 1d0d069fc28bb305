// Package wire implements the 9P2000 wire codec: the variable-length,
// little-endian message encoding described in section 6 of the 9P
// manual, including the qid and stat primitives and the double
// length-prefixed encoding of stat blobs.
//
// Unlike a streaming parser, this package operates on whole, in-memory
// frames. The transport layer is responsible for delivering complete
// 9P messages (it already frames datagrams and authenticates them);
// wire only has to validate and decode what it's handed.
package wire

import "fmt"

// Reserved sentinel values, per the 9P2000 spec.
const (
	NoTag uint16 = 0xFFFF
	NoFid uint32 = 0xFFFFFFFF

	// MaxWElem is the maximum number of path elements in a single
	// Twalk request.
	MaxWElem = 16

	// Version is the only protocol version this package understands.
	Version = "9P2000"
)

// QidType is the high byte of a file's mode word, and is carried
// verbatim in a Qid's type field.
type QidType uint8

const (
	QTDIR    QidType = 0x80
	QTAPPEND QidType = 0x40
	QTEXCL   QidType = 0x20
	QTMOUNT  QidType = 0x10
	QTAUTH   QidType = 0x08
	QTTMP    QidType = 0x04
	QTFILE   QidType = 0x00
)

// Mode bits for Stat.Mode, mirroring the QT* bits in their high byte.
const (
	DMDIR    uint32 = 0x80000000
	DMAPPEND uint32 = 0x40000000
	DMEXCL   uint32 = 0x20000000
	DMMOUNT  uint32 = 0x10000000
	DMAUTH   uint32 = 0x08000000
	DMTMP    uint32 = 0x04000000
)

// Message type codes, the standard 100..127 range. Terror (106) never
// appears on the wire.
const (
	msgTversion uint8 = 100 + iota
	msgRversion
	msgTauth
	msgRauth
	msgTattach
	msgRattach
	msgTerror // illegal on the wire
	msgRerror
	msgTflush
	msgRflush
	msgTwalk
	msgRwalk
	msgTopen
	msgRopen
	msgTcreate
	msgRcreate
	msgTread
	msgRread
	msgTwrite
	msgRwrite
	msgTclunk
	msgRclunk
	msgTremove
	msgRremove
	msgTstat
	msgRstat
	msgTwstat
	msgRwstat
)

// QidLen is the fixed wire length of a Qid.
const QidLen = 13

// Qid is the server-assigned identity of a filesystem object.
type Qid [QidLen]byte

func NewQid(qtype QidType, version uint32, path uint64) Qid {
	var q Qid
	q[0] = byte(qtype)
	putU32(q[1:5], version)
	putU64(q[5:13], path)
	return q
}

func (q Qid) Type() QidType  { return QidType(q[0]) }
func (q Qid) Version() uint32 { return getU32(q[1:5]) }
func (q Qid) Path() uint64    { return getU64(q[5:13]) }
func (q Qid) IsDir() bool     { return q[0]&byte(QTDIR) != 0 }

func (q Qid) String() string {
	return fmt.Sprintf("type=%#x ver=%d path=%d", q.Type(), q.Version(), q.Path())
}
