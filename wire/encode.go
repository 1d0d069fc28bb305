package wire

import "fmt"

// MaxWriteData is the largest Twrite.Data payload that will fit in a
// single message of the given msize (19-byte header + 4-byte frame
// size = 23 bytes of overhead).
func MaxWriteData(msize uint32) uint32 {
	if msize < 23 {
		return 0
	}
	return msize - 23
}

// MaxReadData is the largest Rread.Data payload that will fit in a
// single message of the given msize (7-byte header + 4-byte frame
// size = 11 bytes of overhead).
func MaxReadData(msize uint32) uint32 {
	if msize < 11 {
		return 0
	}
	return msize - 11
}

// Encode serializes m with the given tag into a complete wire frame,
// including the leading size[4] field. Twrite and Rread payloads are
// truncated to fit within msize (see MaxWriteData/MaxReadData) before
// serialization; pass msize=0 to disable truncation (e.g. for
// messages besides Twrite/Rread, where it has no effect). Tversion
// and Rversion are always written with NoTag, whatever tag is passed.
func Encode(m interface{}, tag uint16, msize uint32) []byte {
	var w buffer
	w.u32(0) // placeholder for size
	switch m := m.(type) {
	case Tversion:
		w.u8(msgTversion)
		w.u16(NoTag)
		w.u32(m.Msize)
		w.str(m.Version)
	case Rversion:
		w.u8(msgRversion)
		w.u16(NoTag)
		w.u32(m.Msize)
		w.str(m.Version)
	case Tauth:
		w.u8(msgTauth)
		w.u16(tag)
		w.u32(m.Afid)
		w.str(m.Uname)
		w.str(m.Aname)
	case Rauth:
		w.u8(msgRauth)
		w.u16(tag)
		w.qid(m.Aqid)
	case Tattach:
		w.u8(msgTattach)
		w.u16(tag)
		w.u32(m.Fid)
		w.u32(m.Afid)
		w.str(m.Uname)
		w.str(m.Aname)
	case Rattach:
		w.u8(msgRattach)
		w.u16(tag)
		w.qid(m.Qid)
	case Rerror:
		w.u8(msgRerror)
		w.u16(tag)
		w.str(m.Ename)
	case Tflush:
		w.u8(msgTflush)
		w.u16(tag)
		w.u16(m.Oldtag)
	case Rflush:
		w.u8(msgRflush)
		w.u16(tag)
	case Twalk:
		w.u8(msgTwalk)
		w.u16(tag)
		w.u32(m.Fid)
		w.u32(m.Newfid)
		w.u16(uint16(len(m.Wname)))
		for _, name := range m.Wname {
			w.str(name)
		}
	case Rwalk:
		w.u8(msgRwalk)
		w.u16(tag)
		w.u16(uint16(len(m.Wqid)))
		for _, q := range m.Wqid {
			w.qid(q)
		}
	case Topen:
		w.u8(msgTopen)
		w.u16(tag)
		w.u32(m.Fid)
		w.u8(m.Mode)
	case Ropen:
		w.u8(msgRopen)
		w.u16(tag)
		w.qid(m.Qid)
		w.u32(m.IOUnit)
	case Tcreate:
		w.u8(msgTcreate)
		w.u16(tag)
		w.u32(m.Fid)
		w.str(m.Name)
		w.u32(m.Perm)
		w.u8(m.Mode)
	case Rcreate:
		w.u8(msgRcreate)
		w.u16(tag)
		w.qid(m.Qid)
		w.u32(m.IOUnit)
	case Tread:
		w.u8(msgTread)
		w.u16(tag)
		w.u32(m.Fid)
		w.u64(m.Offset)
		w.u32(m.Count)
	case Rread:
		data := m.Data
		if max := MaxReadData(msize); msize != 0 && uint32(len(data)) > max {
			data = data[:max]
		}
		w.u8(msgRread)
		w.u16(tag)
		w.u32(uint32(len(data)))
		w.bytes(data)
	case Twrite:
		data := m.Data
		if max := MaxWriteData(msize); msize != 0 && uint32(len(data)) > max {
			data = data[:max]
		}
		w.u8(msgTwrite)
		w.u16(tag)
		w.u32(m.Fid)
		w.u64(m.Offset)
		w.u32(uint32(len(data)))
		w.bytes(data)
	case Rwrite:
		w.u8(msgRwrite)
		w.u16(tag)
		w.u32(m.Count)
	case Tclunk:
		w.u8(msgTclunk)
		w.u16(tag)
		w.u32(m.Fid)
	case Rclunk:
		w.u8(msgRclunk)
		w.u16(tag)
	case Tremove:
		w.u8(msgTremove)
		w.u16(tag)
		w.u32(m.Fid)
	case Rremove:
		w.u8(msgRremove)
		w.u16(tag)
	case Tstat:
		w.u8(msgTstat)
		w.u16(tag)
		w.u32(m.Fid)
	case Rstat:
		w.u8(msgRstat)
		w.u16(tag)
		encodeStat(&w, m.Stat)
	case Twstat:
		w.u8(msgTwstat)
		w.u16(tag)
		w.u32(m.Fid)
		encodeStat(&w, m.Stat)
	case Rwstat:
		w.u8(msgRwstat)
		w.u16(tag)
	default:
		panic(fmt.Sprintf("wire: Encode: unsupported message type %T", m))
	}
	putU32(w.b[0:4], uint32(len(w.b)))
	return w.b
}
