package wire

// Stat describes one directory entry. On the wire it is doubly
// length-prefixed: an outer 16-bit size (covering everything after
// itself) and an inner 16-bit size equal to outer-2 (covering the
// fields after itself). Decode and Encode both enforce inner = outer-2.
type Stat struct {
	Type   uint16
	Dev    uint32
	Qid    Qid
	Mode   uint32
	Atime  uint32
	Mtime  uint32
	Length uint64
	Name   string
	Uid    string
	Gid    string
	Muid   string
}

// IsDir reports whether the stat describes a directory.
func (s Stat) IsDir() bool { return s.Mode&DMDIR != 0 }

// DecodeStat reads one length-prefixed Stat from the front of b,
// returning the stat and the remainder of b. It's exported for
// callers decoding the packed Stat entries returned by a directory
// read.
func DecodeStat(b []byte) (Stat, []byte, error) {
	return decodeStat(b)
}

// EncodeStat returns the standalone, doubly length-prefixed wire
// encoding of a single Stat. It's exported for callers packing stat
// entries into a directory read's Rread.Data one whole stat at a
// time.
func EncodeStat(s Stat) []byte {
	var w buffer
	encodeStat(&w, s)
	return w.b
}

// statBodyLen is the wire length of a Stat's fields, not counting the
// outer length prefix but counting the inner one.
func statBodyLen(s Stat) int {
	// inner[2] type[2] dev[4] qid[13] mode[4] atime[4] mtime[4] length[8]
	return 2 + 2 + 4 + QidLen + 4 + 4 + 4 + 8 +
		2 + len(s.Name) + 2 + len(s.Uid) + 2 + len(s.Gid) + 2 + len(s.Muid)
}

// encodeStat appends the wire encoding of s (outer size, inner size,
// fields) to w.
func encodeStat(w *buffer, s Stat) {
	body := statBodyLen(s)
	outer := uint16(body) // body includes the inner prefix; outer excludes only itself
	w.u16(outer)
	w.u16(outer - 2)
	w.u16(s.Type)
	w.u32(s.Dev)
	w.qid(s.Qid)
	w.u32(s.Mode)
	w.u32(s.Atime)
	w.u32(s.Mtime)
	w.u64(s.Length)
	w.str(s.Name)
	w.str(s.Uid)
	w.str(s.Gid)
	w.str(s.Muid)
}

// decodeStat reads one length-prefixed Stat from the front of b,
// returning the stat and the remainder of b. It enforces that the
// inner length field equals the outer length minus two, and that no
// bytes are left over within the stat's own bounds.
func decodeStat(b []byte) (Stat, []byte, error) {
	var s Stat
	if len(b) < 2 {
		return s, nil, TooShort{}
	}
	outer := getU16(b[0:2])
	total := int(outer) + 2 // outer + the 2 bytes of the outer prefix itself
	if len(b) < total {
		return s, nil, TooShort{}
	}
	body := b[2:total]
	rest := b[total:]

	if len(body) < 2 {
		return s, nil, TooShort{}
	}
	inner := getU16(body[0:2])
	if int(inner) != len(body)-2 {
		if int(inner) < len(body)-2 {
			return s, nil, TooLong{}
		}
		return s, nil, TooShort{}
	}
	p := body[2:]

	const fixed = 2 + 4 + QidLen + 4 + 4 + 4 + 8
	if len(p) < fixed {
		return s, nil, TooShort{}
	}
	s.Type = getU16(p[0:2])
	s.Dev = getU32(p[2:6])
	copy(s.Qid[:], p[6:6+QidLen])
	off := 6 + QidLen
	s.Mode = getU32(p[off : off+4])
	s.Atime = getU32(p[off+4 : off+8])
	s.Mtime = getU32(p[off+8 : off+12])
	s.Length = getU64(p[off+12 : off+20])
	p = p[off+20:]

	var err error
	if s.Name, p, err = decodeString(p); err != nil {
		return s, nil, err
	}
	if s.Uid, p, err = decodeString(p); err != nil {
		return s, nil, err
	}
	if s.Gid, p, err = decodeString(p); err != nil {
		return s, nil, err
	}
	if s.Muid, p, err = decodeString(p); err != nil {
		return s, nil, err
	}
	if len(p) != 0 {
		return s, nil, TooLong{}
	}
	return s, rest, nil
}

func decodeString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, TooShort{}
	}
	n := int(getU16(b[0:2]))
	if len(b) < 2+n {
		return "", nil, TooShort{}
	}
	s := b[2 : 2+n]
	if !validUTF8(s) {
		return "", nil, InvalidUTF8{}
	}
	return string(s), b[2+n:], nil
}
