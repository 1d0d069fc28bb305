package wire

// DecodeT parses a single, complete 9P T-message frame: size[4]
// type[1] tag[2] body. It returns the message's tag and decoded body.
//
// An R-message type handed to DecodeT yields UnsupportedType; an
// unrecognized type byte yields UnknownType.
func DecodeT(b []byte) (tag uint16, m TMessage, err error) {
	typ, tag, body, err := splitFrame(b)
	if err != nil {
		return tag, nil, err
	}
	switch typ {
	case msgTversion:
		v, err := decTversion(body)
		return tag, v, err
	case msgTauth:
		v, err := decTauth(body)
		return tag, v, err
	case msgTattach:
		v, err := decTattach(body)
		return tag, v, err
	case msgTflush:
		v, err := decTflush(body)
		return tag, v, err
	case msgTwalk:
		v, err := decTwalk(body)
		return tag, v, err
	case msgTopen:
		v, err := decTopen(body)
		return tag, v, err
	case msgTcreate:
		v, err := decTcreate(body)
		return tag, v, err
	case msgTread:
		v, err := decTread(body)
		return tag, v, err
	case msgTwrite:
		v, err := decTwrite(body)
		return tag, v, err
	case msgTclunk:
		v, err := decTclunk(body)
		return tag, v, err
	case msgTremove:
		v, err := decTremove(body)
		return tag, v, err
	case msgTstat:
		v, err := decTstat(body)
		return tag, v, err
	case msgTwstat:
		v, err := decTwstat(body)
		return tag, v, err
	case msgRversion, msgRauth, msgRattach, msgRerror, msgRflush, msgRwalk,
		msgRopen, msgRcreate, msgRread, msgRwrite, msgRclunk, msgRremove,
		msgRstat, msgRwstat, msgTerror:
		return tag, nil, UnsupportedType{Type: typ, Tag: tag}
	default:
		return tag, nil, UnknownType{Type: typ, Tag: tag}
	}
}

// DecodeR parses a single, complete 9P R-message frame.
//
// A T-message type handed to DecodeR yields UnsupportedType; an
// unrecognized type byte yields UnknownType.
func DecodeR(b []byte) (tag uint16, m RMessage, err error) {
	typ, tag, body, err := splitFrame(b)
	if err != nil {
		return tag, nil, err
	}
	switch typ {
	case msgRversion:
		v, err := decRversion(body)
		return tag, v, err
	case msgRauth:
		v, err := decRauth(body)
		return tag, v, err
	case msgRattach:
		v, err := decRattach(body)
		return tag, v, err
	case msgRerror:
		v, err := decRerror(body)
		return tag, v, err
	case msgRflush:
		return tag, Rflush{}, nil
	case msgRwalk:
		v, err := decRwalk(body)
		return tag, v, err
	case msgRopen:
		v, err := decRopen(body)
		return tag, v, err
	case msgRcreate:
		v, err := decRcreate(body)
		return tag, v, err
	case msgRread:
		v, err := decRread(body)
		return tag, v, err
	case msgRwrite:
		v, err := decRwrite(body)
		return tag, v, err
	case msgRclunk:
		return tag, Rclunk{}, nil
	case msgRremove:
		return tag, Rremove{}, nil
	case msgRstat:
		v, err := decRstat(body)
		return tag, v, err
	case msgRwstat:
		return tag, Rwstat{}, nil
	case msgTversion, msgTauth, msgTattach, msgTflush, msgTwalk, msgTopen,
		msgTcreate, msgTread, msgTwrite, msgTclunk, msgTremove, msgTstat,
		msgTwstat, msgTerror:
		return tag, nil, UnsupportedType{Type: typ, Tag: tag}
	default:
		return tag, nil, UnknownType{Type: typ, Tag: tag}
	}
}

// splitFrame validates the size[4] type[1] tag[2] header and returns
// the message type, tag, and the remaining body bytes (everything
// after the tag).
func splitFrame(b []byte) (typ uint8, tag uint16, body []byte, err error) {
	if len(b) == 0 {
		return 0, 0, nil, errZeroLen
	}
	if len(b) < 7 {
		return 0, 0, nil, TooShort{}
	}
	size := getU32(b[0:4])
	if uint32(len(b)) != size {
		if uint32(len(b)) < size {
			return 0, 0, nil, TooShort{}
		}
		return 0, 0, nil, TooLong{}
	}
	typ = b[4]
	tag = getU16(b[5:7])
	return typ, tag, b[7:], nil
}

func decTversion(b []byte) (Tversion, error) {
	if len(b) < 4 {
		return Tversion{}, TooShort{}
	}
	msize := getU32(b[0:4])
	ver, rest, err := decodeString(b[4:])
	if err != nil {
		return Tversion{}, err
	}
	if len(rest) != 0 {
		return Tversion{}, TooLong{}
	}
	return Tversion{Msize: msize, Version: ver}, nil
}

func decRversion(b []byte) (Rversion, error) {
	if len(b) < 4 {
		return Rversion{}, TooShort{}
	}
	msize := getU32(b[0:4])
	ver, rest, err := decodeString(b[4:])
	if err != nil {
		return Rversion{}, err
	}
	if len(rest) != 0 {
		return Rversion{}, TooLong{}
	}
	return Rversion{Msize: msize, Version: ver}, nil
}

func decTauth(b []byte) (Tauth, error) {
	if len(b) < 4 {
		return Tauth{}, TooShort{}
	}
	afid := getU32(b[0:4])
	uname, rest, err := decodeString(b[4:])
	if err != nil {
		return Tauth{}, err
	}
	aname, rest, err := decodeString(rest)
	if err != nil {
		return Tauth{}, err
	}
	if len(rest) != 0 {
		return Tauth{}, TooLong{}
	}
	return Tauth{Afid: afid, Uname: uname, Aname: aname}, nil
}

func decRauth(b []byte) (Rauth, error) {
	if len(b) != QidLen {
		if len(b) < QidLen {
			return Rauth{}, TooShort{}
		}
		return Rauth{}, TooLong{}
	}
	var q Qid
	copy(q[:], b)
	return Rauth{Aqid: q}, nil
}

func decTattach(b []byte) (Tattach, error) {
	if len(b) < 8 {
		return Tattach{}, TooShort{}
	}
	fid := getU32(b[0:4])
	afid := getU32(b[4:8])
	uname, rest, err := decodeString(b[8:])
	if err != nil {
		return Tattach{}, err
	}
	aname, rest, err := decodeString(rest)
	if err != nil {
		return Tattach{}, err
	}
	if len(rest) != 0 {
		return Tattach{}, TooLong{}
	}
	return Tattach{Fid: fid, Afid: afid, Uname: uname, Aname: aname}, nil
}

func decRattach(b []byte) (Rattach, error) {
	if len(b) != QidLen {
		if len(b) < QidLen {
			return Rattach{}, TooShort{}
		}
		return Rattach{}, TooLong{}
	}
	var q Qid
	copy(q[:], b)
	return Rattach{Qid: q}, nil
}

func decRerror(b []byte) (Rerror, error) {
	ename, rest, err := decodeString(b)
	if err != nil {
		return Rerror{}, err
	}
	if len(rest) != 0 {
		return Rerror{}, TooLong{}
	}
	return Rerror{Ename: ename}, nil
}

func decTflush(b []byte) (Tflush, error) {
	if len(b) != 2 {
		if len(b) < 2 {
			return Tflush{}, TooShort{}
		}
		return Tflush{}, TooLong{}
	}
	return Tflush{Oldtag: getU16(b)}, nil
}

func decTwalk(b []byte) (Twalk, error) {
	if len(b) < 10 {
		return Twalk{}, TooShort{}
	}
	fid := getU32(b[0:4])
	newfid := getU32(b[4:8])
	nwname := int(getU16(b[8:10]))
	if nwname > MaxWElem {
		return Twalk{}, errMaxWElem
	}
	rest := b[10:]
	wname := make([]string, nwname)
	for i := 0; i < nwname; i++ {
		var (
			s   string
			err error
		)
		s, rest, err = decodeString(rest)
		if err != nil {
			return Twalk{}, err
		}
		wname[i] = s
	}
	if len(rest) != 0 {
		return Twalk{}, TooLong{}
	}
	return Twalk{Fid: fid, Newfid: newfid, Wname: wname}, nil
}

func decRwalk(b []byte) (Rwalk, error) {
	if len(b) < 2 {
		return Rwalk{}, TooShort{}
	}
	nwqid := int(getU16(b[0:2]))
	rest := b[2:]
	if len(rest) != nwqid*QidLen {
		if len(rest) < nwqid*QidLen {
			return Rwalk{}, TooShort{}
		}
		return Rwalk{}, TooLong{}
	}
	wqid := make([]Qid, nwqid)
	for i := range wqid {
		copy(wqid[i][:], rest[i*QidLen:(i+1)*QidLen])
	}
	return Rwalk{Wqid: wqid}, nil
}

func decTopen(b []byte) (Topen, error) {
	if len(b) != 5 {
		if len(b) < 5 {
			return Topen{}, TooShort{}
		}
		return Topen{}, TooLong{}
	}
	return Topen{Fid: getU32(b[0:4]), Mode: b[4]}, nil
}

func decRopen(b []byte) (Ropen, error) {
	if len(b) != QidLen+4 {
		if len(b) < QidLen+4 {
			return Ropen{}, TooShort{}
		}
		return Ropen{}, TooLong{}
	}
	var q Qid
	copy(q[:], b[:QidLen])
	return Ropen{Qid: q, IOUnit: getU32(b[QidLen:])}, nil
}

func decTcreate(b []byte) (Tcreate, error) {
	if len(b) < 4 {
		return Tcreate{}, TooShort{}
	}
	fid := getU32(b[0:4])
	name, rest, err := decodeString(b[4:])
	if err != nil {
		return Tcreate{}, err
	}
	if len(rest) != 5 {
		if len(rest) < 5 {
			return Tcreate{}, TooShort{}
		}
		return Tcreate{}, TooLong{}
	}
	perm := getU32(rest[0:4])
	mode := rest[4]
	return Tcreate{Fid: fid, Name: name, Perm: perm, Mode: mode}, nil
}

func decRcreate(b []byte) (Rcreate, error) {
	if len(b) != QidLen+4 {
		if len(b) < QidLen+4 {
			return Rcreate{}, TooShort{}
		}
		return Rcreate{}, TooLong{}
	}
	var q Qid
	copy(q[:], b[:QidLen])
	return Rcreate{Qid: q, IOUnit: getU32(b[QidLen:])}, nil
}

func decTread(b []byte) (Tread, error) {
	if len(b) != 16 {
		if len(b) < 16 {
			return Tread{}, TooShort{}
		}
		return Tread{}, TooLong{}
	}
	return Tread{
		Fid:    getU32(b[0:4]),
		Offset: getU64(b[4:12]),
		Count:  getU32(b[12:16]),
	}, nil
}

func decRread(b []byte) (Rread, error) {
	if len(b) < 4 {
		return Rread{}, TooShort{}
	}
	count := getU32(b[0:4])
	data := b[4:]
	if uint32(len(data)) != count {
		if uint32(len(data)) < count {
			return Rread{}, TooShort{}
		}
		return Rread{}, TooLong{}
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return Rread{Data: buf}, nil
}

func decTwrite(b []byte) (Twrite, error) {
	if len(b) < 16 {
		return Twrite{}, TooShort{}
	}
	fid := getU32(b[0:4])
	offset := getU64(b[4:12])
	count := getU32(b[12:16])
	data := b[16:]
	if uint32(len(data)) != count {
		if uint32(len(data)) < count {
			return Twrite{}, TooShort{}
		}
		return Twrite{}, TooLong{}
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return Twrite{Fid: fid, Offset: offset, Data: buf}, nil
}

func decRwrite(b []byte) (Rwrite, error) {
	if len(b) != 4 {
		if len(b) < 4 {
			return Rwrite{}, TooShort{}
		}
		return Rwrite{}, TooLong{}
	}
	return Rwrite{Count: getU32(b)}, nil
}

func decTclunk(b []byte) (Tclunk, error) {
	if len(b) != 4 {
		if len(b) < 4 {
			return Tclunk{}, TooShort{}
		}
		return Tclunk{}, TooLong{}
	}
	return Tclunk{Fid: getU32(b)}, nil
}

func decTremove(b []byte) (Tremove, error) {
	if len(b) != 4 {
		if len(b) < 4 {
			return Tremove{}, TooShort{}
		}
		return Tremove{}, TooLong{}
	}
	return Tremove{Fid: getU32(b)}, nil
}

func decTstat(b []byte) (Tstat, error) {
	if len(b) != 4 {
		if len(b) < 4 {
			return Tstat{}, TooShort{}
		}
		return Tstat{}, TooLong{}
	}
	return Tstat{Fid: getU32(b)}, nil
}

func decRstat(b []byte) (Rstat, error) {
	st, rest, err := decodeStat(b)
	if err != nil {
		return Rstat{}, err
	}
	if len(rest) != 0 {
		return Rstat{}, TooLong{}
	}
	return Rstat{Stat: st}, nil
}

func decTwstat(b []byte) (Twstat, error) {
	if len(b) < 4 {
		return Twstat{}, TooShort{}
	}
	fid := getU32(b[0:4])
	st, rest, err := decodeStat(b[4:])
	if err != nil {
		return Twstat{}, err
	}
	if len(rest) != 0 {
		return Twstat{}, TooLong{}
	}
	return Twstat{Fid: fid, Stat: st}, nil
}
