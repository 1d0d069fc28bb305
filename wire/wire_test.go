package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestQidRoundTrip(t *testing.T) {
	q := NewQid(QTDIR, 7, 0xdeadbeef)
	if q.Type() != QTDIR {
		t.Fatalf("Type() = %v, want QTDIR", q.Type())
	}
	if q.Version() != 7 {
		t.Fatalf("Version() = %d, want 7", q.Version())
	}
	if q.Path() != 0xdeadbeef {
		t.Fatalf("Path() = %x, want deadbeef", q.Path())
	}
	if len(q) != QidLen {
		t.Fatalf("encoded qid length = %d, want %d", len(q), QidLen)
	}
}

func TestStatRoundTrip(t *testing.T) {
	want := Stat{
		Type:   0,
		Dev:    0,
		Qid:    NewQid(QTFILE, 1, 2),
		Mode:   0644,
		Atime:  111,
		Mtime:  222,
		Length: 9000,
		Name:   "ch1",
		Uid:    "anon",
		Gid:    "anon",
		Muid:   "anon",
	}
	var w buffer
	encodeStat(&w, want)

	got, rest, err := decodeStat(w.b)
	if err != nil {
		t.Fatalf("decodeStat: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes after decodeStat: %d", len(rest))
	}
	if got != want {
		t.Fatalf("decodeStat = %+v, want %+v", got, want)
	}

	outer := getU16(w.b[0:2])
	inner := getU16(w.b[2:4])
	if int(inner) != int(outer)-2 {
		t.Fatalf("inner=%d outer=%d, want inner = outer-2", inner, outer)
	}

	// truncating one byte yields TooShort
	if _, _, err := decodeStat(w.b[:len(w.b)-1]); err == nil {
		t.Fatal("expected error decoding truncated stat")
	} else if _, ok := err.(TooShort); !ok {
		t.Fatalf("truncated stat: got %T, want TooShort", err)
	}

	// appending one byte yields TooLong
	padded := append(append([]byte{}, w.b...), 0)
	putU16(padded[0:2], outer+1)
	if _, _, err := decodeStat(padded); err == nil {
		t.Fatal("expected error decoding padded stat")
	} else if _, ok := err.(TooLong); !ok {
		t.Fatalf("padded stat: got %T, want TooLong", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		tag  uint16
		t    TMessage
		r    RMessage
	}{
		{"version", NoTag, Tversion{Msize: 8192, Version: "9P2000"}, nil},
		{"walk", 1, Twalk{Fid: 0, Newfid: 1, Wname: []string{"a", "b"}}, nil},
		{"walk-empty", 2, Twalk{Fid: 0, Newfid: 1, Wname: []string{}}, nil},
		{"open", 3, Topen{Fid: 1, Mode: 0}, nil},
		{"read", 4, Tread{Fid: 1, Offset: 0, Count: 1024}, nil},
		{"write", 5, Twrite{Fid: 1, Offset: 0, Data: []byte("hello")}, nil},
		{"clunk", 6, Tclunk{Fid: 1}, nil},
		{"flush", 7, Tflush{Oldtag: 4}, nil},
		{"stat", 8, Tstat{Fid: 1}, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := Encode(c.t, c.tag, 0)
			tag, m, err := DecodeT(b)
			if err != nil {
				t.Fatalf("DecodeT: %v", err)
			}
			if tag != c.tag {
				t.Fatalf("tag = %d, want %d", tag, c.tag)
			}
			if !reflect.DeepEqual(m, c.t) {
				t.Fatalf("decoded = %#v, want %#v", m, c.t)
			}
		})
	}
}

func TestRMessageRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		tag  uint16
		r    RMessage
	}{
		{"version", NoTag, Rversion{Msize: 8192, Version: "9P2000"}},
		{"attach", 1, Rattach{Qid: NewQid(QTDIR, 0, 0)}},
		{"error", 2, Rerror{Ename: "no such file or directory"}},
		{"walk", 3, Rwalk{Wqid: []Qid{NewQid(QTDIR, 0, 1), NewQid(QTFILE, 0, 2)}}},
		{"open", 4, Ropen{Qid: NewQid(QTFILE, 0, 3), IOUnit: 0}},
		{"read", 5, Rread{Data: []byte("some bytes")}},
		{"clunk", 6, Rclunk{}},
		{"flush", 7, Rflush{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := Encode(c.r, c.tag, 0)
			tag, m, err := DecodeR(b)
			if err != nil {
				t.Fatalf("DecodeR: %v", err)
			}
			if tag != c.tag {
				t.Fatalf("tag = %d, want %d", tag, c.tag)
			}
			// Rread carries a copied slice; compare contents not identity.
			if rr, ok := c.r.(Rread); ok {
				got := m.(Rread)
				if !bytes.Equal(got.Data, rr.Data) {
					t.Fatalf("Rread.Data = %q, want %q", got.Data, rr.Data)
				}
				return
			}
			if !reflect.DeepEqual(m, c.r) {
				t.Fatalf("decoded = %#v, want %#v", m, c.r)
			}
		})
	}
}

func TestTwriteTruncatedToMsize(t *testing.T) {
	msize := uint32(100)
	data := bytes.Repeat([]byte{'x'}, 1000)
	b := Encode(Twrite{Fid: 1, Offset: 0, Data: data}, 1, msize)
	_, m, err := DecodeT(b)
	if err != nil {
		t.Fatalf("DecodeT: %v", err)
	}
	got := m.(Twrite)
	want := MaxWriteData(msize)
	if uint32(len(got.Data)) != want {
		t.Fatalf("truncated Twrite.Data len = %d, want %d", len(got.Data), want)
	}
}

func TestDecodeBadType(t *testing.T) {
	b := Encode(Tversion{Msize: 8192, Version: "9P2000"}, NoTag, 0)
	// DecodeR on a T-message should fail.
	if _, _, err := DecodeR(b); err == nil {
		t.Fatal("expected UnsupportedType error")
	} else if _, ok := err.(UnsupportedType); !ok {
		t.Fatalf("got %T, want UnsupportedType", err)
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, _, err := DecodeT([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error")
	}
}
