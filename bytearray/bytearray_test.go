package bytearray_test

import (
	"bytes"
	"testing"

	"github.com/momentics/corosched/bytearray"
)

func TestWriteReadAcrossBlockBoundary(t *testing.T) {
	b := bytearray.New(4) // tiny blocks to force boundary crossings
	payload := []byte("hello world, this spans several 4-byte blocks")
	if _, err := b.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if b.Size() != len(payload) {
		t.Fatalf("Size=%d want %d", b.Size(), len(payload))
	}
	if err := b.SetPosition(0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := b.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestShortReadError(t *testing.T) {
	b := bytearray.New(8)
	b.Write([]byte("ab"))
	buf := make([]byte, 5)
	if _, err := b.Read(buf); err != bytearray.ErrShortRead {
		t.Fatalf("want ErrShortRead, got %v", err)
	}
}

func TestFixedWidthRoundTrip(t *testing.T) {
	b := bytearray.New(4)
	b.WriteUint16(0xBEEF)
	b.WriteInt32(-12345)
	b.WriteUint64Fixed(0xdeadbeefcafebabe)
	b.WriteFloat64(3.1415926535)
	if err := b.SetPosition(0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	if v, err := b.ReadUint16(); err != nil || v != 0xBEEF {
		t.Fatalf("ReadUint16=%x err=%v", v, err)
	}
	if v, err := b.ReadInt32(); err != nil || v != -12345 {
		t.Fatalf("ReadInt32=%d err=%v", v, err)
	}
	if v, err := b.ReadUint64Fixed(); err != nil || v != 0xdeadbeefcafebabe {
		t.Fatalf("ReadUint64Fixed=%x err=%v", v, err)
	}
	if v, err := b.ReadFloat64(); err != nil || v != 3.1415926535 {
		t.Fatalf("ReadFloat64=%v err=%v", v, err)
	}
}

func TestVarintZigzagRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 1000, -1000, 1<<40 - 1, -(1 << 40)}
	b := bytearray.New(8)
	for _, v := range values {
		b.WriteVarint64(v)
	}
	if err := b.SetPosition(0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	for _, want := range values {
		got, err := b.ReadVarint64()
		if err != nil {
			t.Fatalf("ReadVarint64: %v", err)
		}
		if got != want {
			t.Fatalf("got %d want %d", got, want)
		}
	}
}

func TestLengthPrefixedStrings(t *testing.T) {
	b := bytearray.New(8)
	b.WriteStringF16("short")
	b.WriteStringVint("a longer string encoded with a varint length prefix")
	if err := b.SetPosition(0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	s1, err := b.ReadStringF16()
	if err != nil || s1 != "short" {
		t.Fatalf("ReadStringF16=%q err=%v", s1, err)
	}
	s2, err := b.ReadStringVint()
	if err != nil || s2 != "a longer string encoded with a varint length prefix" {
		t.Fatalf("ReadStringVint=%q err=%v", s2, err)
	}
}

func TestSetPositionRereads(t *testing.T) {
	b := bytearray.New(4)
	b.WriteUint8(1)
	b.WriteUint8(2)
	b.WriteUint8(3)

	if err := b.SetPosition(0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	v, err := b.ReadUint8()
	if err != nil || v != 1 {
		t.Fatalf("first byte after rewind = %d err=%v", v, err)
	}
}

func TestReadIOVecSpansBlocksWithoutCopyingOrAdvancing(t *testing.T) {
	b := bytearray.New(4)
	payload := []byte("hello world spanning several 4-byte blocks")
	b.Write(payload)
	if err := b.SetPosition(0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	iov := b.ReadIOVec(len(payload))
	var joined []byte
	for _, seg := range iov {
		joined = append(joined, seg...)
	}
	if !bytes.Equal(joined, payload) {
		t.Fatalf("ReadIOVec segments joined = %q want %q", joined, payload)
	}
	if b.Position() != 0 {
		t.Fatalf("ReadIOVec must not advance the read cursor, position=%d", b.Position())
	}

	// Mutating through the view must be visible via Read: it is a live
	// window into the block chain, not a copy.
	if len(iov) > 0 && len(iov[0]) > 0 {
		iov[0][0] = 'X'
		got := make([]byte, len(payload))
		b.Read(got)
		if got[0] != 'X' {
			t.Fatal("ReadIOVec segment is not backed by the live buffer")
		}
	}
}

func TestWriteIOVecThenCommitIsReadableAfterward(t *testing.T) {
	b := bytearray.New(4)
	const want = "written directly through the vectored view"

	iov := b.WriteIOVec(len(want))
	src := []byte(want)
	off := 0
	for _, seg := range iov {
		n := copy(seg, src[off:])
		off += n
	}
	if off != len(want) {
		t.Fatalf("WriteIOVec produced %d bytes of capacity, want %d", off, len(want))
	}
	if err := b.Commit(len(want)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if b.Size() != len(want) {
		t.Fatalf("Size()=%d want %d", b.Size(), len(want))
	}
	if err := b.SetPosition(0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	got := make([]byte, len(want))
	if _, err := b.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestWriteToAndReadFrom(t *testing.T) {
	src := bytearray.New(4)
	src.WriteStringWithoutLength("round trip via io.Writer/io.Reader")
	if err := src.SetPosition(0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}

	var buf bytes.Buffer
	if _, err := src.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	dst := bytearray.New(4)
	if _, err := dst.ReadFrom(&buf); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if dst.Size() != len("round trip via io.Writer/io.Reader") {
		t.Fatalf("dst.Size()=%d", dst.Size())
	}
}
