package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/sbl8/mandelzoom/core"
)

const (
	frameMagic   uint32 = 0x4D5A5346 // "MZSF"
	frameVersion uint16 = 1
)

// MaxStripPixels bounds the pixels of one decoded strip frame.
const MaxStripPixels = 1 << 24

// frameHeader is the fixed little-endian prefix of a strip frame, followed by
// PayloadLen bytes of zstd-compressed RGBA.
type frameHeader struct {
	Magic         uint32
	Version       uint16
	_             uint16
	Token         uint64
	StripStartRow uint32
	StripRowCount uint32
	Width         uint32
	PayloadLen    uint32
}

var zstdEncPool = sync.Pool{
	New: func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		return enc
	},
}

var zstdDecPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(4*MaxStripPixels))
		return dec
	},
}

// EncodeStrip writes s as a binary frame.
func EncodeStrip(w io.Writer, s StripResult) error {
	if s.Width < 1 || s.StripRowCount < 1 || len(s.Pix) != s.Width*s.StripRowCount*4 {
		return fmt.Errorf("model: strip %d has %d pixel bytes for %dx%d", s.StripStartRow, len(s.Pix), s.Width, s.StripRowCount)
	}
	enc := zstdEncPool.Get().(*zstd.Encoder)
	payload := enc.EncodeAll(s.Pix, nil)
	zstdEncPool.Put(enc)

	h := frameHeader{
		Magic:         frameMagic,
		Version:       frameVersion,
		Token:         s.Token,
		StripStartRow: uint32(s.StripStartRow),
		StripRowCount: uint32(s.StripRowCount),
		Width:         uint32(s.Width),
		PayloadLen:    uint32(len(payload)),
	}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// DecodeStrip reads one binary frame written by EncodeStrip.
func DecodeStrip(r io.Reader) (StripResult, error) {
	var h frameHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return StripResult{}, fmt.Errorf("model: read frame header: %w", err)
	}
	if h.Magic != frameMagic {
		return StripResult{}, &core.ParseError{Input: fmt.Sprintf("%#x", h.Magic), Reason: "invalid frame magic"}
	}
	if h.Version != frameVersion {
		return StripResult{}, &core.ParseError{Input: fmt.Sprint(h.Version), Reason: "unsupported frame version"}
	}
	if h.Width < 1 || h.Width > MaxDimension || h.StripRowCount < 1 || h.StripRowCount > MaxDimension ||
		int(h.Width)*int(h.StripRowCount) > MaxStripPixels {
		return StripResult{}, &core.ParseError{Input: fmt.Sprintf("%dx%d", h.Width, h.StripRowCount), Reason: "strip size out of range"}
	}
	want := int(h.Width) * int(h.StripRowCount) * 4
	// Raw size plus zstd framing is the most a valid payload can take.
	if int(h.PayloadLen) > want+want/1024+1024 {
		return StripResult{}, &core.ParseError{Input: fmt.Sprint(h.PayloadLen), Reason: "payload larger than strip"}
	}
	// The payload buffer grows with the bytes that actually arrive.
	var payload bytes.Buffer
	if _, err := io.CopyN(&payload, r, int64(h.PayloadLen)); err != nil {
		return StripResult{}, fmt.Errorf("model: read frame payload: %w", err)
	}

	dec := zstdDecPool.Get().(*zstd.Decoder)
	pix, err := dec.DecodeAll(payload.Bytes(), make([]byte, 0, want))
	zstdDecPool.Put(dec)
	if err != nil {
		return StripResult{}, &core.ParseError{Input: "payload", Reason: err.Error()}
	}
	if len(pix) != want {
		return StripResult{}, &core.ParseError{Input: "payload", Reason: fmt.Sprintf("decoded %d pixel bytes, want %d", len(pix), want)}
	}
	return StripResult{
		Type:          TypeStrip,
		Token:         h.Token,
		StripStartRow: int(h.StripStartRow),
		StripRowCount: int(h.StripRowCount),
		Width:         int(h.Width),
		Pix:           pix,
	}, nil
}

// MarshalStrip is EncodeStrip into a fresh byte slice.
func MarshalStrip(s StripResult) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeStrip(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
