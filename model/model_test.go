package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/sbl8/mandelzoom/core"
	"github.com/sbl8/mandelzoom/kernels"
)

func testSnapshot() Snapshot {
	return Snapshot{
		CenterRe:      core.MustParse("-0.5", 256),
		CenterIm:      core.MustParse("0", 256),
		PixelScale:    core.MustParse("0.035", 256),
		PrecisionBits: 256,
		MaxIterations: 200,
		SampleStep:    1,
		Width:         100,
		Height:        100,
	}
}

func testJob() Job {
	s := testSnapshot()
	xMin, yMin := s.Origin(256)
	return Job{
		Version:       SchemaVersion,
		Token:         7,
		ImageWidth:    100,
		ImageHeight:   100,
		StripStartRow: 32,
		StripRowCount: 16,
		SampleStep:    1,
		MaxIterations: 200,
		PrecisionBits: 256,
		Backend:       kernels.BackendFixed,
		Palette:       kernels.PaletteSmooth,
		XMin:          xMin,
		YMin:          yMin,
		PixelScale:    s.PixelScale,
	}
}

func TestSnapshotValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Snapshot)
		wantErr bool
	}{
		{"valid", func(*Snapshot) {}, false},
		{"zero width", func(s *Snapshot) { s.Width = 0 }, true},
		{"huge height", func(s *Snapshot) { s.Height = MaxDimension + 1 }, true},
		{"zero scale", func(s *Snapshot) { s.PixelScale = core.Zero(64) }, true},
		{"negative scale", func(s *Snapshot) { s.PixelScale = s.PixelScale.Neg() }, true},
		{"negative precision", func(s *Snapshot) { s.PrecisionBits = -1 }, true},
		{"negative budget", func(s *Snapshot) { s.MaxIterations = -5 }, true},
		{"auto everything", func(s *Snapshot) { s.PrecisionBits, s.MaxIterations, s.SampleStep = 0, 0, 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSnapshot()
			tt.mutate(&s)
			if err := s.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOrigin(t *testing.T) {
	t.Parallel()
	xMin, yMin := testSnapshot().Origin(256)
	if got := xMin.Float64(); math.Abs(got+2.25) > 1e-12 {
		t.Errorf("xMin = %g, want -2.25", got)
	}
	if got := yMin.Float64(); math.Abs(got+1.75) > 1e-12 {
		t.Errorf("yMin = %g, want -1.75", got)
	}
	if xMin.Prec() != 256 || yMin.Prec() != 256 {
		t.Errorf("origin precision = %d/%d, want 256", xMin.Prec(), yMin.Prec())
	}
}

func TestOriginOddSize(t *testing.T) {
	t.Parallel()
	s := testSnapshot()
	s.Width, s.Height = 101, 75
	xMin, yMin := s.Origin(256)
	// The center lands on pixel (50, 37).
	cx := xMin.Add(s.PixelScale.MulInt(50))
	cy := yMin.Add(s.PixelScale.MulInt(37))
	if cx.Cmp(s.CenterRe) != 0 || cy.Cmp(s.CenterIm) != 0 {
		t.Errorf("pixel (50, 37) = (%s, %s), want the center", cx.Decimal(20), cy.Decimal(20))
	}
}

func TestJobCoord(t *testing.T) {
	t.Parallel()
	j := testJob()
	re, im := j.Coord(50, 50)
	if math.Abs(re.Float64()+0.5) > 1e-12 || math.Abs(im.Float64()) > 1e-12 {
		t.Errorf("Coord(50, 50) = (%g, %g), want the center", re.Float64(), im.Float64())
	}
	if j.PixLen() != 100*16*4 {
		t.Errorf("PixLen() = %d", j.PixLen())
	}
}

func TestJobJSONRoundTrip(t *testing.T) {
	t.Parallel()
	want := testJob()
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeJob(data)
	if err != nil {
		t.Fatalf("DecodeJob: %v\n%s", err, data)
	}
	if got.Token != want.Token || got.StripStartRow != want.StripStartRow || got.Backend != want.Backend || got.Palette != want.Palette {
		t.Errorf("scalar fields differ: got %+v", got)
	}
	for _, pair := range [][2]core.Number{{got.XMin, want.XMin}, {got.YMin, want.YMin}, {got.PixelScale, want.PixelScale}} {
		if pair[0].Cmp(pair[1]) != 0 || pair[0].Prec() != pair[1].Prec() {
			t.Errorf("number %v != %v", pair[0], pair[1])
		}
	}
}

// mutateJob re-encodes the test job after editing its generic JSON form.
func mutateJob(t *testing.T, edit func(map[string]any)) []byte {
	t.Helper()
	data, err := json.Marshal(testJob())
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	edit(m)
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDecodeJobRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
	}{
		{"legacy bits key", mutateJob(t, func(m map[string]any) { m["b"] = 256 })},
		{"legacy xmin key", mutateJob(t, func(m map[string]any) { m["x0"] = m["xMin"]; delete(m, "xMin") })},
		{"missing token", mutateJob(t, func(m map[string]any) { delete(m, "token") })},
		{"missing pixel scale", mutateJob(t, func(m map[string]any) { delete(m, "pixelScale") })},
		{"future version", mutateJob(t, func(m map[string]any) { m["version"] = 2 })},
		{"unknown backend", mutateJob(t, func(m map[string]any) { m["backend"] = "quad" })},
		{"strip past image", mutateJob(t, func(m map[string]any) { m["stripStartRow"] = 90 })},
		{"zero sample step", mutateJob(t, func(m map[string]any) { m["sampleStep"] = 0 })},
		{"overflowing strip", mutateJob(t, func(m map[string]any) {
			m["stripStartRow"], m["stripRowCount"] = 1<<62, 1<<62
		})},
		{"precision mismatch", mutateJob(t, func(m map[string]any) { m["precisionBits"] = 512 })},
		{"operand precision mismatch", mutateJob(t, func(m map[string]any) {
			m["pixelScale"] = map[string]any{"mantissa": "9223372036854775808", "exponent": -68, "precision": 64}
		})},
		{"bad number", mutateJob(t, func(m map[string]any) {
			m["xMin"] = map[string]any{"mantissa": "3", "exponent": 0, "precision": 256}
		})},
		{"trailing data", append(mutateJob(t, func(map[string]any) {}), []byte(" {}")...)},
		{"not json", []byte("token=1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJob(tt.data)
			if err == nil {
				t.Fatal("DecodeJob succeeded")
			}
			if !errors.Is(err, core.ErrParse) {
				t.Errorf("err = %v, want a ParseError", err)
			}
		})
	}
}

func TestDecodeResult(t *testing.T) {
	t.Parallel()
	strip := StripResult{Type: TypeStrip, Token: 3, StripStartRow: 16, StripRowCount: 2, Width: 2, Pix: make([]byte, 16)}
	data, _ := json.Marshal(strip)
	res, err := DecodeResult(data)
	if err != nil || res.Strip == nil || res.Err != nil || res.Token() != 3 {
		t.Fatalf("strip: %+v, %v", res, err)
	}

	msg := ErrorMessage{Type: TypeError, Token: 4, StripStartRow: 0, Message: "boom"}
	data, _ = json.Marshal(msg)
	res, err = DecodeResult(data)
	if err != nil || res.Err == nil || res.Err.Message != "boom" || res.Token() != 4 {
		t.Fatalf("error: %+v, %v", res, err)
	}

	bad := [][]byte{
		[]byte(`{"type":"progress","token":1}`),
		[]byte(`{"type":"strip","token":1,"stripStartRow":0,"stripRowCount":1,"imageWidth":2,"pix":"AAAA"}`),
		[]byte(`{"type":"error","token":1,"message":"x"}`),
		[]byte(`{"type":"error","token":1,"stripStartRow":0,"message":"x","detail":"y"}`),
	}
	for _, b := range bad {
		if _, err := DecodeResult(b); !errors.Is(err, core.ErrParse) {
			t.Errorf("DecodeResult(%s) = %v, want ParseError", b, err)
		}
	}
}

func TestStripFrameRoundTrip(t *testing.T) {
	t.Parallel()
	pix := make([]byte, 64*8*4)
	for i := range pix {
		pix[i] = byte(i * 31 / 7)
	}
	want := StripResult{Type: TypeStrip, Token: 1 << 40, StripStartRow: 24, StripRowCount: 8, Width: 64, Pix: pix}

	data, err := MarshalStrip(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeStrip(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != want.Token || got.StripStartRow != 24 || got.StripRowCount != 8 || got.Width != 64 {
		t.Errorf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Pix, pix) {
		t.Error("pixel payload differs after round trip")
	}

	// Uniform strips shrink.
	flat := StripResult{Token: 1, StripRowCount: 16, Width: 256, Pix: bytes.Repeat([]byte{0, 0, 0, 255}, 256*16)}
	data, err = MarshalStrip(flat)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) >= len(flat.Pix)/10 {
		t.Errorf("flat strip encoded to %d bytes", len(data))
	}
}

func TestDecodeStripRejects(t *testing.T) {
	t.Parallel()
	good, err := MarshalStrip(StripResult{Token: 1, StripRowCount: 1, Width: 4, Pix: make([]byte, 16)})
	if err != nil {
		t.Fatal(err)
	}

	badMagic := append([]byte(nil), good...)
	badMagic[0] ^= 0xFF
	if _, err := DecodeStrip(bytes.NewReader(badMagic)); !errors.Is(err, core.ErrParse) {
		t.Errorf("bad magic: %v", err)
	}
	if _, err := DecodeStrip(bytes.NewReader(good[:len(good)-2])); err == nil {
		t.Error("truncated frame decoded")
	}
	if err := EncodeStrip(&bytes.Buffer{}, StripResult{Width: 4, StripRowCount: 1, Pix: make([]byte, 3)}); err == nil {
		t.Error("short pixel buffer encoded")
	}

	// A bare header may not claim more pixels than a strip can hold.
	var huge bytes.Buffer
	h := frameHeader{Magic: frameMagic, Version: frameVersion, Width: MaxDimension, StripRowCount: MaxDimension, PayloadLen: 1 << 31}
	if err := binary.Write(&huge, binary.LittleEndian, h); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeStrip(&huge); !errors.Is(err, core.ErrParse) {
		t.Errorf("oversized header: %v", err)
	}
}

func TestSupersampled(t *testing.T) {
	t.Parallel()
	req := RenderRequest{Snapshot: testSnapshot(), InitialScale: core.MustParse("0.5", 256)}
	if got := req.Supersampled(0); got.Snapshot != req.Snapshot {
		t.Error("shift 0 changed the request")
	}
	got := req.Supersampled(2)
	if got.Snapshot.Width != 400 || got.Snapshot.Height != 400 {
		t.Errorf("size %dx%d, want 400x400", got.Snapshot.Width, got.Snapshot.Height)
	}
	if got.Snapshot.PixelScale.MulPow2(2).Cmp(req.Snapshot.PixelScale) != 0 {
		t.Errorf("scale %s is not a quarter of %s", got.Snapshot.PixelScale.Decimal(10), req.Snapshot.PixelScale.Decimal(10))
	}
	if got.InitialScale.Float64() != 0.125 {
		t.Errorf("initial scale %v, want 0.125", got.InitialScale.Float64())
	}
	if got.Snapshot.CenterRe.Cmp(req.Snapshot.CenterRe) != 0 || got.Snapshot.MaxIterations != 200 {
		t.Error("center or budget changed")
	}
}
