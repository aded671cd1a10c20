package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math/big"
	"strconv"
	"strings"
)

const (
	binaryMagic   = 'N'
	binaryVersion = 1
)

// fromParts validates a deserialized (mantissa, exponent, precision) triple.
func fromParts(input string, m *big.Int, exp int64, prec uint) (Number, error) {
	if prec == 0 {
		return Number{}, &ParseError{Input: input, Reason: "precision must be positive"}
	}
	if m.Sign() == 0 {
		if exp != 0 {
			return Number{}, &ParseError{Input: input, Reason: "zero mantissa with nonzero exponent"}
		}
		return Zero(prec), nil
	}
	if uint(m.BitLen()) != prec {
		return Number{}, &ParseError{Input: input, Reason: "mantissa not normalized to precision"}
	}
	return Number{mant: m, exp: exp, prec: prec}, nil
}

// MarshalText encodes x as "mantissa,exponent,precision" in decimal.
func (x Number) MarshalText() ([]byte, error) {
	var b strings.Builder
	b.WriteString(x.Mantissa().String())
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(x.exp, 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatUint(uint64(x.prec), 10))
	return []byte(b.String()), nil
}

// UnmarshalText decodes the MarshalText form.
func (x *Number) UnmarshalText(text []byte) error {
	in := string(text)
	parts := strings.Split(in, ",")
	if len(parts) != 3 {
		return &ParseError{Input: in, Reason: "want mantissa,exponent,precision"}
	}
	m, ok := new(big.Int).SetString(parts[0], 10)
	if !ok {
		return &ParseError{Input: in, Reason: "invalid mantissa"}
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return &ParseError{Input: in, Reason: "invalid exponent"}
	}
	prec, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return &ParseError{Input: in, Reason: "invalid precision"}
	}
	n, err := fromParts(in, m, exp, uint(prec))
	if err != nil {
		return err
	}
	*x = n
	return nil
}

// triple is the structured form {mantissa, exponent, precision}. The mantissa
// travels as a decimal string because it routinely exceeds 53 bits.
type triple struct {
	Mantissa  *string `json:"mantissa"`
	Exponent  *int64  `json:"exponent"`
	Precision *uint   `json:"precision"`
}

// MarshalJSON encodes x as {"mantissa":"…","exponent":…,"precision":…}.
func (x Number) MarshalJSON() ([]byte, error) {
	m := x.Mantissa().String()
	exp := x.exp
	prec := x.prec
	return json.Marshal(triple{Mantissa: &m, Exponent: &exp, Precision: &prec})
}

// UnmarshalJSON decodes the structured form. Unknown and missing fields are
// rejected.
func (x *Number) UnmarshalJSON(data []byte) error {
	in := string(data)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var t triple
	if err := dec.Decode(&t); err != nil {
		return &ParseError{Input: in, Reason: err.Error()}
	}
	if t.Mantissa == nil || t.Exponent == nil || t.Precision == nil {
		return &ParseError{Input: in, Reason: "mantissa, exponent and precision are required"}
	}
	m, ok := new(big.Int).SetString(*t.Mantissa, 10)
	if !ok {
		return &ParseError{Input: in, Reason: "invalid mantissa"}
	}
	n, err := fromParts(in, m, *t.Exponent, *t.Precision)
	if err != nil {
		return err
	}
	*x = n
	return nil
}

// MarshalBinary writes x in binary form.
// Layout: [magic(1)][version(1)][prec(4)][exp(8)][sign(1)][len(mag)(4)][mag bytes][crc32(4)]
func (x Number) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(binaryMagic)
	buf.WriteByte(binaryVersion)

	if err := binary.Write(buf, binary.LittleEndian, uint32(x.prec)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, x.exp); err != nil {
		return nil, err
	}

	var sign byte
	if x.Sign() < 0 {
		sign = 1
	}
	buf.WriteByte(sign)

	var mag []byte
	if !x.IsZero() {
		mag = new(big.Int).Abs(x.mant).Bytes()
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(mag))); err != nil {
		return nil, err
	}
	buf.Write(mag)

	sum := crc32.ChecksumIEEE(buf.Bytes())
	if err := binary.Write(buf, binary.LittleEndian, sum); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary reads the MarshalBinary form.
func (x *Number) UnmarshalBinary(data []byte) error {
	n, err := readBinary(data)
	if err != nil {
		return &ParseError{Input: fmt.Sprintf("%d bytes", len(data)), Reason: err.Error()}
	}
	*x = n
	return nil
}

func readBinary(data []byte) (Number, error) {
	if len(data) < 4 {
		return Number{}, errors.New("too short")
	}
	body, tail := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(tail) {
		return Number{}, errors.New("checksum mismatch")
	}

	r := bytes.NewReader(body)
	magic, err := r.ReadByte()
	if err != nil {
		return Number{}, err
	}
	version, err := r.ReadByte()
	if err != nil {
		return Number{}, err
	}
	if magic != binaryMagic || version != binaryVersion {
		return Number{}, fmt.Errorf("unsupported header %q v%d", magic, version)
	}

	var prec uint32
	if err := binary.Read(r, binary.LittleEndian, &prec); err != nil {
		return Number{}, err
	}
	var exp int64
	if err := binary.Read(r, binary.LittleEndian, &exp); err != nil {
		return Number{}, err
	}
	sign, err := r.ReadByte()
	if err != nil {
		return Number{}, err
	}
	var magLen uint32
	if err := binary.Read(r, binary.LittleEndian, &magLen); err != nil {
		return Number{}, err
	}
	if int64(magLen) != int64(r.Len()) {
		return Number{}, errors.New("inconsistent mantissa length")
	}
	mag := make([]byte, magLen)
	if _, err := io.ReadFull(r, mag); err != nil {
		return Number{}, err
	}

	m := new(big.Int).SetBytes(mag)
	switch sign {
	case 0:
	case 1:
		m.Neg(m)
	default:
		return Number{}, errors.New("invalid sign byte")
	}
	return fromParts("binary", m, exp, uint(prec))
}
