package kernels

import (
	"fmt"
	"strings"

	"github.com/sbl8/mandelzoom/core"
)

// Scalar is the arithmetic the escape loop needs from a numeric backend.
// core.Number, core.Fixed and Native satisfy it.
type Scalar[T any] interface {
	Add(T) T
	Sub(T) T
	Mul(T) T
	MulInt(int64) T
	Float64() float64
}

// Native is the float64 backend, usable while the view is shallow enough for
// 53 bits.
type Native float64

func (a Native) Add(b Native) Native   { return a + b }
func (a Native) Sub(b Native) Native   { return a - b }
func (a Native) Mul(b Native) Native   { return a * b }
func (a Native) MulInt(n int64) Native { return a * Native(n) }
func (a Native) Float64() float64      { return float64(a) }

var (
	_ Scalar[core.Number] = core.Number{}
	_ Scalar[core.Fixed]  = core.Fixed{}
	_ Scalar[Native]      = Native(0)
)

// Backend selects the numeric representation used by the escape loop.
type Backend uint8

const (
	BackendAuto   Backend = iota // resolved by the precision policy
	BackendFixed                 // core.Fixed, bits = precision
	BackendFloat                 // core.Number
	BackendNative                // float64
)

var backendNames = [...]string{
	BackendAuto:   "auto",
	BackendFixed:  "fixed",
	BackendFloat:  "float",
	BackendNative: "native",
}

func (b Backend) String() string {
	if int(b) < len(backendNames) {
		return backendNames[b]
	}
	return fmt.Sprintf("backend(%d)", uint8(b))
}

// ParseBackend maps a backend name to its code.
func ParseBackend(s string) (Backend, error) {
	for i, name := range backendNames {
		if strings.EqualFold(s, name) {
			return Backend(i), nil
		}
	}
	return 0, fmt.Errorf("kernels: unknown backend %q", s)
}

func (b Backend) MarshalText() ([]byte, error) {
	if int(b) >= len(backendNames) {
		return nil, fmt.Errorf("kernels: invalid backend %d", uint8(b))
	}
	return []byte(b.String()), nil
}

func (b *Backend) UnmarshalText(text []byte) error {
	v, err := ParseBackend(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}
