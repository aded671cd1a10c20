package policy

import (
	"fmt"
	"strings"
)

// Quality selects a render preset.
type Quality uint8

const (
	QualityNormal  Quality = iota // settings used as given
	QualityPreview                // coarse sampling, short budget, narrow precision
	QualityHQ                     // full resolution, raised budget
)

const (
	previewMinStep       = 6
	previewMaxStep       = 16
	previewMaxIterations = 700
	previewMaxBits       = 192
	hqMinIterations      = 1500
)

var qualityNames = [...]string{
	QualityNormal:  "normal",
	QualityPreview: "preview",
	QualityHQ:      "hq",
}

func (q Quality) String() string {
	if int(q) < len(qualityNames) {
		return qualityNames[q]
	}
	return fmt.Sprintf("quality(%d)", uint8(q))
}

// ParseQuality maps a preset name to its code. The empty string is normal.
func ParseQuality(s string) (Quality, error) {
	if s == "" {
		return QualityNormal, nil
	}
	for i, name := range qualityNames {
		if strings.EqualFold(s, name) {
			return Quality(i), nil
		}
	}
	return 0, fmt.Errorf("policy: unknown quality %q", s)
}

func (q Quality) MarshalText() ([]byte, error) {
	if int(q) >= len(qualityNames) {
		return nil, fmt.Errorf("policy: invalid quality %d", uint8(q))
	}
	return []byte(q.String()), nil
}

func (q *Quality) UnmarshalText(text []byte) error {
	v, err := ParseQuality(string(text))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// Apply adjusts the sample step, iteration budget and precision of one render.
//
// Preview triples the step into [6, 16], caps the budget at 700 and the
// precision at 192 bits. The cap applies to the job only; callers keep the
// ratchet untouched and re-raise bits to the bare requirement of the view.
// HQ forces step 1 and lifts the budget to at least 1500, bounded by iterCap.
func (q Quality) Apply(step, iters, bits, iterCap int) (int, int, int) {
	if step < 1 {
		step = 1
	}
	switch q {
	case QualityPreview:
		step = clamp(step*3, previewMinStep, previewMaxStep)
		iters = min(iters, previewMaxIterations)
		bits = min(bits, previewMaxBits)
	case QualityHQ:
		step = 1
		iters = min(max(iters, hqMinIterations), iterCap)
	}
	return step, iters, bits
}
