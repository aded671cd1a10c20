package runtime

import (
	"image"
	"sync"

	"github.com/sbl8/mandelzoom/model"
)

// Outcome is the compositor's verdict on one worker reply.
type Outcome uint8

const (
	Applied   Outcome = iota // written (or counted as a gap), render still running
	Completed                // applied, and it was the last strip of the render
	Stale                    // token is not current; dropped
	Duplicate                // this strip of the current render was already counted
	Rejected                 // geometry does not match the current render
)

var outcomeNames = [...]string{
	Applied:   "applied",
	Completed: "completed",
	Stale:     "stale",
	Duplicate: "duplicate",
	Rejected:  "rejected",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Counted reports whether the reply advanced the current render.
func (o Outcome) Counted() bool {
	return o == Applied || o == Completed
}

// Compositor owns the output image and the current token. Only replies that
// carry the current token reach the image, each strip at most once.
type Compositor struct {
	mu       sync.Mutex
	token    uint64
	img      *image.RGBA
	strips   int
	accepted int
	failed   int
	seen     map[int]struct{} // strip start rows counted for token
}

// NewCompositor returns an idle compositor with no current render.
func NewCompositor() *Compositor {
	return &Compositor{seen: make(map[int]struct{})}
}

// Begin makes token current for an image of the given size split into strips
// strips. The previous pixels stay visible until overwritten; a size change
// starts from a cleared image.
func (c *Compositor) Begin(token uint64, width, height, strips int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.img == nil || c.img.Rect.Dx() != width || c.img.Rect.Dy() != height {
		c.img = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	c.token = token
	c.strips = strips
	c.accepted = 0
	c.failed = 0
	clear(c.seen)
}

// Accept writes a strip of the current render into the image.
func (c *Compositor) Accept(s model.StripResult) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.img == nil || s.Token != c.token {
		return Stale
	}
	if _, dup := c.seen[s.StripStartRow]; dup {
		return Duplicate
	}
	b := c.img.Rect
	if s.Width != b.Dx() || s.StripStartRow < 0 || s.StripRowCount < 1 ||
		s.StripStartRow+s.StripRowCount > b.Dy() || len(s.Pix) != s.Width*s.StripRowCount*4 {
		return Rejected
	}
	off := c.img.PixOffset(0, s.StripStartRow)
	copy(c.img.Pix[off:off+len(s.Pix)], s.Pix)
	c.seen[s.StripStartRow] = struct{}{}
	c.accepted++
	return c.progressLocked()
}

// Fail counts a strip of the current render that will never arrive. Its rows
// keep whatever the image held before.
func (c *Compositor) Fail(e model.ErrorMessage) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.img == nil || e.Token != c.token {
		return Stale
	}
	if _, dup := c.seen[e.StripStartRow]; dup {
		return Duplicate
	}
	c.seen[e.StripStartRow] = struct{}{}
	c.failed++
	return c.progressLocked()
}

func (c *Compositor) progressLocked() Outcome {
	if c.accepted+c.failed == c.strips {
		return Completed
	}
	return Applied
}

// Current returns the current token, 0 before the first Begin.
func (c *Compositor) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Progress returns the counted strips (accepted plus failed), the failed
// strips, and the strip total of the current render.
func (c *Compositor) Progress() (done, failed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted + c.failed, c.failed, c.strips
}

// Image returns a copy of the output image, nil before the first Begin.
func (c *Compositor) Image() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.img == nil {
		return nil
	}
	out := image.NewRGBA(c.img.Rect)
	copy(out.Pix, c.img.Pix)
	return out
}
