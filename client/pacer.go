package client

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Pacer smooths raw token arrival into display updates that land on
// natural text boundaries. Tokens accumulate internally; the displayed
// prefix only advances when a boundary appears, or by a fixed chunk when
// the undisplayed gap grows too large. Never loses text: Flush returns
// everything accumulated.
type Pacer struct {
	buf         strings.Builder
	displayed   int
	minInterval time.Duration
	gapLimit    int
	chunk       int
	last        time.Time
	now         func() time.Time
}

var breakPoints = []string{"\n\n", ". ", "? ", "! ", ": ", "; "}

func NewPacer() *Pacer {
	return &Pacer{
		minInterval: 80 * time.Millisecond,
		gapLimit:    48,
		chunk:       16,
		now:         time.Now,
	}
}

// Push appends a token and reports whether the displayed prefix advanced.
// The returned string is always the full text that should be on screen.
func (p *Pacer) Push(token string) (string, bool) {
	p.buf.WriteString(token)
	acc := p.buf.String()

	if p.now().Sub(p.last) < p.minInterval {
		return acc[:p.displayed], false
	}

	rest := acc[p.displayed:]
	best := 0
	for _, bp := range breakPoints {
		if i := strings.LastIndex(rest, bp); i >= 0 && i+len(bp) > best {
			best = i + len(bp)
		}
	}

	switch {
	case best > 0:
		p.displayed += best
	case len(rest) > p.gapLimit:
		p.displayed += runeAdvance(rest, p.chunk)
	default:
		return acc[:p.displayed], false
	}

	p.last = p.now()
	return acc[:p.displayed], true
}

// Flush releases everything accumulated so far.
func (p *Pacer) Flush() string {
	acc := p.buf.String()
	p.displayed = len(acc)
	return acc
}

// Accumulated returns the full received text without advancing display.
func (p *Pacer) Accumulated() string {
	return p.buf.String()
}

// runeAdvance returns the byte length of the first n runes of s, so chunked
// advancement never splits a multi-byte character.
func runeAdvance(s string, n int) int {
	off := 0
	for i := 0; i < n && off < len(s); i++ {
		_, size := utf8.DecodeRuneInString(s[off:])
		off += size
	}
	return off
}
