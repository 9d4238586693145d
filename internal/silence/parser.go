// Package silence folds ffmpeg silencedetect diagnostics into remove intervals.
//
// The detector emits lines such as
//
//	[silencedetect @ 0x5581] silence_start: 42.123
//	[silencedetect @ 0x5581] silence_end: 43.456 | silence_duration: 1.333
//
// Markers must alternate start/end. A start that is never closed before the
// stream ends is an unterminated analysis and is reported as an error unless
// the parser was told the source duration to close it at.
package silence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/reelcut/reelcut/internal/segment"
)

var (
	// ErrUnterminatedInterval means the stream ended while a silence was open.
	ErrUnterminatedInterval = errors.New("silence interval has no end marker")

	// ErrUnbalancedMarkers means start and end markers did not alternate.
	ErrUnbalancedMarkers = errors.New("silence markers out of order")
)

var markerRe = regexp.MustCompile(`silence_(start|end):\s*(-?[0-9]+(?:\.[0-9]+)?(?:[eE][-+]?[0-9]+)?)`)

// Option configures a Parser.
type Option func(*Parser)

// CloseOpenAt makes Finish close a trailing open interval at duration instead
// of failing with ErrUnterminatedInterval.
func CloseOpenAt(duration float64) Option {
	return func(p *Parser) {
		p.closeAt = duration
		p.closeOpen = true
	}
}

// Parser accumulates silence intervals from diagnostic lines. It is not safe
// for concurrent use.
type Parser struct {
	intervals []segment.Interval
	open      bool
	start     float64
	lines     int

	closeOpen bool
	closeAt   float64
}

// NewParser creates an empty Parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed consumes one diagnostic line. Lines without a marker are ignored.
func (p *Parser) Feed(line string) error {
	p.lines++
	m := markerRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	ts, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return fmt.Errorf("line %d: parse timestamp %q: %w", p.lines, m[2], err)
	}
	// ffmpeg reports a slightly negative start for silence at t=0.
	if ts < 0 {
		ts = 0
	}

	switch m[1] {
	case "start":
		if p.open {
			return fmt.Errorf("line %d: %w: start at %.3f while silence from %.3f is open",
				p.lines, ErrUnbalancedMarkers, ts, p.start)
		}
		p.open = true
		p.start = ts
	case "end":
		if !p.open {
			return fmt.Errorf("line %d: %w: end at %.3f without a start", p.lines, ErrUnbalancedMarkers, ts)
		}
		iv := segment.Interval{Start: p.start, End: ts}
		if err := iv.Validate(); err != nil {
			return fmt.Errorf("line %d: %w", p.lines, err)
		}
		p.intervals = append(p.intervals, iv)
		p.open = false
	}
	return nil
}

// Finish returns the intervals in input order. It fails with
// ErrUnterminatedInterval if a start marker was never closed.
func (p *Parser) Finish() ([]segment.Interval, error) {
	if p.open {
		if !p.closeOpen || p.closeAt < p.start {
			return nil, fmt.Errorf("%w: silence started at %.3f", ErrUnterminatedInterval, p.start)
		}
		p.intervals = append(p.intervals, segment.Interval{Start: p.start, End: p.closeAt})
		p.open = false
	}
	out := make([]segment.Interval, len(p.intervals))
	copy(out, p.intervals)
	return out, nil
}

// Parse reads every line from r and returns the folded intervals.
func Parse(r io.Reader, opts ...Option) ([]segment.Interval, error) {
	p := NewParser(opts...)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := p.Feed(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read diagnostics: %w", err)
	}
	return p.Finish()
}
