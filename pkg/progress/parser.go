package progress

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zmigrate/zmigrate/pkg/types"
)

// Meter redraw lines arrive carriage-return separated and look like
//
//	142MiB 0:00:05 [28.4MiB/s] [==>        ] 12% ETA 0:00:35
//
// The bytes counter leads the line; rate, percent and ETA are present
// depending on which display switches the meter was started with.
var (
	bytesRe   = regexp.MustCompile(`^(\d+(?:[.,]\d+)?)\s*([KMGTP]?i?B)`)
	rateRe    = regexp.MustCompile(`\[\s*(\d+(?:[.,]\d+)?)\s*([KMGTP]?i?B)/s\s*\]`)
	percentRe = regexp.MustCompile(`\s(\d{1,3})%`)
	etaRe     = regexp.MustCompile(`ETA\s+(\d+):(\d{2}):(\d{2})`)
	totalRe   = regexp.MustCompile(`size estimate:\s*(\d+)\s*bytes`)
)

// unitScale maps normalized unit names to their 1024-based multiplier.
// Meters write binary prefixes (MiB); the i is dropped on normalization.
var unitScale = map[string]int64{
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
	"PB": 1 << 50,
}

// Parser turns a meter's stderr into structured progress records. It is
// an io.Writer so it attaches directly to a pipeline stage; redraws are
// split on both carriage returns and newlines, consecutive identical
// records are dropped, and anything that is not progress output is handed
// to the line callback for logging.
type Parser struct {
	onRecord func(types.Progress)
	onLine   func(string)
	started  time.Time

	mu      sync.Mutex
	pending []byte
	total   int64
	last    types.Progress
	hasLast bool
}

// NewParser returns a parser that calls onRecord for every distinct
// progress record and onLine for every non-progress line. Either
// callback may be nil.
func NewParser(onRecord func(types.Progress), onLine func(string)) *Parser {
	return &Parser{
		onRecord: onRecord,
		onLine:   onLine,
		started:  time.Now(),
	}
}

// SetTotal records the expected stream size so percentages can be
// derived when the meter itself was not told the size.
func (p *Parser) SetTotal(n int64) {
	p.mu.Lock()
	p.total = n
	p.mu.Unlock()
}

// Snapshot returns the most recent record, if one has been parsed.
func (p *Parser) Snapshot() (types.Progress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

// Write consumes a chunk of meter output. Complete lines are parsed
// immediately; a trailing partial line is carried until the next Write
// or Close.
func (p *Parser) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.pending = append(p.pending, b...)
	var lines []string
	for {
		i := bytes.IndexAny(p.pending, "\r\n")
		if i < 0 {
			break
		}
		lines = append(lines, string(p.pending[:i]))
		p.pending = p.pending[i+1:]
	}
	p.mu.Unlock()

	for _, line := range lines {
		p.handleLine(line)
	}
	return len(b), nil
}

// Close parses whatever is left in the carry buffer. Meters end their
// final redraw without a line terminator, so the last record of a
// transfer often only surfaces here.
func (p *Parser) Close() error {
	p.mu.Lock()
	rest := string(p.pending)
	p.pending = nil
	p.mu.Unlock()

	p.handleLine(rest)
	return nil
}

func (p *Parser) handleLine(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}

	if m := totalRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			p.SetTotal(n)
		}
		return
	}

	rec, ok := p.parseRecord(line)
	if !ok {
		if p.onLine != nil {
			p.onLine(line)
		}
		return
	}

	p.mu.Lock()
	if p.hasLast && p.last.Equal(rec) {
		p.mu.Unlock()
		return
	}
	p.last = rec
	p.hasLast = true
	p.mu.Unlock()

	if p.onRecord != nil {
		p.onRecord(rec)
	}
}

func (p *Parser) parseRecord(line string) (types.Progress, bool) {
	m := bytesRe.FindStringSubmatch(line)
	if m == nil {
		return types.Progress{}, false
	}
	transferred, ok := parseSize(m[1], m[2])
	if !ok {
		return types.Progress{}, false
	}

	p.mu.Lock()
	total := p.total
	p.mu.Unlock()

	rec := types.Progress{
		BytesTransferred: transferred,
		TotalBytes:       total,
		ElapsedSeconds:   time.Since(p.started).Seconds(),
	}

	if m := rateRe.FindStringSubmatch(line); m != nil {
		if rate, ok := parseSize(m[1], m[2]); ok {
			rec.RatePerSecond = rate
		}
	}

	if m := percentRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			rec.Percentage = v
		}
	} else if total > 0 {
		rec.Percentage = math.Round(float64(transferred)/float64(total)*1000) / 10
	}

	if m := etaRe.FindStringSubmatch(line); m != nil {
		h, _ := strconv.ParseInt(m[1], 10, 64)
		mm, _ := strconv.ParseInt(m[2], 10, 64)
		s, _ := strconv.ParseInt(m[3], 10, 64)
		rec.ETASeconds = h*3600 + mm*60 + s
	}

	return rec, true
}

// parseSize converts a meter quantity like ("28.4", "MiB") to bytes.
// Some locales print a decimal comma, which is accepted too.
func parseSize(num, unit string) (int64, bool) {
	num = strings.ReplaceAll(num, ",", ".")
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	u := strings.ReplaceAll(strings.ToUpper(unit), "IB", "B")
	scale, ok := unitScale[u]
	if !ok {
		return 0, false
	}
	return int64(f * float64(scale)), true
}
