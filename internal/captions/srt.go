// Package captions turns plain transcript text into SRT caption tracks and back.
package captions

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// WordsPerLine is how many tokens go on one caption line.
	WordsPerLine = 7
	// SecondsPerLine is the display window of one caption line.
	SecondsPerLine = 3.0

	// ContentType is used when the track is stored as a blob.
	ContentType = "application/x-subrip"
)

// Cue is one timed caption block.
type Cue struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Cues splits text on whitespace into lines of WordsPerLine tokens and gives
// line i the window [min(i*3, d-3), min(start+3, d)], never starting below zero.
func Cues(text string, clipDuration float64) []Cue {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	cues := make([]Cue, 0, (len(words)+WordsPerLine-1)/WordsPerLine)
	for i := 0; i*WordsPerLine < len(words); i++ {
		end := (i + 1) * WordsPerLine
		if end > len(words) {
			end = len(words)
		}
		start := math.Min(float64(i)*SecondsPerLine, clipDuration-SecondsPerLine)
		if start < 0 {
			start = 0
		}
		cues = append(cues, Cue{
			Index: i + 1,
			Start: start,
			End:   math.Min(start+SecondsPerLine, clipDuration),
			Text:  strings.Join(words[i*WordsPerLine:end], " "),
		})
	}
	return cues
}

// Format renders text as an SRT track for a clip of clipDuration seconds.
func Format(text string, clipDuration float64) string {
	return Encode(Cues(text, clipDuration))
}

// Encode writes cues in SRT block format.
func Encode(cues []Cue) string {
	var b strings.Builder
	for _, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", c.Index, Timestamp(c.Start), Timestamp(c.End), c.Text)
	}
	return b.String()
}

// Timestamp formats seconds as HH:MM:SS,mmm. It truncates to the
// millisecond, so the printed time never reads back later than seconds.
func Timestamp(seconds float64) string {
	ms := int64(math.Floor(seconds*1000 + 1e-6))
	for ms > 0 && float64(ms)/1000 > seconds {
		ms--
	}
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := (ms % 3_600_000) / 60_000
	s := (ms % 60_000) / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}

// ParseTimestamp is the inverse of Timestamp.
func ParseTimestamp(ts string) (float64, error) {
	ts = strings.TrimSpace(ts)
	var h, m, s, ms int
	if _, err := fmt.Sscanf(ts, "%d:%d:%d,%d", &h, &m, &s, &ms); err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	total := int64(h*3600+m*60+s)*1000 + int64(ms)
	return float64(total) / 1000, nil
}

// Parse reads an SRT track back into cues.
func Parse(track string) ([]Cue, error) {
	var cues []Cue
	var block []string
	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		defer func() { block = block[:0] }()
		if len(block) < 3 {
			return fmt.Errorf("caption block %q is incomplete", strings.Join(block, " | "))
		}
		idx, err := strconv.Atoi(strings.TrimSpace(block[0]))
		if err != nil {
			return fmt.Errorf("caption index %q: %w", block[0], err)
		}
		from, to, ok := strings.Cut(block[1], "-->")
		if !ok {
			return fmt.Errorf("caption %d: missing time range", idx)
		}
		start, err := ParseTimestamp(from)
		if err != nil {
			return err
		}
		end, err := ParseTimestamp(to)
		if err != nil {
			return err
		}
		cues = append(cues, Cue{Index: idx, Start: start, End: end, Text: strings.Join(block[2:], " ")})
		return nil
	}

	sc := bufio.NewScanner(strings.NewReader(track))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		block = append(block, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cues, nil
}
