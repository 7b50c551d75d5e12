package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// scanTag builds the span log tag for scan hits: "scan" or "scan:<tag>".
func scanTag(userTag string) string {
	if userTag == "" {
		return "scan"
	}
	return "scan:" + userTag
}

// Find returns char ranges of literal needle occurrences within
// [start, end). Every returned hit is recorded under the scan tag. maxHits
// is additionally capped by the corpus scan limit; zero or negative uses
// the corpus limit.
func (d *Doc) Find(ctx context.Context, needle string, start, end, maxHits int, tag string) ([]Range, error) {
	if needle == "" {
		return nil, fmt.Errorf("find needle must not be empty")
	}
	start, end = d.clamp(start, end)
	if start >= end {
		return nil, nil
	}
	window, err := d.ReadRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	limit := d.scanLimit(maxHits)

	var hits []Range
	byteAt, charAt := 0, 0
	searchFrom := 0
	for len(hits) < limit {
		rel := strings.Index(window[searchFrom:], needle)
		if rel < 0 {
			break
		}
		matchByte := searchFrom + rel
		charAt += utf8.RuneCountInString(window[byteAt:matchByte])
		byteAt = matchByte

		hitStart := start + charAt
		hitEnd := hitStart + utf8.RuneCountInString(needle)
		hits = append(hits, Range{Start: hitStart, End: hitEnd})
		searchFrom = matchByte + len(needle)
	}
	return d.recordHits(hits, tag)
}

// Regex returns char ranges of RE2 pattern matches within [start, end).
// The compiled engine never leaves this package; sandbox code only sees
// ranges. Every returned hit is recorded under the scan tag.
func (d *Doc) Regex(ctx context.Context, pattern string, start, end, maxHits int, tag string) ([]Range, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	start, end = d.clamp(start, end)
	if start >= end {
		return nil, nil
	}
	window, err := d.ReadRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	limit := d.scanLimit(maxHits)

	matches := re.FindAllStringIndex(window, limit)
	hits := make([]Range, 0, len(matches))
	byteAt, charAt := 0, 0
	for _, m := range matches {
		charAt += utf8.RuneCountInString(window[byteAt:m[0]])
		byteAt = m[0]
		hitStart := start + charAt
		hitEnd := hitStart + utf8.RuneCountInString(window[m[0]:m[1]])
		hits = append(hits, Range{Start: hitStart, End: hitEnd})
	}
	return d.recordHits(hits, tag)
}

// recordHits logs every hit range; hits are only returned once all of them
// are logged.
func (d *Doc) recordHits(hits []Range, tag string) ([]Range, error) {
	for _, h := range hits {
		entry := SpanEntry{DocIndex: d.index, StartChar: h.Start, EndChar: h.End, Tag: scanTag(tag)}
		if err := d.corpus.recorder.Record(entry); err != nil {
			return nil, err
		}
	}
	return hits, nil
}

func (d *Doc) scanLimit(maxHits int) int {
	limit := d.corpus.maxScanHits
	if limit <= 0 {
		limit = 256
	}
	if maxHits > 0 && maxHits < limit {
		limit = maxHits
	}
	return limit
}

func parseMeta(data []byte) (*Meta, error) {
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
