// Package corpus presents parsed documents to sandbox code as lazy,
// sliceable views. Reads go through the offset checkpoint table and
// object-store range I/O; no view ever holds a full document. Every char
// range handed out is recorded in the step's span log.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/rlmrs/rlmrs/pkg/blob"
	"github.com/rlmrs/rlmrs/pkg/fault"
)

// DocumentInfo is a corpus manifest entry: one parsed document and its
// sidecar keys.
type DocumentInfo struct {
	ID            string `json:"id"`
	TextKey       string `json:"text_key"`
	OffsetsKey    string `json:"offsets_key"`
	MetaKey       string `json:"meta_key,omitempty"`
	Checksum      string `json:"checksum"`
	CharLength    int    `json:"char_length"`
	ParserVersion string `json:"parser_version"`
}

// Range is a char range [Start, End) into a document.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// PageSpan maps a page number to its char range.
type PageSpan struct {
	Page  int `json:"page"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Section is a structural metadata node with its char range.
type Section struct {
	Title string `json:"title"`
	Level int    `json:"level"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Meta is the structural metadata sidecar.
type Meta struct {
	Version  int        `json:"version"`
	Pages    []PageSpan `json:"pages,omitempty"`
	Sections []Section  `json:"sections,omitempty"`
}

// Corpus is the per-step view over a session's documents. It is bound to
// one Recorder; a fresh Corpus is built for every sandbox step.
type Corpus struct {
	store       blob.Store
	recorder    *Recorder
	docs        []*Doc
	maxScanHits int
}

// New builds a corpus view. maxScanHits caps find/regex results per call.
func New(store blob.Store, infos []DocumentInfo, recorder *Recorder, maxScanHits int) *Corpus {
	c := &Corpus{store: store, recorder: recorder, maxScanHits: maxScanHits}
	c.docs = make([]*Doc, len(infos))
	for i, info := range infos {
		c.docs[i] = &Doc{corpus: c, index: i, info: info}
	}
	return c
}

// Len returns the number of documents.
func (c *Corpus) Len() int {
	return len(c.docs)
}

// Doc returns the view for document i.
func (c *Corpus) Doc(i int) (*Doc, error) {
	if i < 0 || i >= len(c.docs) {
		return nil, fmt.Errorf("document index %d out of range [0, %d)", i, len(c.docs))
	}
	return c.docs[i], nil
}

// Lengths returns per-document char lengths, in corpus order.
func (c *Corpus) Lengths() []int {
	out := make([]int, len(c.docs))
	for i, d := range c.docs {
		out[i] = d.Len()
	}
	return out
}

// Doc is a lazy view over one parsed document. Sidecars load on first use;
// text is only ever range-read.
type Doc struct {
	corpus *Corpus
	index  int
	info   DocumentInfo

	mu      sync.Mutex
	offsets *Offsets
	meta    *Meta
}

// Index returns the document's position in the corpus.
func (d *Doc) Index() int { return d.index }

// ID returns the document identifier.
func (d *Doc) ID() string { return d.info.ID }

// Len returns the document length in chars.
func (d *Doc) Len() int { return d.info.CharLength }

// Slice returns canonical text [a, b) and records a span log entry. Bounds
// are clamped to the document; an empty range after clamping returns empty
// text and logs nothing.
func (d *Doc) Slice(ctx context.Context, a, b int, tag string) (string, error) {
	a, b = d.clamp(a, b)
	if a >= b {
		return "", nil
	}
	text, err := d.ReadRange(ctx, a, b)
	if err != nil {
		return "", err
	}
	if err := d.corpus.recorder.Record(SpanEntry{DocIndex: d.index, StartChar: a, EndChar: b, Tag: tag}); err != nil {
		return "", err
	}
	return text, nil
}

// ReadRange reads canonical text [a, b) without touching the span log. It
// backs the slice, scan, and citation verification paths; callers outside
// this package use it only where reads must not count as citations.
func (d *Doc) ReadRange(ctx context.Context, a, b int) (string, error) {
	offsets, err := d.loadOffsets(ctx)
	if err != nil {
		return "", err
	}

	startByte, checkpointChar := offsets.checkpointBefore(a)
	endByte := offsets.byteUpperBound(b)
	if startByte >= endByte {
		return "", nil
	}

	raw, err := d.corpus.store.GetRange(ctx, d.info.TextKey, startByte, endByte-startByte)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return "", fault.Wrap(fault.CodeS3Read, err, "canonical text missing for document %s", d.info.ID)
		}
		return "", fault.Wrap(fault.CodeS3Read, err, "failed to range-read document %s", d.info.ID)
	}

	// Walk runes from the checkpoint to the requested window.
	skip := a - checkpointChar
	take := b - a
	start := 0
	for i := 0; i < skip; i++ {
		_, size := utf8.DecodeRune(raw[start:])
		if size == 0 {
			return "", fault.New(fault.CodeParser, "offsets sidecar inconsistent with text for document %s", d.info.ID)
		}
		start += size
	}
	end := start
	for i := 0; i < take && end < len(raw); i++ {
		_, size := utf8.DecodeRune(raw[end:])
		if size == 0 {
			break
		}
		end += size
	}
	return string(raw[start:end]), nil
}

// Sections returns the structural section tree; each returned span is
// recorded under the meta tag.
func (d *Doc) Sections(ctx context.Context) ([]Section, error) {
	meta, err := d.loadMeta(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range meta.Sections {
		if err := d.corpus.recorder.Record(SpanEntry{DocIndex: d.index, StartChar: s.Start, EndChar: s.End, Tag: "meta"}); err != nil {
			return nil, err
		}
	}
	return meta.Sections, nil
}

// PageSpans returns page boundaries; each returned span is recorded under
// the meta tag.
func (d *Doc) PageSpans(ctx context.Context) ([]PageSpan, error) {
	meta, err := d.loadMeta(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range meta.Pages {
		if err := d.corpus.recorder.Record(SpanEntry{DocIndex: d.index, StartChar: p.Start, EndChar: p.End, Tag: "meta"}); err != nil {
			return nil, err
		}
	}
	return meta.Pages, nil
}

func (d *Doc) clamp(a, b int) (int, int) {
	n := d.Len()
	if a < 0 {
		a = 0
	}
	if b > n {
		b = n
	}
	if a > n {
		a = n
	}
	if b < 0 {
		b = 0
	}
	return a, b
}

func (d *Doc) loadOffsets(ctx context.Context) (*Offsets, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.offsets != nil {
		return d.offsets, nil
	}
	data, err := d.corpus.store.Get(ctx, d.info.OffsetsKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fault.Wrap(fault.CodeParser, err, "offsets sidecar missing for document %s", d.info.ID)
		}
		return nil, fault.Wrap(fault.CodeS3Read, err, "failed to read offsets for document %s", d.info.ID)
	}
	offsets, err := ParseOffsets(data)
	if err != nil {
		return nil, fault.Wrap(fault.CodeParser, err, "bad offsets sidecar for document %s", d.info.ID)
	}
	d.offsets = offsets
	return offsets, nil
}

func (d *Doc) loadMeta(ctx context.Context) (*Meta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.meta != nil {
		return d.meta, nil
	}
	if d.info.MetaKey == "" {
		d.meta = &Meta{}
		return d.meta, nil
	}
	data, err := d.corpus.store.Get(ctx, d.info.MetaKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			d.meta = &Meta{}
			return d.meta, nil
		}
		return nil, fault.Wrap(fault.CodeS3Read, err, "failed to read metadata for document %s", d.info.ID)
	}
	meta, err := parseMeta(data)
	if err != nil {
		return nil, fault.Wrap(fault.CodeParser, err, "bad metadata sidecar for document %s", d.info.ID)
	}
	d.meta = meta
	return meta, nil
}
