package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/rlmrs/rlmrs/pkg/corpus"
)

// contextValue exposes the corpus to sandbox code as `context`: an
// indexable sequence of documents.
type contextValue struct {
	rt *Runtime
}

func (c *contextValue) String() string        { return fmt.Sprintf("<corpus of %d documents>", c.Len()) }
func (c *contextValue) Type() string          { return "corpus" }
func (c *contextValue) Freeze()               {}
func (c *contextValue) Truth() starlark.Bool  { return c.Len() > 0 }
func (c *contextValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: corpus") }

func (c *contextValue) Len() int { return c.rt.view.Len() }

func (c *contextValue) Index(i int) starlark.Value {
	doc, err := c.rt.view.Doc(i)
	if err != nil {
		c.rt.fail(err)
		return starlark.None
	}
	return &docValue{rt: c.rt, doc: doc}
}

var _ starlark.Indexable = (*contextValue)(nil)

// docValue exposes one document: len(), doc[i], doc[a:b], and the slice/
// find/regex/sections/page_spans helpers. Indexing and slicing cannot
// surface errors through the Starlark operator protocol, so failures there
// cancel the step via Runtime.fail.
type docValue struct {
	rt  *Runtime
	doc *corpus.Doc
}

func (d *docValue) String() string        { return fmt.Sprintf("<document %s>", d.doc.ID()) }
func (d *docValue) Type() string          { return "document" }
func (d *docValue) Freeze()               {}
func (d *docValue) Truth() starlark.Bool  { return d.doc.Len() > 0 }
func (d *docValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: document") }

func (d *docValue) Len() int { return d.doc.Len() }

func (d *docValue) Index(i int) starlark.Value {
	text, err := d.doc.Slice(d.rt.ctx, i, i+1, "")
	if err != nil {
		d.rt.fail(err)
		return starlark.String("")
	}
	return starlark.String(text)
}

func (d *docValue) Slice(start, end, step int) starlark.Value {
	// Negative steps arrive with start above end; the covering range for
	// the read is [end+1, start+1].
	lo, hi := start, end
	if step < 0 {
		lo, hi = end+1, start+1
	}
	text, err := d.doc.Slice(d.rt.ctx, lo, hi, "")
	if err != nil {
		d.rt.fail(err)
		return starlark.String("")
	}
	if step == 1 {
		return starlark.String(text)
	}
	runes := []rune(text)
	var out []rune
	if step > 0 {
		for i := 0; i < len(runes); i += step {
			out = append(out, runes[i])
		}
	} else {
		for i := len(runes) - 1; i >= 0; i += step {
			out = append(out, runes[i])
		}
	}
	return starlark.String(string(out))
}

func (d *docValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "slice":
		return d.method("slice", d.sliceMethod), nil
	case "find":
		return d.method("find", d.findMethod), nil
	case "regex":
		return d.method("regex", d.regexMethod), nil
	case "sections":
		return d.method("sections", d.sectionsMethod), nil
	case "page_spans":
		return d.method("page_spans", d.pageSpansMethod), nil
	}
	return nil, nil
}

func (d *docValue) AttrNames() []string {
	return []string{"find", "page_spans", "regex", "sections", "slice"}
}

type methodImpl func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func (d *docValue) method(name string, impl methodImpl) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		v, err := impl(args, kwargs)
		if err != nil {
			d.rt.note(err)
			return nil, err
		}
		return v, nil
	})
}

func (d *docValue) sliceMethod(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a, b int
	var tag string
	if err := starlark.UnpackArgs("slice", args, kwargs, "a", &a, "b", &b, "tag?", &tag); err != nil {
		return nil, err
	}
	text, err := d.doc.Slice(d.rt.ctx, a, b, tag)
	if err != nil {
		return nil, err
	}
	return starlark.String(text), nil
}

func (d *docValue) findMethod(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var needle, tag string
	start, end, maxHits := 0, d.doc.Len(), 0
	if err := starlark.UnpackArgs("find", args, kwargs,
		"needle", &needle, "start?", &start, "end?", &end, "max_hits?", &maxHits, "tag?", &tag); err != nil {
		return nil, err
	}
	hits, err := d.doc.Find(d.rt.ctx, needle, start, end, maxHits, tag)
	if err != nil {
		return nil, err
	}
	return rangesToList(hits), nil
}

func (d *docValue) regexMethod(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, tag string
	start, end, maxHits := 0, d.doc.Len(), 0
	if err := starlark.UnpackArgs("regex", args, kwargs,
		"pattern", &pattern, "start?", &start, "end?", &end, "max_hits?", &maxHits, "tag?", &tag); err != nil {
		return nil, err
	}
	hits, err := d.doc.Regex(d.rt.ctx, pattern, start, end, maxHits, tag)
	if err != nil {
		return nil, err
	}
	return rangesToList(hits), nil
}

func (d *docValue) sectionsMethod(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("sections", args, kwargs); err != nil {
		return nil, err
	}
	sections, err := d.doc.Sections(d.rt.ctx)
	if err != nil {
		return nil, err
	}
	elems := make([]starlark.Value, len(sections))
	for i, s := range sections {
		dict := starlark.NewDict(4)
		dict.SetKey(starlark.String("title"), starlark.String(s.Title))
		dict.SetKey(starlark.String("level"), starlark.MakeInt(s.Level))
		dict.SetKey(starlark.String("start"), starlark.MakeInt(s.Start))
		dict.SetKey(starlark.String("end"), starlark.MakeInt(s.End))
		elems[i] = dict
	}
	return starlark.NewList(elems), nil
}

func (d *docValue) pageSpansMethod(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs("page_spans", args, kwargs); err != nil {
		return nil, err
	}
	pages, err := d.doc.PageSpans(d.rt.ctx)
	if err != nil {
		return nil, err
	}
	elems := make([]starlark.Value, len(pages))
	for i, p := range pages {
		dict := starlark.NewDict(3)
		dict.SetKey(starlark.String("page"), starlark.MakeInt(p.Page))
		dict.SetKey(starlark.String("start"), starlark.MakeInt(p.Start))
		dict.SetKey(starlark.String("end"), starlark.MakeInt(p.End))
		elems[i] = dict
	}
	return starlark.NewList(elems), nil
}

func rangesToList(ranges []corpus.Range) *starlark.List {
	elems := make([]starlark.Value, len(ranges))
	for i, r := range ranges {
		elems[i] = starlark.Tuple{starlark.MakeInt(r.Start), starlark.MakeInt(r.End)}
	}
	return starlark.NewList(elems)
}

var (
	_ starlark.Sliceable = (*docValue)(nil)
	_ starlark.HasAttrs  = (*docValue)(nil)
)
