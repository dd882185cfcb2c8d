// Package goqueryparser implements crawler.ParseProvider with CSS selectors.
//
// Matching is strict: a listing element counts as a product only when it
// matches the item selector inside the listing container and carries both a
// detail link and a source key. Page chrome that happens to match a loose
// selector is never counted.
package goqueryparser

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

// Config holds the selectors for the listing and detail pages.
type Config struct {
	// ListContainer scopes item matching. When set and absent from the page
	// the page is treated as malformed.
	ListContainer string `mapstructure:"list_container"`
	Item          string `mapstructure:"item"`
	Link          string `mapstructure:"link"`
	// Key selects the element whose text is the source key. KeyAttr, when
	// set, reads an attribute of the item element instead.
	Key     string `mapstructure:"key"`
	KeyAttr string `mapstructure:"key_attr"`

	DetailRoot string            `mapstructure:"detail_root"`
	DetailKey  string            `mapstructure:"detail_key"`
	Fields     map[string]string `mapstructure:"fields"`
	Required   []string          `mapstructure:"required"`
}

// Validate checks the selector set.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Item) == "" {
		return fmt.Errorf("parser.item selector is required")
	}
	if strings.TrimSpace(c.Link) == "" {
		return fmt.Errorf("parser.link selector is required")
	}
	if c.Key == "" && c.KeyAttr == "" {
		return fmt.Errorf("parser.key or parser.key_attr is required")
	}
	for _, name := range c.Required {
		if _, ok := c.Fields[name]; !ok {
			return fmt.Errorf("required field %q has no selector", name)
		}
	}
	return nil
}

// Parser extracts item references and record fields.
type Parser struct {
	cfg Config
}

// New builds a Parser after validating cfg.
func New(cfg Config) (*Parser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Parser{cfg: cfg}, nil
}

// ParseList returns the products on a listing page in page order.
func (p *Parser) ParseList(page crawler.RawPage) ([]crawler.RawItemRef, error) {
	doc, err := document(page)
	if err != nil {
		return nil, err
	}
	scope := doc.Selection
	if p.cfg.ListContainer != "" {
		scope = doc.Find(p.cfg.ListContainer)
		if scope.Length() == 0 {
			return nil, &crawler.ParseError{URL: page.URL, Reason: "listing container " + p.cfg.ListContainer + " not found"}
		}
	}

	var refs []crawler.RawItemRef
	scope.Find(p.cfg.Item).Each(func(_ int, item *goquery.Selection) {
		href, ok := item.Find(p.cfg.Link).First().Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		key := p.itemKey(item)
		if key == "" {
			return
		}
		refs = append(refs, crawler.RawItemRef{
			IndexOnPage: uint32(len(refs)),
			URL:         resolve(page.URL, href),
			SourceKey:   key,
		})
	})
	return refs, nil
}

// ParseDetail extracts the configured fields from a detail page.
func (p *Parser) ParseDetail(page crawler.RawPage) (crawler.RecordFields, error) {
	doc, err := document(page)
	if err != nil {
		return crawler.RecordFields{}, err
	}
	root := doc.Selection
	if p.cfg.DetailRoot != "" {
		root = doc.Find(p.cfg.DetailRoot).First()
		if root.Length() == 0 {
			return crawler.RecordFields{}, &crawler.ParseError{URL: page.URL, Reason: "detail root " + p.cfg.DetailRoot + " not found"}
		}
	}

	fields := crawler.RecordFields{URL: page.URL, Values: make(map[string]string, len(p.cfg.Fields))}
	if p.cfg.DetailKey != "" {
		fields.SourceKey = text(root.Find(p.cfg.DetailKey).First())
	}
	names := make([]string, 0, len(p.cfg.Fields))
	for name := range p.cfg.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := text(root.Find(p.cfg.Fields[name]).First()); v != "" {
			fields.Values[name] = v
		}
	}
	for _, name := range p.cfg.Required {
		if fields.Values[name] == "" {
			return crawler.RecordFields{}, &crawler.ParseError{URL: page.URL, Reason: "required field " + name + " is empty"}
		}
	}
	return fields, nil
}

func (p *Parser) itemKey(item *goquery.Selection) string {
	if p.cfg.KeyAttr != "" {
		v, _ := item.Attr(p.cfg.KeyAttr)
		return strings.TrimSpace(v)
	}
	return text(item.Find(p.cfg.Key).First())
}

func document(page crawler.RawPage) (*goquery.Document, error) {
	if len(bytes.TrimSpace(page.Body)) == 0 {
		return nil, &crawler.ParseError{URL: page.URL, Reason: "empty body"}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, &crawler.ParseError{URL: page.URL, Reason: err.Error()}
	}
	return doc, nil
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func resolve(base, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	b, err := url.Parse(base)
	if err != nil || b.Scheme == "" {
		return ref.String()
	}
	return b.ResolveReference(ref).String()
}
