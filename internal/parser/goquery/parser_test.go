package goqueryparser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/certcatalog-crawler/internal/crawler"
)

func testConfig() Config {
	return Config{
		ListContainer: "table#certifications",
		Item:          "tr.product",
		Link:          "a.detail",
		Key:           "td.cert-id",
		DetailRoot:    "article.certification",
		DetailKey:     ".cert-id",
		Fields: map[string]string{
			"product": "h1.product-name",
			"vendor":  "dd.vendor",
			"issued":  "dd.issued",
		},
		Required: []string{"product"},
	}
}

func mustParser(t *testing.T) *Parser {
	t.Helper()
	p, err := New(testConfig())
	require.NoError(t, err)
	return p
}

const listingPage = `<html><body>
<nav><tr class="product"><a class="detail" href="/about">About</a><td class="cert-id">NAV</td></tr></nav>
<table id="certifications">
  <tr class="header"><th>ID</th></tr>
  <tr class="product"><td class="cert-id">CERT-0042</td><td><a class="detail" href="/cert/42">Widget</a></td></tr>
  <tr class="product"><td class="cert-id"> CERT-0041 </td><td><a class="detail" href="https://cdn.example.org/cert/41">Gadget</a></td></tr>
  <tr class="product"><td class="cert-id">CERT-0040</td><td>link missing</td></tr>
</table>
</body></html>`

func TestParseListMatchesStrictly(t *testing.T) {
	t.Parallel()

	refs, err := mustParser(t).ParseList(crawler.RawPage{URL: "https://catalog.example.org/list?page=1", Body: []byte(listingPage)})
	require.NoError(t, err)
	require.Equal(t, []crawler.RawItemRef{
		{IndexOnPage: 0, URL: "https://catalog.example.org/cert/42", SourceKey: "CERT-0042"},
		{IndexOnPage: 1, URL: "https://cdn.example.org/cert/41", SourceKey: "CERT-0041"},
	}, refs)
}

// A page with no products but a chrome element matching a loose selector
// must report zero items.
func TestParseListEmptyPageIgnoresChrome(t *testing.T) {
	t.Parallel()

	body := `<html><body>
<div class="product-banner"><a href="/promo">Browse products</a></div>
<table id="certifications"><tr class="header"><th>ID</th></tr></table>
</body></html>`
	refs, err := mustParser(t).ParseList(crawler.RawPage{URL: "https://catalog.example.org/list?page=9", Body: []byte(body)})
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestParseListMissingContainerIsParseError(t *testing.T) {
	t.Parallel()

	_, err := mustParser(t).ParseList(crawler.RawPage{URL: "u", Body: []byte(`<html><body><p>maintenance</p></body></html>`)})
	var parseErr *crawler.ParseError
	require.True(t, errors.As(err, &parseErr))
	require.Contains(t, parseErr.Reason, "listing container")

	_, err = mustParser(t).ParseList(crawler.RawPage{URL: "u"})
	require.True(t, errors.As(err, &parseErr))
}

func TestParseListKeyAttr(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Key = ""
	cfg.KeyAttr = "data-cert"
	p, err := New(cfg)
	require.NoError(t, err)
	body := `<table id="certifications"><tr class="product" data-cert="CERT-7"><td><a class="detail" href="/c/7">x</a></td></tr></table>`
	refs, err := p.ParseList(crawler.RawPage{URL: "https://catalog.example.org/list", Body: []byte(body)})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "CERT-7", refs[0].SourceKey)
}

func TestParseDetail(t *testing.T) {
	t.Parallel()

	body := `<html><body><article class="certification">
<span class="cert-id">CERT-0042</span>
<h1 class="product-name">  Widget
  Pro </h1>
<dl><dt>Vendor</dt><dd class="vendor">Acme</dd></dl>
</article></body></html>`
	fields, err := mustParser(t).ParseDetail(crawler.RawPage{URL: "https://catalog.example.org/cert/42", Body: []byte(body)})
	require.NoError(t, err)
	require.Equal(t, "CERT-0042", fields.SourceKey)
	require.Equal(t, "https://catalog.example.org/cert/42", fields.URL)
	require.Equal(t, map[string]string{"product": "Widget Pro", "vendor": "Acme"}, fields.Values)
}

func TestParseDetailRequiredField(t *testing.T) {
	t.Parallel()

	body := `<article class="certification"><dd class="vendor">Acme</dd></article>`
	_, err := mustParser(t).ParseDetail(crawler.RawPage{URL: "u", Body: []byte(body)})
	var parseErr *crawler.ParseError
	require.True(t, errors.As(err, &parseErr))
	require.Equal(t, crawler.CodeParse, crawler.ErrorCode(err))

	_, err = mustParser(t).ParseDetail(crawler.RawPage{URL: "u", Body: []byte(`<div>no article</div>`)})
	require.True(t, errors.As(err, &parseErr))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Item = ""
	require.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Key, cfg.KeyAttr = "", ""
	require.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Required = []string{"serial"}
	require.Error(t, cfg.Validate())
}
