// Package minifier wraps tdewolff/minify with the options exposed in the configuration.
package minifier

import (
	"fmt"
	"regexp"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/minify/v2/json"
	"github.com/tdewolff/minify/v2/svg"

	"github.com/iedon/assetpipe/config"
)

const (
	MediaHTML = "text/html"
	MediaCSS  = "text/css"
	MediaJS   = "application/javascript"
	MediaSVG  = "image/svg+xml"
	MediaJSON = "application/json"
)

// Minifier minifies HTML, CSS, JS, SVG and JSON buffers. It is safe for concurrent use.
type Minifier struct {
	m *minify.M
}

// New configures a minifier from cfg.
func New(cfg *config.Config) *Minifier {
	m := minify.New()
	m.Add(MediaHTML, &html.Minifier{
		KeepComments:        cfg.HTML.KeepComments,
		KeepWhitespace:      cfg.HTML.KeepWhitespace,
		KeepQuotes:          cfg.HTML.KeepQuotes,
		KeepEndTags:         cfg.HTML.KeepEndTags,
		KeepDocumentTags:    cfg.HTML.KeepDocumentTags,
		KeepDefaultAttrVals: cfg.HTML.KeepDefaultAttrVals,
	})
	m.Add(MediaCSS, &css.Minifier{Precision: cfg.Style.Precision})
	m.AddRegexp(regexp.MustCompile(`^(application|text)/(x-)?(java|ecma)script$`), &js.Minifier{
		Precision:    cfg.Script.Precision,
		KeepVarNames: cfg.Script.KeepVarNames,
	})
	m.Add(MediaSVG, &svg.Minifier{Precision: cfg.Image.SVGPrecision})
	m.AddRegexp(regexp.MustCompile(`[/+]json$`), &json.Minifier{})
	return &Minifier{m: m}
}

// Bytes minifies src as mediatype.
func (mf *Minifier) Bytes(mediatype string, src []byte) ([]byte, error) {
	out, err := mf.m.Bytes(mediatype, src)
	if err != nil {
		return nil, fmt.Errorf("minify %s: %w", mediatype, err)
	}
	return out, nil
}

func (mf *Minifier) HTML(src []byte) ([]byte, error) { return mf.Bytes(MediaHTML, src) }
func (mf *Minifier) CSS(src []byte) ([]byte, error)  { return mf.Bytes(MediaCSS, src) }
func (mf *Minifier) JS(src []byte) ([]byte, error)   { return mf.Bytes(MediaJS, src) }
func (mf *Minifier) SVG(src []byte) ([]byte, error)  { return mf.Bytes(MediaSVG, src) }
func (mf *Minifier) JSON(src []byte) ([]byte, error) { return mf.Bytes(MediaJSON, src) }
