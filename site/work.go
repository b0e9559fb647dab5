package site

import (
	"strings"

	"github.com/iedon/assetpipe/assets"
	"github.com/iedon/assetpipe/stages"
)

// Work is the set of actions a run performs. Sets merge with |.
type Work uint16

const (
	WorkRender Work = 1 << iota
	WorkStyle
	WorkPlainStyle
	WorkScript
	WorkImage
	WorkCopy
	// WorkInvalidateRender drops the parsed layouts and every cached page.
	WorkInvalidateRender
	// WorkReloadPlugins rediscovers helpers and decorators.
	WorkReloadPlugins
)

// WorkAll is every stage with fresh templates and plugins.
const WorkAll = WorkRender | WorkStyle | WorkPlainStyle | WorkScript | WorkImage | WorkCopy | WorkInvalidateRender | WorkReloadPlugins

var workNames = []struct {
	w    Work
	name string
}{
	{WorkReloadPlugins, "reload-plugins"},
	{WorkInvalidateRender, "invalidate-render"},
	{WorkRender, string(stages.RenderStage)},
	{WorkStyle, string(stages.StyleStage)},
	{WorkPlainStyle, string(stages.PlainStyleStage)},
	{WorkScript, string(stages.ScriptStage)},
	{WorkImage, string(stages.ImageStage)},
	{WorkCopy, string(stages.CopyStage)},
}

// assetWork maps the asset stages onto their work bit.
var assetWork = map[stages.Name]Work{
	stages.StyleStage:      WorkStyle,
	stages.PlainStyleStage: WorkPlainStyle,
	stages.ScriptStage:     WorkScript,
	stages.ImageStage:      WorkImage,
	stages.CopyStage:       WorkCopy,
}

// WorkFor returns the work a change to an input of class c requires.
func WorkFor(c assets.Class) Work {
	switch c {
	case assets.Page, assets.DataUnit:
		return WorkRender
	case assets.Layout, assets.Partial:
		return WorkInvalidateRender | WorkRender
	case assets.Helper, assets.Decorator:
		return WorkReloadPlugins | WorkInvalidateRender | WorkRender
	case assets.Style:
		// a removed entry point may uncover a plain stylesheet with the same output
		return WorkStyle | WorkPlainStyle
	case assets.PlainStyle:
		return WorkPlainStyle
	case assets.Script:
		return WorkScript
	case assets.Image:
		return WorkImage
	case assets.GenericAsset:
		return WorkCopy
	default:
		return 0
	}
}

// Has reports whether every bit of x is set in w.
func (w Work) Has(x Work) bool { return x != 0 && w&x == x }

func (w Work) String() string {
	if w == 0 {
		return "none"
	}
	parts := make([]string, 0, len(workNames))
	for _, n := range workNames {
		if w.Has(n.w) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "+")
}
