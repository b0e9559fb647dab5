package assets

import "fmt"

// Class identifies the kind of source file a path belongs to.
type Class int

const (
	Page Class = iota
	Layout
	Partial
	Helper
	Decorator
	DataUnit
	Style
	PlainStyle
	Script
	Image
	GenericAsset
)

var classNames = [...]string{
	Page:         "page",
	Layout:       "layout",
	Partial:      "partial",
	Helper:       "helper",
	Decorator:    "decorator",
	DataUnit:     "data",
	Style:        "style",
	PlainStyle:   "plain-style",
	Script:       "script",
	Image:        "image",
	GenericAsset: "asset",
}

func (c Class) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return fmt.Sprintf("class(%d)", int(c))
	}
	return classNames[c]
}

// Classes lists every asset class in declaration order.
func Classes() []Class {
	out := make([]Class, 0, len(classNames))
	for c := range classNames {
		out = append(out, Class(c))
	}
	return out
}

// classifyOrder is the priority used by Classify. Specific classes come before
// GenericAsset because the generic pattern usually overlaps the others.
var classifyOrder = []Class{
	Helper,
	Decorator,
	DataUnit,
	Layout,
	Partial,
	Page,
	Style,
	PlainStyle,
	Script,
	Image,
	GenericAsset,
}

// OutputMode controls how an input path maps onto the destination tree.
type OutputMode int

const (
	// Mirror keeps the input path relative to its pattern base.
	Mirror OutputMode = iota
	// Flat drops every directory and writes into the rule's output dir.
	Flat
)

func (m OutputMode) String() string {
	if m == Flat {
		return "flat"
	}
	return "mirror"
}
