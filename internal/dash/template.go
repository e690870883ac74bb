package dash

import (
	"fmt"
	"regexp"
	"strconv"
)

// templateRe matches one $identifier$ substitution, including the
// optional %0Nd width form and the $$ escape.
var templateRe = regexp.MustCompile(`\$(RepresentationID|Number|Bandwidth|Time)?(%0\d+d)?\$`)

// fillTemplate expands a SegmentTemplate media or initialization string.
// number and mediaTime feed $Number$ and $Time$; callers building
// initialization URLs pass zero for both since those identifiers are
// not allowed there anyway.
func fillTemplate(tpl, repID string, bandwidth uint32, number uint64, mediaTime uint64) string {
	return templateRe.ReplaceAllStringFunc(tpl, func(match string) string {
		groups := templateRe.FindStringSubmatch(match)
		identifier, widthTag := groups[1], groups[2]

		var value uint64
		switch identifier {
		case "":
			return "$"
		case "RepresentationID":
			// Width tags do not apply to the representation id
			return repID
		case "Bandwidth":
			value = uint64(bandwidth)
		case "Number":
			value = number
		case "Time":
			value = mediaTime
		}

		if widthTag != "" {
			width, _ := strconv.Atoi(widthTag[2 : len(widthTag)-1])
			return fmt.Sprintf("%0*d", width, value)
		}
		return strconv.FormatUint(value, 10)
	})
}

// hasTemplateIdentifier reports whether tpl contains the identifier in
// substitution position (so "segment$Number$.m4s" matches "Number" but
// "Numbered.m4s" does not).
func hasTemplateIdentifier(tpl, identifier string) bool {
	for _, match := range templateRe.FindAllStringSubmatch(tpl, -1) {
		if match[1] == identifier {
			return true
		}
	}
	return false
}
