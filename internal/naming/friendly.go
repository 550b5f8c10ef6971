// Package naming derives human-readable labels for opaque resource
// identifiers.
package naming

import (
	"regexp"
	"strings"
)

var (
	capitalRe    = regexp.MustCompile(`([A-Z])`)
	digitRunRe   = regexp.MustCompile(`[0-9]{3,}`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

const nestedStackMarker = ".NestedStack"

// CreateFriendlyName maps an opaque resource identifier to a display label.
// A non-empty constructPath hint always wins over the positional transform.
// The function is total: any input yields a string, never a panic.
func CreateFriendlyName(resourceID, constructPath string) string {
	if hint := fromConstructPath(constructPath); hint != "" {
		return hint
	}

	name := resourceID

	// CDK nested stacks surface as "<name><hash>.NestedStack" or
	// "<name><hash>.NestedStackResource"; label them by the stack name alone.
	if idx := strings.Index(name, nestedStackMarker); idx >= 0 {
		name = name[:idx]
	}

	if len(name) >= len("amplify") && strings.EqualFold(name[:len("amplify")], "amplify") {
		name = name[len("amplify"):]
	}

	name = capitalRe.ReplaceAllString(name, " $1")
	name = digitRunRe.ReplaceAllString(name, "")
	name = strings.TrimSpace(whitespaceRe.ReplaceAllString(name, " "))

	if name == "" {
		return resourceID
	}
	return name
}

// fromConstructPath extracts the most specific meaningful segment of a CDK
// construct path. Synthetic trailing segments carry no information.
func fromConstructPath(constructPath string) string {
	path := strings.TrimSpace(constructPath)
	if path == "" {
		return ""
	}
	segments := strings.Split(path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		segment := strings.TrimSpace(segments[i])
		if segment == "" || segment == "Resource" || segment == "Default" {
			continue
		}
		return segment
	}
	return ""
}
