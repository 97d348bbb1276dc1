package vector

import "strings"

// Names builds collection names from the configured prefixes and the optional
// embedding-identity suffix.
type Names struct {
	TemplatePrefix string
	LogPrefix      string
	ProtoPrefix    string

	// Suffix is the sanitized embedding identity, empty when
	// EMBEDDINGS_IN_COLLECTION_NAME is off.
	Suffix string
}

// Templates returns the template collection name for an OS key.
func (n Names) Templates(os string) string { return n.build(n.TemplatePrefix, os) }

// Logs returns the log collection name for an OS key.
func (n Names) Logs(os string) string { return n.build(n.LogPrefix, os) }

// Protos returns the prototype collection name for an OS key.
func (n Names) Protos(os string) string { return n.build(n.ProtoPrefix, os) }

func (n Names) build(prefix, os string) string {
	name := prefix + NormalizeOS(os)
	if n.Suffix != "" {
		name += "_" + n.Suffix
	}
	return name
}

// NormalizeOS canonicalizes OS spellings used in source names and API input.
// Unknown non-empty keys pass through so domain collections like "network"
// work unchanged.
func NormalizeOS(os string) string {
	switch strings.ToLower(strings.TrimSpace(os)) {
	case "mac", "macos", "osx", "darwin":
		return "macos"
	case "windows", "win":
		return "windows"
	case "linux":
		return "linux"
	case "":
		return "unknown"
	default:
		return strings.ToLower(strings.TrimSpace(os))
	}
}
