package schema

// Well-known extension URIs. Extension blocks are opaque key/value maps
// attached to message metadata under their URI; the orchestrator passes
// them through to capability objects untouched.
const (
	ExtSecrets   = "urn:inlet:ext:secrets"
	ExtModelHint = "urn:inlet:ext:model-hint"
	ExtForm      = "urn:inlet:ext:form"
)

// GetMetaString extracts a string from a metadata map. Returns "" if missing/not string.
func GetMetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	val, ok := meta[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}

// ExtensionBlock returns the parameters attached under an extension URI,
// or nil if the message carries none.
func ExtensionBlock(meta map[string]any, uri string) map[string]any {
	if meta == nil {
		return nil
	}
	block, ok := meta[uri].(map[string]any)
	if !ok {
		return nil
	}
	return block
}

// WithExtensionBlock returns meta with params stored under the extension
// URI, allocating the map if needed. The input map is not copied.
func WithExtensionBlock(meta map[string]any, uri string, params map[string]any) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	meta[uri] = params
	return meta
}

// ExtensionURIs lists the extension URIs present on a metadata map.
func ExtensionURIs(meta map[string]any) []string {
	var out []string
	for key := range meta {
		if _, ok := meta[key].(map[string]any); ok {
			out = append(out, key)
		}
	}
	return out
}
