package decode

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrDuplicateDecoder indicates a content-type prefix already has a decoder.
var ErrDuplicateDecoder = errors.New("decoder already registered")

// Registry maps content-type prefixes (e.g. "image", "image/png") to decoders.
type Registry struct {
	decoders sync.Map
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry registers ImageDecoder for "image" and Passthrough for every other
// prefix in contentTypes.
func DefaultRegistry(contentTypes []string) *Registry {
	r := NewRegistry()
	for _, prefix := range contentTypes {
		key := normalizeContentType(prefix)
		if key == "" {
			continue
		}
		var d Decoder = Passthrough{}
		if key == "image" || strings.HasPrefix(key, "image/") {
			d = ImageDecoder{}
		}
		_ = r.Register(key, d)
	}
	return r
}

// Register stores a decoder for the given content-type prefix.
func (r *Registry) Register(prefix string, d Decoder) error {
	key := normalizeContentType(prefix)
	if key == "" {
		return errors.New("content type prefix required")
	}
	if d == nil {
		return errors.New("decoder required")
	}
	if _, loaded := r.decoders.LoadOrStore(key, d); loaded {
		return ErrDuplicateDecoder
	}
	return nil
}

// MustRegister panics on registration failure.
func (r *Registry) MustRegister(prefix string, d Decoder) {
	if err := r.Register(prefix, d); err != nil {
		panic(err)
	}
}

// Lookup returns the decoder whose prefix is the longest match for contentType.
// Parameters such as "; charset=" are ignored.
func (r *Registry) Lookup(contentType string) (Decoder, bool) {
	key := normalizeContentType(contentType)
	if key == "" {
		return nil, false
	}
	if value, ok := r.decoders.Load(key); ok {
		return value.(Decoder), true
	}

	var (
		best    Decoder
		bestLen int
	)
	r.decoders.Range(func(k, value any) bool {
		prefix := k.(string)
		if len(prefix) > bestLen && strings.HasPrefix(key, prefix) {
			best = value.(Decoder)
			bestLen = len(prefix)
		}
		return true
	})
	return best, best != nil
}

// Status returns registration status for a content type.
func (r *Registry) Status(contentType string) string {
	if _, ok := r.Lookup(contentType); ok {
		return "registered"
	}
	return "missing"
}

// Prefixes returns the registered prefixes in sorted order.
func (r *Registry) Prefixes() []string {
	var out []string
	r.decoders.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func normalizeContentType(contentType string) string {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
