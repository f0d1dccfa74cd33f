package valueobject

import "reflect"

// ProviderOptions is an opaque key→key→value bag attached to a message,
// carrying provider-specific request hints (cache-control markers, safety
// settings, and similar). The outer key is the provider namespace
// (e.g. "anthropic"), the inner map is that provider's own option set.
//
// ProviderOptions is immutable: every mutator returns a new bag, mirroring
// the With*-copy idiom used elsewhere in this domain (see message.Message's
// With* methods).
type ProviderOptions map[string]map[string]any

const (
	cacheControlKey = "cache_control"

	// ProviderAnthropic, ProviderOpenRouter and ProviderOpenAICompat are the
	// three namespaces the Cache-Control Annotator writes to, so that a
	// cache-control marker survives regardless of which provider ultimately
	// serves the request.
	ProviderAnthropic    = "anthropic"
	ProviderOpenRouter   = "openrouter"
	ProviderOpenAICompat = "openai_compat"
)

var cacheControlProviders = []string{ProviderAnthropic, ProviderOpenRouter, ProviderOpenAICompat}

// Clone returns a deep-enough copy of o: the outer map and every inner map
// are copied, so mutating the result never affects o.
func (o ProviderOptions) Clone() ProviderOptions {
	if o == nil {
		return nil
	}
	out := make(ProviderOptions, len(o))
	for provider, opts := range o {
		inner := make(map[string]any, len(opts))
		for k, v := range opts {
			inner[k] = v
		}
		out[provider] = inner
	}
	return out
}

// Equals reports whether o and other carry the same provider options.
func (o ProviderOptions) Equals(other ProviderOptions) bool {
	if len(o) != len(other) {
		return false
	}
	for provider, opts := range o {
		otherOpts, ok := other[provider]
		if !ok || len(opts) != len(otherOpts) {
			return false
		}
		for k, v := range opts {
			if ov, ok := otherOpts[k]; !ok || !reflect.DeepEqual(ov, v) {
				return false
			}
		}
	}
	return true
}

// WithCacheControl returns a copy of o with an ephemeral cache-control
// marker set on every provider namespace the annotator understands.
func (o ProviderOptions) WithCacheControl() ProviderOptions {
	out := o.Clone()
	if out == nil {
		out = make(ProviderOptions, len(cacheControlProviders))
	}
	for _, provider := range cacheControlProviders {
		opts := out[provider]
		if opts == nil {
			opts = make(map[string]any, 1)
		}
		opts[cacheControlKey] = map[string]string{"type": "ephemeral"}
		out[provider] = opts
	}
	return out
}

// WithoutCacheControl returns a copy of o with the cache-control key
// removed from every namespace, pruning namespaces left empty.
func (o ProviderOptions) WithoutCacheControl() ProviderOptions {
	if o == nil {
		return nil
	}
	out := o.Clone()
	for _, provider := range cacheControlProviders {
		opts, ok := out[provider]
		if !ok {
			continue
		}
		delete(opts, cacheControlKey)
		if len(opts) == 0 {
			delete(out, provider)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// HasCacheControl reports whether any cache-control provider namespace
// carries the ephemeral marker.
func (o ProviderOptions) HasCacheControl() bool {
	for _, provider := range cacheControlProviders {
		if opts, ok := o[provider]; ok {
			if _, ok := opts[cacheControlKey]; ok {
				return true
			}
		}
	}
	return false
}
