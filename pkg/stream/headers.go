// Package stream defines the value types exchanged at the library
// boundary: ordered header blocks and the observer surface that
// receives stream events.
package stream

// Pseudo-header keys carry request and response targeting information
// inside the same ordered block as regular headers, mirroring HTTP/2
// usage. Engines translate them to whatever their transport needs.
const (
	PseudoMethod    = ":method"
	PseudoScheme    = ":scheme"
	PseudoAuthority = ":authority"
	PseudoPath      = ":path"
	PseudoStatus    = ":status"
)

// Header is a single name/value pair.
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered header block. Duplicate keys are legal and
// insertion order is preserved end to end, which matters for cookies
// and for peers that validate or replay header sequences. The zero
// value is an empty, usable block.
type Headers []Header

// NewHeaders builds a block from alternating key, value arguments.
// It panics on an odd argument count, which is a caller bug.
func NewHeaders(kv ...string) Headers {
	if len(kv)%2 != 0 {
		panic("stream: NewHeaders requires an even number of arguments")
	}
	h := make(Headers, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		h = append(h, Header{Key: kv[i], Value: kv[i+1]})
	}
	return h
}

// Add appends the pair to the end of the block.
func (h *Headers) Add(key, value string) {
	*h = append(*h, Header{Key: key, Value: value})
}

// Set replaces every occurrence of key with a single pair, keeping the
// position of the first occurrence. If the key is absent the pair is
// appended.
func (h *Headers) Set(key, value string) {
	out := (*h)[:0]
	replaced := false
	for _, hdr := range *h {
		if hdr.Key != key {
			out = append(out, hdr)
			continue
		}
		if !replaced {
			out = append(out, Header{Key: key, Value: value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, Header{Key: key, Value: value})
	}
	*h = out
}

// Del removes every occurrence of key.
func (h *Headers) Del(key string) {
	out := (*h)[:0]
	for _, hdr := range *h {
		if hdr.Key != key {
			out = append(out, hdr)
		}
	}
	*h = out
}

// Get returns the first value for key, or "" if the key is absent.
func (h Headers) Get(key string) string {
	for _, hdr := range h {
		if hdr.Key == key {
			return hdr.Value
		}
	}
	return ""
}

// Has reports whether key occurs at least once.
func (h Headers) Has(key string) bool {
	for _, hdr := range h {
		if hdr.Key == key {
			return true
		}
	}
	return false
}

// Values returns all values for key in order.
func (h Headers) Values(key string) []string {
	var vals []string
	for _, hdr := range h {
		if hdr.Key == key {
			vals = append(vals, hdr.Value)
		}
	}
	return vals
}

// Clone returns a deep copy of the block. Clone of nil is nil.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Method returns the :method pseudo-header value.
func (h Headers) Method() string { return h.Get(PseudoMethod) }

// Scheme returns the :scheme pseudo-header value.
func (h Headers) Scheme() string { return h.Get(PseudoScheme) }

// Authority returns the :authority pseudo-header value.
func (h Headers) Authority() string { return h.Get(PseudoAuthority) }

// Path returns the :path pseudo-header value.
func (h Headers) Path() string { return h.Get(PseudoPath) }

// Status returns the :status pseudo-header value.
func (h Headers) Status() string { return h.Get(PseudoStatus) }
