package object

// Header is one name of a Headers multimap with all of its values.
type Header struct {
	Name   string
	Values []string
}

// Headers is an ordered multimap. Names keep first-insertion order and the
// values of a name keep insertion order.
type Headers []Header

// NewHeaders returns an empty Headers.
func NewHeaders() Headers { return nil }

// Add appends value to the values of name.
func (h *Headers) Add(name, value string) {
	for i := range *h {
		if (*h)[i].Name == name {
			(*h)[i].Values = append((*h)[i].Values, value)
			return
		}
	}
	*h = append(*h, Header{Name: name, Values: []string{value}})
}

// With returns a copy of h with value added to name.
func (h Headers) With(name, value string) Headers {
	out := h.Clone()
	out.Add(name, value)
	return out
}

// Get returns the first value of name.
func (h Headers) Get(name string) (string, bool) {
	for _, e := range h {
		if e.Name == name && len(e.Values) > 0 {
			return e.Values[0], true
		}
	}
	return "", false
}

// All returns every value of name.
func (h Headers) All(name string) []string {
	for _, e := range h {
		if e.Name == name {
			return e.Values
		}
	}
	return nil
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for i, e := range h {
		out[i] = Header{Name: e.Name, Values: append([]string(nil), e.Values...)}
	}
	return out
}
