package mediator

import (
	"fmt"
	"net/url"
	"strings"
)

// EndpointBuilder assembles a relative endpoint path one segment at a time.
// The zero value is ready to use.
type EndpointBuilder struct {
	segments []string
}

// NewEndpoint returns a builder seeded with segments.
func NewEndpoint(segments ...any) *EndpointBuilder {
	b := &EndpointBuilder{}
	for _, s := range segments {
		b.AddSegment(s)
	}
	return b
}

// AddSegment appends the string form of segment. Blank segments are
// skipped; everything else is path-escaped.
func (b *EndpointBuilder) AddSegment(segment any) *EndpointBuilder {
	var s string
	switch v := segment.(type) {
	case nil:
		return b
	case string:
		s = v
	case fmt.Stringer:
		s = v.String()
	default:
		s = fmt.Sprint(v)
	}
	if strings.TrimSpace(s) == "" {
		return b
	}
	b.segments = append(b.segments, url.PathEscape(s))
	return b
}

// Endpoint joins the segments with "/". It returns "" when nothing was added.
func (b *EndpointBuilder) Endpoint() string {
	return strings.Join(b.segments, "/")
}

func (b *EndpointBuilder) String() string {
	return b.Endpoint()
}
