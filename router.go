package archimedes

import (
	"fmt"
	"strings"
)

type (
	// Router is the registry of every registered operation for an
	// Archimedes instance, used for resolving (method, path) pairs to
	// operation identifiers and for extracting path params.
	Router struct {
		root *routeNode
	}

	// routeNode is a node of the Router's segment tree.
	routeNode struct {
		kind     segmentKind
		segment  string // literal text, or the param/wildcard name
		methods  map[string]string // HTTP method -> operation id
		literals []*routeNode
		param    *routeNode
		wildcard *routeNode
	}

	// segmentKind is the kind of a path segment.
	segmentKind uint8

	// Param is one binding produced by a successful match. Params is a
	// slice rather than a map so the insertion order of the pattern is
	// preserved.
	Param struct {
		Name  string
		Value string
	}

	// RouteInfo is a flattened view of one registered route, used by
	// introspection callers (e.g. an external OpenAPI emitter).
	RouteInfo struct {
		Method      string
		Path        string
		OperationID string
	}
)

const (
	segmentLiteral segmentKind = iota
	segmentParam
	segmentWildcard
)

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{root: &routeNode{}}
}

// Insert registers methodMap (HTTP method -> operation id) at pattern.
// Duplicate (method, path) pairs overwrite the previously registered
// operation id.
func (r *Router) Insert(pattern string, methodMap map[string]string) error {
	segs, err := splitPattern(pattern)
	if err != nil {
		return err
	}

	n := r.root
	for i, seg := range segs {
		kind, name := classifySegment(seg)
		if kind == segmentWildcard && i != len(segs)-1 {
			return fmt.Errorf("archimedes: wildcard segment must be last in %q", pattern)
		}
		n = n.child(kind, name, true)
	}

	if n.methods == nil {
		n.methods = map[string]string{}
	}
	for method, opID := range methodMap {
		n.methods[strings.ToUpper(method)] = opID
	}
	return nil
}

// Route is a convenience over Insert for a single method.
func (r *Router) Route(method, pattern, operationID string) error {
	return r.Insert(pattern, map[string]string{method: operationID})
}

// Nest copies every route of other into r with prefix prepended, preserving
// tie-break ordering.
func (r *Router) Nest(prefix string, other *Router) error {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	for _, rt := range other.Routes() {
		joined := prefix + rt.Path
		if joined == "" {
			joined = "/"
		}
		if err := r.Route(rt.Method, joined, rt.OperationID); err != nil {
			return err
		}
	}
	return nil
}

// Merge is a structural union of other into r with no prefixing.
func (r *Router) Merge(other *Router) error {
	for _, rt := range other.Routes() {
		if err := r.Route(rt.Method, rt.Path, rt.OperationID); err != nil {
			return err
		}
	}
	return nil
}

// Match resolves method and path to an operation id and its bound params.
// ok is false when the path doesn't exist at all, or exists but method is
// not registered there (callers needing to distinguish the two cases should
// use MatchPathOnly).
func (r *Router) Match(method, path string) (operationID string, params []Param, ok bool) {
	n, segs, params := r.walk(path)
	if n == nil {
		return "", nil, false
	}
	opID, exists := n.methods[strings.ToUpper(method)]
	_ = segs
	if !exists {
		return "", nil, false
	}
	return opID, params, true
}

// MatchPathOnly reports whether path resolves to a node regardless of
// method.
func (r *Router) MatchPathOnly(path string) bool {
	n, _, _ := r.walk(path)
	return n != nil && len(n.methods) > 0
}

// Routes returns the flattened route table in depth-first traversal order
// (literal children first, in insertion order, then param, then wildcard,
// matching the tie-break order used at match time). The methods registered
// on one node are listed in no defined order.
func (r *Router) Routes() []RouteInfo {
	var out []RouteInfo
	r.root.collect("", &out)
	return out
}

// walk descends the tree for path, returning the terminal node (nil if
// none), the normalized segments, and the params bound along the way.
func (r *Router) walk(path string) (*routeNode, []string, []Param) {
	segs := splitPath(normalizePath(path))
	n := r.root
	params := []Param{}

	for i, seg := range segs {
		if next := n.literalChild(seg); next != nil {
			n = next
			continue
		}
		if n.param != nil {
			params = append(params, Param{Name: n.param.segment, Value: urlUnescape(seg)})
			n = n.param
			continue
		}
		if n.wildcard != nil {
			rest := segs[i:]
			params = append(params, Param{Name: n.wildcard.segment, Value: urlUnescape(strings.Join(rest, "/"))})
			n = n.wildcard
			return n, segs, params
		}
		return nil, segs, nil
	}

	return n, segs, params
}

// child returns (creating if create is true) the child of n for the given
// kind/name.
func (n *routeNode) child(kind segmentKind, name string, create bool) *routeNode {
	switch kind {
	case segmentLiteral:
		for _, c := range n.literals {
			if c.segment == name {
				return c
			}
		}
		if !create {
			return nil
		}
		c := &routeNode{kind: segmentLiteral, segment: name}
		n.literals = append(n.literals, c)
		return c
	case segmentParam:
		if n.param == nil && create {
			n.param = &routeNode{kind: segmentParam, segment: name}
		}
		return n.param
	default: // segmentWildcard
		if n.wildcard == nil && create {
			n.wildcard = &routeNode{kind: segmentWildcard, segment: name}
		}
		return n.wildcard
	}
}

func (n *routeNode) literalChild(segment string) *routeNode {
	for _, c := range n.literals {
		if c.segment == segment {
			return c
		}
	}
	return nil
}

// collect walks the tree depth-first in Literal > Param > Wildcard order,
// appending one RouteInfo per (method, terminal node) pair.
func (n *routeNode) collect(prefix string, out *[]RouteInfo) {
	for method, opID := range n.methods {
		p := prefix
		if p == "" {
			p = "/"
		}
		*out = append(*out, RouteInfo{Method: method, Path: p, OperationID: opID})
	}
	for _, c := range n.literals {
		c.collect(prefix+"/"+c.segment, out)
	}
	if n.param != nil {
		n.param.collect(prefix+"/{"+n.param.segment+"}", out)
	}
	if n.wildcard != nil {
		n.wildcard.collect(prefix+"/*"+n.wildcard.segment, out)
	}
}

// classifySegment determines the kind of a single pattern segment and, for
// param/wildcard segments, returns the bound name.
func classifySegment(seg string) (segmentKind, string) {
	if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") && len(seg) > 2 {
		return segmentParam, seg[1 : len(seg)-1]
	}
	if strings.HasPrefix(seg, "*") && len(seg) > 1 {
		return segmentWildcard, seg[1:]
	}
	return segmentLiteral, seg
}

// splitPattern validates and splits a registration pattern into segments.
func splitPattern(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, fmt.Errorf("archimedes: pattern cannot be empty")
	}
	if pattern[0] != '/' {
		return nil, fmt.Errorf("archimedes: pattern must start with /")
	}

	segs := splitPath(pattern)

	seen := map[string]bool{}
	for i, seg := range segs {
		kind, name := classifySegment(seg)
		if kind == segmentWildcard && i != len(segs)-1 {
			return nil, fmt.Errorf("archimedes: the wildcard can only appear at the end of the path")
		}
		if kind == segmentParam || kind == segmentWildcard {
			if seen[name] {
				return nil, fmt.Errorf("archimedes: duplicate param name %q in pattern %q", name, pattern)
			}
			seen[name] = true
		}
	}
	return segs, nil
}

// normalizePath trims whitespace, ensures a single leading slash, and
// strips a trailing slash unless the path is exactly "/".
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	if p == "" {
		p = "/"
	}
	return p
}

// splitPath splits a normalized (or pattern) path into non-empty segments,
// collapsing empty segments produced by repeated slashes.
func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// urlUnescape decodes %XX and + escapes in a matched path segment. Invalid
// escapes are passed through unchanged rather than rejected, matching
// permissive path-param decoding.
func urlUnescape(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}

	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && ishex(s[i+1]) && ishex(s[i+2]) {
			n++
			i += 2
		}
	}
	if n == 0 && !strings.Contains(s, "+") {
		return s
	}

	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '%' && i+2 < len(s) && ishex(s[i+1]) && ishex(s[i+2]):
			out = append(out, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
		case s[i] == '+':
			out = append(out, ' ')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

func ishex(c byte) bool {
	switch {
	case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		return true
	}
	return false
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
