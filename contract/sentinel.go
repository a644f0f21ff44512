package contract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OperationResolution is what Resolve returns for a successfully matched
// (method, path) pair.
type OperationResolution struct {
	OperationID  string
	PathTemplate string
	Params       map[string]string
	Deprecated   bool
	Tags         []string
}

// ErrNotFound is returned by Resolve when no operation matches.
var ErrNotFound = fmt.Errorf("contract: no operation matches")

// Sentinel resolves operations and validates request/response bodies
// against a loaded Artifact. It holds a path tree built once from the
// artifact's operations plus a by-id index; both are read-only after
// NewSentinel returns.
type Sentinel struct {
	artifact *Artifact
	cfg      ValidationConfig
	root     *sentinelNode
	byID     map[string]Operation
}

type sentinelNode struct {
	literals map[string]*sentinelNode
	param    *sentinelNode
	paramName string
	wildcard  *sentinelNode
	wildcardName string
	ops       map[string]Operation // method -> operation
}

func newSentinelNode() *sentinelNode {
	return &sentinelNode{literals: map[string]*sentinelNode{}, ops: map[string]Operation{}}
}

// NewSentinel builds a Sentinel from artifact, indexing every operation's
// path pattern ({name} params, *name terminal wildcard) into a small match
// tree mirroring the core router's tie-break semantics (literal > param >
// wildcard).
func NewSentinel(artifact *Artifact, cfg ValidationConfig) (*Sentinel, error) {
	s := &Sentinel{artifact: artifact, cfg: cfg, root: newSentinelNode(), byID: map[string]Operation{}}

	for _, op := range artifact.Operations {
		s.byID[op.ID] = op
		segs := splitSegments(op.Path)

		n := s.root
		for _, seg := range segs {
			switch {
			case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
				name := seg[1 : len(seg)-1]
				if n.param == nil {
					n.param = newSentinelNode()
					n.paramName = name
				}
				n = n.param
			case strings.HasPrefix(seg, "*"):
				name := seg[1:]
				if n.wildcard == nil {
					n.wildcard = newSentinelNode()
					n.wildcardName = name
				}
				n = n.wildcard
			default:
				next, ok := n.literals[seg]
				if !ok {
					next = newSentinelNode()
					n.literals[seg] = next
				}
				n = next
			}
		}
		n.ops[strings.ToUpper(op.Method)] = op
	}

	return s, nil
}

func splitSegments(path string) []string {
	raw := strings.Split(path, "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func (s *Sentinel) find(path string) (*sentinelNode, map[string]string) {
	segs := splitSegments(path)
	n := s.root
	params := map[string]string{}

	for i, seg := range segs {
		if next, ok := n.literals[seg]; ok {
			n = next
			continue
		}
		if n.param != nil {
			params[n.paramName] = seg
			n = n.param
			continue
		}
		if n.wildcard != nil {
			params[n.wildcardName] = strings.Join(segs[i:], "/")
			return n.wildcard, params
		}
		return nil, nil
	}
	return n, params
}

// Resolve matches (method, path) against the indexed operations.
func (s *Sentinel) Resolve(method, path string) (OperationResolution, error) {
	n, params := s.find(path)
	if n == nil {
		return OperationResolution{}, ErrNotFound
	}
	op, ok := n.ops[strings.ToUpper(method)]
	if !ok {
		return OperationResolution{}, ErrNotFound
	}
	return OperationResolution{
		OperationID:  op.ID,
		PathTemplate: op.Path,
		Params:       params,
		Deprecated:   op.Deprecated,
		Tags:         op.Tags,
	}, nil
}

// HasOperation reports whether (method, path) resolves to an operation.
func (s *Sentinel) HasOperation(method, path string) bool {
	_, err := s.Resolve(method, path)
	return err == nil
}

// ValidateRequest validates bodyJSON against operationID's request schema.
// An operation with no request schema always reports valid.
func (s *Sentinel) ValidateRequest(operationID string, bodyJSON []byte) (ValidationReport, error) {
	op, ok := s.byID[operationID]
	if !ok {
		return ValidationReport{}, ErrNotFound
	}
	if op.RequestSchema == nil {
		return ValidationReport{Valid: true}, nil
	}
	return s.validateBody(op.RequestSchema, bodyJSON), nil
}

// ValidateResponse validates bodyJSON against operationID's schema for the
// given status code. A status with no declared schema always reports
// valid.
func (s *Sentinel) ValidateResponse(operationID string, status int, bodyJSON []byte) (ValidationReport, error) {
	op, ok := s.byID[operationID]
	if !ok {
		return ValidationReport{}, ErrNotFound
	}
	schema, ok := op.ResponseSchemas[fmt.Sprint(status)]
	if !ok {
		return ValidationReport{Valid: true}, nil
	}
	return s.validateBody(schema, bodyJSON), nil
}

func (s *Sentinel) validateBody(schema *Schema, bodyJSON []byte) ValidationReport {
	var value interface{}
	if len(bodyJSON) > 0 {
		if err := json.Unmarshal(bodyJSON, &value); err != nil {
			return ValidationReport{Valid: false, Errors: []ValidationError{{Path: "$", Message: "invalid JSON: " + err.Error()}}}
		}
	}
	return Validate(schema, value, true, s.artifact, s.cfg)
}
