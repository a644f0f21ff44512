package contract

import (
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strconv"
	"time"
)

// ValidationConfig is the Sentinel's enumerated validation configuration.
type ValidationConfig struct {
	ValidateRequests  bool
	ValidateResponses bool
	StrictMode        bool
	MaxDepth          int
	ShortCircuit      bool // fail-fast instead of accumulating all errors
}

// ValidationError is one field-level validation failure, with a
// JSON-pointer-like path (e.g. "$.users[1].email").
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationReport is the outcome of validating one JSON value against a
// Schema.
type ValidationReport struct {
	Valid          bool
	Errors         []ValidationError
	DepthExceeded  bool
}

// Validate recursively walks value against schema, resolving Ref schemas
// against artifact.Schemas. Errors accumulate unless cfg.ShortCircuit is
// set, in which case only the first is reported. A ref chain deeper than
// cfg.MaxDepth yields DepthExceeded instead of a normal report.
func Validate(schema *Schema, value interface{}, present bool, artifact *Artifact, cfg ValidationConfig) ValidationReport {
	w := &walker{artifact: artifact, cfg: cfg}
	w.walk(schema, value, present, "$", 0)

	if w.depthExceeded {
		return ValidationReport{DepthExceeded: true}
	}
	if cfg.ShortCircuit && len(w.errors) > 1 {
		w.errors = w.errors[:1]
	}
	return ValidationReport{Valid: len(w.errors) == 0, Errors: w.errors}
}

type walker struct {
	artifact      *Artifact
	cfg           ValidationConfig
	errors        []ValidationError
	depthExceeded bool
}

func (w *walker) fail(path, format string, args ...interface{}) {
	if w.cfg.ShortCircuit && len(w.errors) > 0 {
		return
	}
	w.errors = append(w.errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// walk validates value. present reports whether a null value is an error
// here: walkObject sets it only for a required property that appears in
// its parent object, while array items and the top-level value always set
// it. value is nil both when the field is absent and when it is null.
func (w *walker) walk(schema *Schema, value interface{}, present bool, path string, depth int) {
	if w.depthExceeded {
		return
	}
	if schema == nil {
		return
	}

	if schema.Kind == KindRef {
		if depth >= w.cfg.MaxDepth && w.cfg.MaxDepth > 0 {
			w.depthExceeded = true
			return
		}
		resolved, ok := w.artifact.Schemas[schema.RefName]
		if !ok {
			w.fail(path, "unresolved schema reference %q", schema.RefName)
			return
		}
		w.walk(resolved, value, present, path, depth+1)
		return
	}

	if value == nil {
		if schema.Kind == KindNull {
			return
		}
		if present {
			// Required field explicitly null.
			w.fail(path, "value is null but a non-null value is required")
		}
		// Optional + absent/null both pass.
		return
	}

	switch schema.Kind {
	case KindString:
		w.walkString(schema, value, path)
	case KindInteger:
		w.walkNumber(schema, value, path, true)
	case KindNumber:
		w.walkNumber(schema, value, path, false)
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			w.fail(path, "expected boolean, got %T", value)
		}
	case KindArray:
		w.walkArray(schema, value, path, depth)
	case KindObject:
		w.walkObject(schema, value, path, depth)
	case KindEnum:
		w.walkEnum(schema, value, path)
	case KindOneOf:
		w.walkOneOf(schema, value, path, depth)
	case KindAllOf:
		w.walkAllOf(schema, value, path, depth)
	case KindAnyOf:
		w.walkAnyOf(schema, value, path, depth)
	case KindNull:
		w.fail(path, "expected null, got %T", value)
	}
}

func (w *walker) walkString(schema *Schema, value interface{}, path string) {
	s, ok := value.(string)
	if !ok {
		w.fail(path, "expected string, got %T", value)
		return
	}
	if schema.MinLen != nil && len(s) < *schema.MinLen {
		w.fail(path, "string shorter than min_len %d", *schema.MinLen)
	}
	if schema.MaxLen != nil && len(s) > *schema.MaxLen {
		w.fail(path, "string longer than max_len %d", *schema.MaxLen)
	}
	if schema.Pattern != "" {
		re, err := regexp.Compile(schema.Pattern)
		if err != nil {
			w.fail(path, "schema pattern %q does not compile", schema.Pattern)
		} else if !re.MatchString(s) {
			w.fail(path, "string does not match pattern %q", schema.Pattern)
		}
	}
	if schema.Format != "" && !validateFormat(schema.Format, s) {
		w.fail(path, "string does not satisfy format %q", schema.Format)
	}
}

// validateFormat checks s against one of a small set of well-known string
// formats. An unrecognized format name is treated as unconstrained, since
// the artifact format doesn't enumerate every possible value.
func validateFormat(format, s string) bool {
	switch format {
	case "email":
		_, err := mail.ParseAddress(s)
		return err == nil
	case "uuid":
		return uuidPattern.MatchString(s)
	case "date-time":
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	case "date":
		_, err := time.Parse("2006-01-02", s)
		return err == nil
	case "ipv4":
		ip := net.ParseIP(s)
		return ip != nil && ip.To4() != nil
	case "ipv6":
		ip := net.ParseIP(s)
		return ip != nil && ip.To4() == nil
	default:
		return true
	}
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func (w *walker) walkNumber(schema *Schema, value interface{}, path string, integer bool) {
	f, ok := asFloat(value)
	if !ok {
		kind := "number"
		if integer {
			kind = "integer"
		}
		w.fail(path, "expected %s, got %T", kind, value)
		return
	}
	if integer && f != float64(int64(f)) {
		w.fail(path, "expected integer, got fractional number")
	}
	if schema.Min != nil && f < *schema.Min {
		w.fail(path, "value below minimum %v", *schema.Min)
	}
	if schema.Max != nil && f > *schema.Max {
		w.fail(path, "value above maximum %v", *schema.Max)
	}
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (w *walker) walkArray(schema *Schema, value interface{}, path string, depth int) {
	arr, ok := value.([]interface{})
	if !ok {
		w.fail(path, "expected array, got %T", value)
		return
	}
	if schema.MinItems != nil && len(arr) < *schema.MinItems {
		w.fail(path, "array shorter than min_items %d", *schema.MinItems)
	}
	if schema.MaxItems != nil && len(arr) > *schema.MaxItems {
		w.fail(path, "array longer than max_items %d", *schema.MaxItems)
	}
	for i, item := range arr {
		w.walk(schema.Items, item, true, path+"["+strconv.Itoa(i)+"]", depth)
	}
}

func (w *walker) walkObject(schema *Schema, value interface{}, path string, depth int) {
	obj, ok := value.(map[string]interface{})
	if !ok {
		w.fail(path, "expected object, got %T", value)
		return
	}

	required := map[string]bool{}
	for _, name := range schema.RequiredProperties {
		required[name] = true
	}

	for name, propSchema := range schema.Properties {
		v, present := obj[name]
		w.walk(propSchema, v, present && required[name], path+"."+name, depth)
		if !present && required[name] {
			w.fail(path+"."+name, "required property is missing")
		}
	}

	if w.cfg.StrictMode {
		for name := range obj {
			if _, known := schema.Properties[name]; !known {
				w.fail(path+"."+name, "additional property %q is not allowed in strict mode", name)
			}
		}
	}
}

func (w *walker) walkEnum(schema *Schema, value interface{}, path string) {
	for _, allowed := range schema.EnumValues {
		if fmt.Sprint(allowed) == fmt.Sprint(value) {
			return
		}
	}
	w.fail(path, "value %v is not one of the allowed enum values", value)
}

func (w *walker) walkOneOf(schema *Schema, value interface{}, path string, depth int) {
	matches := 0
	for _, sub := range schema.Schemas {
		sw := &walker{artifact: w.artifact, cfg: w.cfg}
		sw.walk(sub, value, true, path, depth)
		if sw.depthExceeded {
			w.depthExceeded = true
			return
		}
		if len(sw.errors) == 0 {
			matches++
		}
	}
	if matches != 1 {
		w.fail(path, "value must match exactly one of %d alternatives, matched %d", len(schema.Schemas), matches)
	}
}

func (w *walker) walkAllOf(schema *Schema, value interface{}, path string, depth int) {
	for _, sub := range schema.Schemas {
		w.walk(sub, value, true, path, depth)
	}
}

func (w *walker) walkAnyOf(schema *Schema, value interface{}, path string, depth int) {
	for _, sub := range schema.Schemas {
		sw := &walker{artifact: w.artifact, cfg: w.cfg}
		sw.walk(sub, value, true, path, depth)
		if sw.depthExceeded {
			w.depthExceeded = true
			return
		}
		if len(sw.errors) == 0 {
			return
		}
	}
	w.fail(path, "value matches none of %d alternatives", len(schema.Schemas))
}
