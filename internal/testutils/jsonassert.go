package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value.
const PresencePlaceholder = "<<PRESENCE>>"

type JSONAssertOptions struct {
	IgnoreExtraKeys          bool     `default:"true"`
	AllowPresencePlaceholder bool     `default:"true"`
	IgnoredFields            []string `default:""`
	IgnoreArrayOrder         bool     `default:"false"`
}

type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a readable
// diff on mismatch.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...JSONOption) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Assert compares actualJSON against expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root
	_, expArr := expected.([]interface{})
	_, actArr := actual.([]interface{})
	if expArr || actArr {
		expected = map[string]interface{}{"array": expected}
		actual = map[string]interface{}{"array": actual}
	}

	if ja.options.AllowPresencePlaceholder {
		fillPlaceholders(expected, actual)
	}
	// ignored fields go first so they cannot affect the sort order below
	if len(ja.options.IgnoredFields) > 0 {
		removeFields(expected, ja.options.IgnoredFields)
		removeFields(actual, ja.options.IgnoredFields)
	}
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	d, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(d)
	return out
}

// walkPair visits matching positions of two decoded JSON values.
func walkPair(expected, actual interface{}, visit func(exp map[string]interface{}, act map[string]interface{})) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		visit(exp, act)
		for k := range exp {
			walkPair(exp[k], act[k], visit)
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				walkPair(exp[i], act[i], visit)
			}
		}
	}
}

func fillPlaceholders(expected, actual interface{}) {
	walkPair(expected, actual, func(exp, act map[string]interface{}) {
		for k, v := range exp {
			if s, ok := v.(string); ok && s == PresencePlaceholder {
				if av, present := act[k]; present {
					exp[k] = av
				}
			}
		}
	})
}

func pruneExtraKeys(actual, expected interface{}) {
	walkPair(expected, actual, func(exp, act map[string]interface{}) {
		for k := range act {
			if _, ok := exp[k]; !ok {
				delete(act, k)
			}
		}
	})
}

func removeFields(v interface{}, fields []string) {
	switch t := v.(type) {
	case map[string]interface{}:
		for _, f := range fields {
			delete(t, f)
		}
		for _, child := range t {
			removeFields(child, fields)
		}
	case []interface{}:
		for _, child := range t {
			removeFields(child, fields)
		}
	}
}

// sortArrays orders every array by the JSON encoding of its elements.
func sortArrays(v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		for _, child := range t {
			sortArrays(child)
		}
	case []interface{}:
		for _, child := range t {
			sortArrays(child)
		}
		sort.Slice(t, func(i, j int) bool {
			a, _ := json.Marshal(t[i])
			b, _ := json.Marshal(t[j])
			return string(a) < string(b)
		})
	}
}

func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(opts *JSONAssertOptions) { opts.IgnoreExtraKeys = ignore }
}

func WithAllowPresencePlaceholder(allow bool) JSONOption {
	return func(opts *JSONAssertOptions) { opts.AllowPresencePlaceholder = allow }
}

func WithIgnoredFields(fields ...string) JSONOption {
	return func(opts *JSONAssertOptions) { opts.IgnoredFields = fields }
}

func WithIgnoreArrayOrder(ignore bool) JSONOption {
	return func(opts *JSONAssertOptions) { opts.IgnoreArrayOrder = ignore }
}
