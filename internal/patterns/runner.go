package patterns

import "strings"

// TransformRunner executes FieldRule pipelines against an extracted JSON
// document (spec.md §4.8). It is stateless and safe for concurrent use.
type TransformRunner struct {
	registry map[string]TransformFunc
}

// NewTransformRunner builds a runner over the built-in transform set.
func NewTransformRunner() *TransformRunner {
	reg := make(map[string]TransformFunc, len(builtinTransforms))
	for name, fn := range builtinTransforms {
		reg[name] = fn
	}
	return &TransformRunner{registry: reg}
}

func extractPath(doc map[string]interface{}, path string) interface{} {
	if path == "" {
		return doc
	}
	var cur interface{} = doc
	for _, segment := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[segment]
	}
	return cur
}

// RunField extracts rule.Path from doc and folds it through rule's
// pipeline. A step returning nil short-circuits the remaining steps
// (spec.md §8); an unknown transform name or a step's error aborts the
// whole rule, surfaced as an error so the caller skips this field/rule
// entirely and emits no message for it.
func (r *TransformRunner) RunField(rule FieldRule, doc map[string]interface{}) (interface{}, error) {
	acc := extractPath(doc, rule.Path)
	for _, step := range rule.Transform {
		if acc == nil {
			return nil, nil
		}
		fn, ok := r.registry[step.Name]
		if !ok {
			return nil, &UnsupportedTransformationError{Name: step.Name}
		}
		var err error
		acc, err = fn(acc, step.Args)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// RunFields evaluates every named FieldRule in fields against doc,
// returning the resulting field->value map. A rule whose pipeline errors
// aborts the whole rule (spec.md §4.8 "throwing aborts the whole rule (no
// message)"): RunFields propagates the error and the caller must not send
// a partial message.
func (r *TransformRunner) RunFields(fields map[string]FieldRule, doc map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(fields))
	for name, rule := range fields {
		v, err := r.RunField(rule, doc)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
