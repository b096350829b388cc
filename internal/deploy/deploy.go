// Package deploy loads, checks and renders the OpenShift template that runs
// the post-deployment smoke tests as a ClowdJobInvocation.
package deploy

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	TemplateAPIVersion = "template.openshift.io/v1"
	CJIAPIVersion      = "cloud.redhat.com/v1alpha1"
	CJIKind            = "ClowdJobInvocation"

	AppName       = "cloudigrade"
	SmokeTestName = "cloudigrade-smoke-tests-${IMAGE_TAG}-${UID}"

	ParamImageTag = "IMAGE_TAG"
	ParamUID      = "UID"

	// UIDExpression is the generator expression of the UID parameter.
	UIDExpression = "[a-z0-9]{6}"
)

var (
	paramRef       = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	expressionForm = regexp.MustCompile(`^\[([^\]]+)\]\{(\d+)\}$`)
)

// Parameter is one template parameter.
type Parameter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Value       string `yaml:"value,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
	Generate    string `yaml:"generate,omitempty"`
	From        string `yaml:"from,omitempty"`
}

// Template is an OpenShift template. Objects are kept untyped so rendering
// preserves fields this package does not know about.
type Template struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Objects    []map[string]any `yaml:"objects"`
	Parameters []Parameter      `yaml:"parameters"`
}

type renderedList struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Items      []map[string]any `yaml:"items"`
}

// LoadTemplate parses a template document.
func LoadTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &t, nil
}

// LoadTemplateFile reads and parses a template from disk.
func LoadTemplateFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	return LoadTemplate(data)
}

// Parameter returns the named parameter, if declared.
func (t *Template) Parameter(name string) (Parameter, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Validate checks the template describes the smoke-test invocation. Every
// problem found is reported in the joined error.
func (t *Template) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if t.APIVersion != TemplateAPIVersion {
		fail("apiVersion must be %q, got %q", TemplateAPIVersion, t.APIVersion)
	}
	if t.Kind != "Template" {
		fail("kind must be Template, got %q", t.Kind)
	}

	declared := make(map[string]bool, len(t.Parameters))
	for _, p := range t.Parameters {
		if p.Name == "" {
			fail("parameter without a name")
			continue
		}
		if declared[p.Name] {
			fail("parameter %s declared twice", p.Name)
		}
		declared[p.Name] = true
	}

	imageTag, ok := t.Parameter(ParamImageTag)
	switch {
	case !ok:
		fail("parameter %s is not declared", ParamImageTag)
	case !imageTag.Required:
		fail("parameter %s must be required", ParamImageTag)
	case imageTag.Value != "" || imageTag.Generate != "":
		fail("parameter %s must not have a default", ParamImageTag)
	}

	uid, ok := t.Parameter(ParamUID)
	switch {
	case !ok:
		fail("parameter %s is not declared", ParamUID)
	case uid.Generate != "expression" || uid.From != UIDExpression:
		fail("parameter %s must be generated from %q", ParamUID, UIDExpression)
	}

	if len(t.Objects) != 1 {
		fail("template must hold exactly one object, got %d", len(t.Objects))
	}
	for i, obj := range t.Objects {
		for _, err := range checkInvocation(obj) {
			errs = append(errs, fmt.Errorf("objects[%d]: %w", i, err))
		}
		for _, name := range references(obj) {
			if !declared[name] {
				fail("objects[%d]: references undeclared parameter %s", i, name)
			}
		}
	}
	return errors.Join(errs...)
}

func checkInvocation(obj map[string]any) []error {
	var errs []error
	expect := func(want any, path ...string) {
		got, ok := lookup(obj, path...)
		if !ok {
			errs = append(errs, fmt.Errorf("%s is missing", strings.Join(path, ".")))
			return
		}
		if got != want {
			errs = append(errs, fmt.Errorf("%s must be %v, got %v", strings.Join(path, "."), want, got))
		}
	}
	expect(CJIAPIVersion, "apiVersion")
	expect(CJIKind, "kind")
	expect(SmokeTestName, "metadata", "name")
	expect(AppName, "spec", "appName")
	expect(AppName, "spec", "testing", "iqe", "plugins")
	expect("smoke", "spec", "testing", "iqe", "marker")
	expect("", "spec", "testing", "iqe", "filter")
	expect(false, "spec", "testing", "iqe", "debug")
	return errs
}

// Render substitutes parameter values into the objects and returns them as
// a List document. Generated parameters get a fresh value unless supplied.
func (t *Template) Render(params map[string]string) ([]byte, error) {
	values := make(map[string]string, len(t.Parameters))
	for name := range params {
		if _, ok := t.Parameter(name); !ok {
			return nil, fmt.Errorf("unknown parameter %s", name)
		}
	}
	for _, p := range t.Parameters {
		if v, ok := params[p.Name]; ok && v != "" {
			values[p.Name] = v
			continue
		}
		switch {
		case p.Generate == "expression":
			v, err := generateFrom(p.From)
			if err != nil {
				return nil, fmt.Errorf("generate %s: %w", p.Name, err)
			}
			values[p.Name] = v
		case p.Value != "":
			values[p.Name] = p.Value
		case p.Required:
			return nil, fmt.Errorf("parameter %s is required", p.Name)
		default:
			values[p.Name] = ""
		}
	}

	items := make([]map[string]any, 0, len(t.Objects))
	for i, obj := range t.Objects {
		out, err := substitute(obj, values)
		if err != nil {
			return nil, fmt.Errorf("objects[%d]: %w", i, err)
		}
		items = append(items, out.(map[string]any))
	}
	return yaml.Marshal(renderedList{APIVersion: "v1", Kind: "List", Items: items})
}

// GenerateUID returns a fresh value for the UID parameter.
func GenerateUID() (string, error) {
	return generateFrom(UIDExpression)
}

// generateFrom supports the single-class form "[chars]{n}" of the template
// generator, with ranges such as a-z inside the class.
func generateFrom(expr string) (string, error) {
	m := expressionForm.FindStringSubmatch(expr)
	if m == nil {
		return "", fmt.Errorf("unsupported expression %q", expr)
	}
	alphabet, err := expandClass(m[1])
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n <= 0 {
		return "", fmt.Errorf("invalid length in %q", expr)
	}

	limit := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(n)
	for range n {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}

func expandClass(class string) ([]byte, error) {
	seen := make(map[byte]bool)
	for i := 0; i < len(class); i++ {
		lo, hi := class[i], class[i]
		if i+2 < len(class) && class[i+1] == '-' {
			hi = class[i+2]
			i += 2
		}
		if hi < lo {
			return nil, fmt.Errorf("invalid range %c-%c", lo, hi)
		}
		for c := lo; ; c++ {
			seen[c] = true
			if c == hi {
				break
			}
		}
	}
	out := make([]byte, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func substitute(v any, values map[string]string) (any, error) {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			key, err := substituteString(k, values)
			if err != nil {
				return nil, err
			}
			if out[key], err = substitute(child, values); err != nil {
				return nil, err
			}
		}
		return out, nil
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			var err error
			if out[i], err = substitute(child, values); err != nil {
				return nil, err
			}
		}
		return out, nil
	case string:
		return substituteString(node, values)
	default:
		return v, nil
	}
}

func substituteString(s string, values map[string]string) (string, error) {
	var missing string
	out := paramRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v, ok := values[name]
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("references undeclared parameter %s", missing)
	}
	return out, nil
}

func references(v any) []string {
	found := make(map[string]bool)
	var walk func(any)
	walk = func(v any) {
		switch node := v.(type) {
		case map[string]any:
			for k, child := range node {
				walk(k)
				walk(child)
			}
		case []any:
			for _, child := range node {
				walk(child)
			}
		case string:
			for _, m := range paramRef.FindAllStringSubmatch(node, -1) {
				found[m[1]] = true
			}
		}
	}
	walk(v)
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(obj map[string]any, path ...string) (any, bool) {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}
