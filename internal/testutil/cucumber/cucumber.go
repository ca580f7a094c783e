// Package cucumber is a small godog harness for driving the HTTP API from feature files.
//
// Each scenario keeps its own variables and one HTTP session per user. Strings in steps
// and doc strings are expanded before use:
//   - ${name}            → scenario variable
//   - ${name.field}      → nested field of a variable
//   - ${response.field}  → gojq selection on the last response body
//   - ${value | pipe}    → pipe transformation (json, string)
package cucumber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"
	"github.com/itchyny/gojq"
	"github.com/pmezard/go-difflib/difflib"
)

// TestDB exposes the storage operations feature steps need beyond the HTTP API.
type TestDB interface {
	// CountTasks returns the number of outbox tasks of the given type.
	CountTasks(ctx context.Context, taskType string) (int, error)
}

// TestSuite holds state shared by every scenario of a run.
type TestSuite struct {
	APIURL   string
	Mu       sync.Mutex
	TestingT *testing.T
	DB       TestDB
	Extra    map[string]interface{}
}

func NewTestSuite() *TestSuite {
	return &TestSuite{
		APIURL: "http://localhost:8080",
		Extra:  map[string]interface{}{},
	}
}

func DefaultOptions() godog.Options {
	return godog.Options{
		Output:      colors.Colored(os.Stdout),
		Format:      "progress",
		Paths:       []string{"features"},
		Randomize:   time.Now().UTC().UnixNano(),
		Concurrency: 1,
		Strict:      true,
	}
}

// ApplyReportOptions writes junit XML to GODOG_REPORT_DIR when it is set. The returned
// function closes the report file.
func ApplyReportOptions(opts *godog.Options, testName string) func() {
	reportDir := os.Getenv("GODOG_REPORT_DIR")
	if reportDir == "" {
		return func() {}
	}
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return func() {}
	}
	f, err := os.Create(filepath.Join(reportDir, strings.ReplaceAll(testName, "/", "-")+".xml"))
	if err != nil {
		return func() {}
	}
	opts.Output = f
	opts.Format = "junit"
	return func() { _ = f.Close() }
}

// TestSession is one user's HTTP state.
type TestSession struct {
	UserID    string
	Client    *http.Client
	Header    http.Header
	Resp      *http.Response
	RespBytes []byte
	respJSON  interface{}
}

// RespJSON returns the last response body parsed as JSON.
func (s *TestSession) RespJSON() (interface{}, error) {
	if s.respJSON == nil {
		if len(s.RespBytes) == 0 {
			return nil, fmt.Errorf("no response body")
		}
		if err := json.Unmarshal(s.RespBytes, &s.respJSON); err != nil {
			return nil, fmt.Errorf("error parsing response json: %w\njson was:\n%s", err, s.RespBytes)
		}
	}
	return s.respJSON, nil
}

// TestScenario holds state for a single scenario. Not accessed concurrently.
type TestScenario struct {
	Suite       *TestSuite
	CurrentUser string
	Variables   map[string]interface{}
	sessions    map[string]*TestSession
}

func (s *TestScenario) Logf(format string, args ...any) {
	s.Suite.TestingT.Logf(format, args...)
}

// Session returns the current user's session, creating it on first use.
func (s *TestScenario) Session() *TestSession {
	session := s.sessions[s.CurrentUser]
	if session == nil {
		session = &TestSession{
			UserID: s.CurrentUser,
			Client: &http.Client{Timeout: 30 * time.Second},
			Header: http.Header{},
		}
		s.sessions[s.CurrentUser] = session
	}
	return session
}

// StepModules register steps with each new scenario.
var StepModules []func(ctx *godog.ScenarioContext, s *TestScenario)

func (suite *TestSuite) InitializeScenario(ctx *godog.ScenarioContext) {
	s := &TestScenario{
		Suite:     suite,
		Variables: map[string]interface{}{},
		sessions:  map[string]*TestSession{},
	}
	for _, module := range StepModules {
		module(ctx, s)
	}
}

// Expand replaces ${...} references in value.
func (s *TestScenario) Expand(value string) (result string, rerr error) {
	return os.Expand(value, func(name string) string {
		res, err := s.ResolveString(name)
		if err != nil && rerr == nil {
			rerr = err
		}
		return res
	}), rerr
}

func (s *TestScenario) ResolveString(name string) (string, error) {
	value, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	return toString(value)
}

func toString(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int, int64:
		return fmt.Sprintf("%d", v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *TestScenario) Resolve(name string) (interface{}, error) {
	pipes := strings.Split(name, "|")
	for i := range pipes {
		pipes[i] = strings.TrimSpace(pipes[i])
	}
	name, pipes = pipes[0], pipes[1:]

	var value interface{}
	var err error
	switch {
	case name == "response":
		value, err = s.Session().RespJSON()
	case strings.HasPrefix(name, "response.") || strings.HasPrefix(name, "response["):
		value, err = s.selectResponse("." + strings.TrimPrefix(name, "response"))
	default:
		value, err = s.lookupVariable(name)
	}
	if err != nil {
		return nil, err
	}
	for _, pipe := range pipes {
		fn := PipeFunctions[pipe]
		if fn == nil {
			return nil, fmt.Errorf("unknown pipe: %s", pipe)
		}
		if value, err = fn(value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

func (s *TestScenario) lookupVariable(name string) (interface{}, error) {
	parts := strings.Split(name, ".")
	value, found := s.Variables[parts[0]]
	if !found {
		return nil, fmt.Errorf("variable ${%s} not defined yet", parts[0])
	}
	for _, part := range parts[1:] {
		v := reflect.ValueOf(value)
		switch v.Kind() {
		case reflect.Map:
			child := v.MapIndex(reflect.ValueOf(part))
			if !child.IsValid() {
				return nil, fmt.Errorf("map key %s not found in ${%s}", part, name)
			}
			value = child.Interface()
		case reflect.Slice:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= v.Len() {
				return nil, fmt.Errorf("bad slice index %s in ${%s}", part, name)
			}
			value = v.Index(idx).Interface()
		default:
			return nil, fmt.Errorf("can't navigate to '%s' on %T", part, value)
		}
	}
	return value, nil
}

// selectResponse runs a gojq selector against the last response body.
func (s *TestScenario) selectResponse(selector string) (interface{}, error) {
	if selector == "." || selector == "" {
		return s.Session().RespJSON()
	}
	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, err
	}
	doc, err := s.Session().RespJSON()
	if err != nil {
		return nil, err
	}
	iter := query.Run(doc)
	next, found := iter.Next()
	if !found {
		return nil, fmt.Errorf("selector %s matched nothing in:\n%s", selector, s.Session().RespBytes)
	}
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next, nil
}

var PipeFunctions = map[string]func(any) (any, error){
	"json": func(value any) (any, error) {
		buf := &bytes.Buffer{}
		enc := json.NewEncoder(buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(value); err != nil {
			return nil, err
		}
		return buf.String(), nil
	},
	"string": func(value any) (any, error) {
		return fmt.Sprintf("%v", value), nil
	},
}

// JSONMustMatch compares two JSON documents for deep equality after expanding expected.
func (s *TestScenario) JSONMustMatch(actual, expected string) error {
	return s.compareJSON(actual, expected, func(exp, act interface{}) error {
		if reflect.DeepEqual(exp, act) {
			return nil
		}
		e, _ := json.MarshalIndent(exp, "", "  ")
		a, _ := json.MarshalIndent(act, "", "  ")
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(e)),
			B:        difflib.SplitLines(string(a)),
			FromFile: "Expected",
			ToFile:   "Actual",
			Context:  1,
		})
		return fmt.Errorf("actual does not match expected, diff:\n%s", diff)
	})
}

// JSONMustContain checks that every field of expected is present in actual with the
// same value. Arrays must have equal length; their elements are compared the same way.
func (s *TestScenario) JSONMustContain(actual, expected string) error {
	return s.compareJSON(actual, expected, func(exp, act interface{}) error {
		if err := jsonSubset(exp, act, ""); err != nil {
			a, _ := json.MarshalIndent(act, "", "  ")
			return fmt.Errorf("actual does not contain expected: %w\nactual:\n%s", err, a)
		}
		return nil
	})
}

func (s *TestScenario) compareJSON(actual, expected string, cmp func(exp, act interface{}) error) error {
	var act interface{}
	if err := json.Unmarshal([]byte(actual), &act); err != nil {
		return fmt.Errorf("error parsing actual json: %w\njson was:\n%s", err, actual)
	}
	expanded, err := s.Expand(expected)
	if err != nil {
		return err
	}
	var exp interface{}
	if err := json.Unmarshal([]byte(expanded), &exp); err != nil {
		return fmt.Errorf("error parsing expected json: %w\njson was:\n%s", err, expanded)
	}
	return cmp(exp, act)
}

func jsonSubset(expected, actual interface{}, path string) error {
	at := "$" + path
	switch exp := expected.(type) {
	case nil:
		if actual != nil {
			return fmt.Errorf("at %s: expected null, got %v", at, actual)
		}
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return fmt.Errorf("at %s: expected object, got %T", at, actual)
		}
		for key, v := range exp {
			av, exists := act[key]
			if !exists {
				return fmt.Errorf("at %s: missing key %q", at, key)
			}
			if err := jsonSubset(v, av, path+"."+key); err != nil {
				return err
			}
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return fmt.Errorf("at %s: expected array, got %T", at, actual)
		}
		if len(exp) != len(act) {
			return fmt.Errorf("at %s: expected array length %d, got %d", at, len(exp), len(act))
		}
		for i := range exp {
			if err := jsonSubset(exp[i], act[i], fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	default:
		if !reflect.DeepEqual(expected, actual) {
			return fmt.Errorf("at %s: expected %v (%T), got %v (%T)", at, expected, expected, actual, actual)
		}
	}
	return nil
}
