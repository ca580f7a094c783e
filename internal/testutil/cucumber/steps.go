package cucumber

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/cucumber/godog"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^I am authenticated as user "([^"]*)"$`, s.iAmAuthenticatedAsUser)
		ctx.Step(`^I am not authenticated$`, s.iAmNotAuthenticated)
		ctx.Step(`^I (GET|POST|PUT|DELETE) path "([^"]*)"$`, s.sendHTTPRequest)
		ctx.Step(`^I (GET|POST|PUT|DELETE) path "([^"]*)" with json body:$`, s.SendHTTPRequestWithJSONBody)
		ctx.Step(`^I set the "([^"]*)" header to "([^"]*)"$`, s.iSetTheHeaderTo)

		ctx.Step(`^the response code should be (\d+)$`, s.theResponseCodeShouldBe)
		ctx.Step(`^the response should match json:$`, s.theResponseShouldMatchJSON)
		ctx.Step(`^the response should contain json:$`, s.theResponseShouldContainJSON)
		ctx.Step(`^the "([^"]*)" selection from the response should match "([^"]*)"$`, s.theSelectionShouldMatch)
		ctx.Step(`^the "([^"]*)" selection from the response should match json:$`, s.theSelectionShouldMatchJSON)
		ctx.Step(`^I store the "([^"]*)" selection from the response as \${([^}]*)}$`, s.iStoreTheSelectionAs)
	})
}

func (s *TestScenario) iAmAuthenticatedAsUser(userID string) error {
	s.CurrentUser = userID
	return nil
}

func (s *TestScenario) iAmNotAuthenticated() error {
	s.CurrentUser = ""
	return nil
}

func (s *TestScenario) iSetTheHeaderTo(name, value string) error {
	expanded, err := s.Expand(value)
	if err != nil {
		return err
	}
	s.Session().Header.Set(name, expanded)
	return nil
}

func (s *TestScenario) sendHTTPRequest(method, path string) error {
	return s.SendHTTPRequestWithJSONBody(method, path, nil)
}

// SendHTTPRequestWithJSONBody sends a request as the current user. Headers set with
// "I set the header" apply to the next request only.
func (s *TestScenario) SendHTTPRequestWithJSONBody(method, path string, doc *godog.DocString) error {
	session := s.Session()

	var body io.Reader
	if doc != nil {
		expanded, err := s.Expand(doc.Content)
		if err != nil {
			return err
		}
		body = bytes.NewBufferString(expanded)
	}
	expandedPath, err := s.Expand(path)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(context.Background(), method, s.Suite.APIURL+expandedPath, body)
	if err != nil {
		return err
	}
	req.Header = session.Header
	session.Header = http.Header{}
	if req.Header.Get("Authorization") == "" && session.UserID != "" {
		// API key mode: the bearer token is the user id.
		req.Header.Set("Authorization", "Bearer "+session.UserID)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	session.Resp = nil
	session.RespBytes = nil
	session.respJSON = nil
	resp, err := session.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	session.Resp = resp
	session.RespBytes, err = io.ReadAll(resp.Body)
	return err
}

func (s *TestScenario) theResponseCodeShouldBe(expected int) error {
	session := s.Session()
	if session.Resp == nil {
		return fmt.Errorf("no HTTP response available")
	}
	if session.Resp.StatusCode != expected {
		return fmt.Errorf("expected response code to be: %d, but actual is: %d, body: %s", expected, session.Resp.StatusCode, session.RespBytes)
	}
	return nil
}

func (s *TestScenario) theResponseShouldMatchJSON(expected *godog.DocString) error {
	return s.JSONMustMatch(string(s.Session().RespBytes), expected.Content)
}

func (s *TestScenario) theResponseShouldContainJSON(expected *godog.DocString) error {
	return s.JSONMustContain(string(s.Session().RespBytes), expected.Content)
}

func (s *TestScenario) theSelectionShouldMatch(selector, expected string) error {
	actual, err := s.selectResponse(selector)
	if err != nil {
		return err
	}
	expected, err = s.Expand(expected)
	if err != nil {
		return err
	}
	got := "null"
	if actual != nil {
		if got, err = toString(actual); err != nil {
			return err
		}
	}
	if got != expected {
		return fmt.Errorf("selection %s does not match. expected: %s, actual: %s", selector, expected, got)
	}
	return nil
}

func (s *TestScenario) theSelectionShouldMatchJSON(selector string, expected *godog.DocString) error {
	actual, err := s.selectResponse(selector)
	if err != nil {
		return err
	}
	raw, err := toString(actual)
	if err != nil {
		return err
	}
	return s.JSONMustMatch(raw, expected.Content)
}

func (s *TestScenario) iStoreTheSelectionAs(selector, as string) error {
	value, err := s.selectResponse(selector)
	if err != nil {
		return err
	}
	s.Variables[as] = value
	return nil
}
