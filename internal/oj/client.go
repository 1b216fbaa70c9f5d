// Package oj is a stateful HTTP client for the Online Judge. Each Client
// owns one cookie session, normally bound to a single account: login leaves
// the session cookie in the jar and every later write rides on it.
//
// The judge wraps responses in a {error, data} JSON envelope and guards
// writes with a CSRF cookie that must be echoed back in the X-CSRFToken
// header; acquireCSRF fetches a harmless profile endpoint to seed it.
package oj

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/orju/squeeze/internal/captcha"
)

const (
	getTimeout   = 10 * time.Second
	postTimeout  = 15 * time.Second
	pollInterval = 500 * time.Millisecond

	csrfCookie    = "csrftoken"
	sessionCookie = "sessionid"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"
)

// Client is one HTTP session against the judge.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	recognizer captcha.Recognizer
	csrf       string
}

// New creates a Client with a fresh cookie jar. The recognizer is consulted
// only by Register; pass nil for sessions that never register.
func New(baseURL string, recognizer captcha.Recognizer) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("oj: parse base URL: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("oj: cookie jar: %w", err)
	}
	return &Client{
		base:       base,
		httpClient: &http.Client{Jar: jar},
		recognizer: recognizer,
	}, nil
}

// envelope is the judge's uniform response wrapper. On error, Data holds the
// human-readable message; on success it holds the payload object.
type envelope struct {
	Error *string         `json:"error"`
	Data  json.RawMessage `json:"data"`
}

// errMessage extracts the error message, falling back to the error code.
func (e *envelope) errMessage() string {
	var msg string
	if len(e.Data) > 0 {
		_ = json.Unmarshal(e.Data, &msg)
	}
	if msg == "" && e.Error != nil {
		msg = *e.Error
	}
	return msg
}

// Submission is one polled submission record with aliases normalized.
type Submission struct {
	Result     Result
	MemoryCost *int // bytes; nil until the judge reports it
}

func (c *Client) resolve(endpoint string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + endpoint
	return u.String()
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string, timeout time.Duration) (*envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.resolve(endpoint)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("oj: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.csrf != "" {
		req.Header.Set("X-CSRFToken", c.csrf)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ServerError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServerError{Op: method + " " + endpoint, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ServerError{Op: method + " " + endpoint,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Op: method + " " + endpoint, Detail: "response is not a JSON envelope"}
	}
	return &env, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values) (*envelope, error) {
	return c.do(ctx, http.MethodGet, endpoint, query, nil, "", getTimeout)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any) (*envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("oj: marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body), "application/json", postTimeout)
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (*envelope, error) {
	return c.do(ctx, http.MethodPost, endpoint, nil, strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded", postTimeout)
}

// cookieValue returns the named cookie currently in the jar for the base URL.
func (c *Client) cookieValue(name string) string {
	for _, ck := range c.httpClient.Jar.Cookies(c.base) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// acquireCSRF fetches the profile endpoint to seed the CSRF cookie and
// promotes it into the X-CSRFToken header for subsequent writes.
func (c *Client) acquireCSRF(ctx context.Context) error {
	if _, err := c.getJSON(ctx, "/api/profile", nil); err != nil {
		return err
	}
	token := c.cookieValue(csrfCookie)
	if token == "" {
		return &ProtocolError{Op: "GET /api/profile", Detail: "no csrftoken cookie in response"}
	}
	c.csrf = token
	return nil
}

// refreshCSRFFromJar re-reads the CSRF cookie; the judge rotates it on login.
func (c *Client) refreshCSRFFromJar() {
	if token := c.cookieValue(csrfCookie); token != "" {
		c.csrf = token
	}
}

// Register creates a fresh account. The captcha challenge image is decoded
// from the judge's base64 envelope and handed to the recognizer.
//
// Error classification: ErrAccountExists for a username collision (soft),
// ErrCaptcha for a rejected solution (retryable), anything else generic.
func (c *Client) Register(ctx context.Context, username, password, email string) error {
	if err := c.acquireCSRF(ctx); err != nil {
		return err
	}

	env, err := c.getJSON(ctx, "/api/captcha", nil)
	if err != nil {
		return err
	}
	var dataURI string
	if err := json.Unmarshal(env.Data, &dataURI); err != nil || dataURI == "" {
		return &ProtocolError{Op: "GET /api/captcha", Detail: "captcha data missing from response"}
	}
	// data:image/png;base64,<payload> — keep only the payload.
	b64 := dataURI
	if i := strings.LastIndex(dataURI, ","); i >= 0 {
		b64 = dataURI[i+1:]
	}
	img, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return &ProtocolError{Op: "GET /api/captcha", Detail: "captcha payload is not valid base64"}
	}
	solution, err := c.recognizer.Solve(ctx, img)
	if err != nil {
		return fmt.Errorf("oj: solve captcha: %w", err)
	}

	reg, err := c.postJSON(ctx, "/api/register", map[string]string{
		"username": username,
		"password": password,
		"email":    email,
		"captcha":  solution,
	})
	if err != nil {
		return err
	}
	if reg.Error != nil {
		msg := reg.errMessage()
		switch {
		case strings.Contains(msg, "already exists"):
			return fmt.Errorf("%w: %s", ErrAccountExists, username)
		case strings.Contains(msg, "captcha"), strings.Contains(msg, "Captcha"):
			return ErrCaptcha
		default:
			return fmt.Errorf("oj: registration failed: %s", msg)
		}
	}
	return nil
}

// Login authenticates the session. Success requires the judge to set the
// session cookie; a clean response without it is reported as a protocol
// violation rather than treated as logged in.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if err := c.acquireCSRF(ctx); err != nil {
		return err
	}
	env, err := c.postJSON(ctx, "/api/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}
	if env.Error != nil {
		msg := env.errMessage()
		if strings.Contains(msg, "does not exist or password is not correct") {
			return fmt.Errorf("%w: %s", ErrLoginFailed, username)
		}
		return fmt.Errorf("oj: login failed: %s", msg)
	}
	if c.cookieValue(sessionCookie) == "" {
		return &ProtocolError{Op: "POST /api/login", Detail: "no sessionid cookie after successful login"}
	}
	c.refreshCSRFFromJar()
	return nil
}

// SubmitCode submits source code for a problem and returns the submission id.
func (c *Client) SubmitCode(ctx context.Context, code, language string, problemID int) (string, error) {
	env, err := c.postForm(ctx, "/api/submission", url.Values{
		"code":       {code},
		"language":   {language},
		"problem_id": {strconv.Itoa(problemID)},
	})
	if err != nil {
		return "", err
	}
	if env.Error != nil {
		return "", &ServerError{Op: "POST /api/submission", Err: fmt.Errorf("judge error: %s", env.errMessage())}
	}
	var data struct {
		SubmissionID string `json:"submission_id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.SubmissionID == "" {
		return "", &ProtocolError{Op: "POST /api/submission", Detail: "submission_id missing from response"}
	}
	return data.SubmissionID, nil
}

// GetSubmission fetches one submission record, normalizing result aliases.
func (c *Client) GetSubmission(ctx context.Context, submissionID string) (Submission, error) {
	env, err := c.getJSON(ctx, "/api/submission", url.Values{"id": {submissionID}})
	if err != nil {
		return Submission{}, err
	}
	if env.Error != nil {
		return Submission{}, &ServerError{Op: "GET /api/submission",
			Err: fmt.Errorf("judge error: %s", env.errMessage())}
	}
	var data struct {
		Result        *int `json:"result"`
		StatisticInfo struct {
			MemoryCost *float64 `json:"memory_cost"`
		} `json:"statistic_info"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Result == nil {
		return Submission{}, &ProtocolError{Op: "GET /api/submission", Detail: "result missing from response"}
	}
	result, err := ResultFromWire(*data.Result)
	if err != nil {
		return Submission{}, &ProtocolError{Op: "GET /api/submission", Detail: err.Error()}
	}
	sub := Submission{Result: result}
	if data.StatisticInfo.MemoryCost != nil {
		mc := int(*data.StatisticInfo.MemoryCost)
		sub.MemoryCost = &mc
	}
	return sub, nil
}

// WaitForMemory polls the submission at the fixed cadence until judged, then
// returns the reported memory cost. There is no wall-clock deadline; the loop
// ends on a judged verdict, a server-side error, or ctx cancellation.
//
// A judged verdict without statistic_info.memory_cost is a protocol
// violation: the side channel's one observable is missing.
func (c *Client) WaitForMemory(ctx context.Context, submissionID string) (int, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
		sub, err := c.GetSubmission(ctx, submissionID)
		if err != nil {
			return 0, err
		}
		if !sub.Result.Judged() {
			continue
		}
		if sub.MemoryCost == nil {
			return 0, &ProtocolError{Op: "GET /api/submission",
				Detail: fmt.Sprintf("submission judged %s but memory_cost is missing", sub.Result)}
		}
		return *sub.MemoryCost, nil
	}
}
