package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/orju/squeeze/internal/oj"
	"github.com/orju/squeeze/internal/store"
	"github.com/orju/squeeze/internal/tasklog"
	"github.com/orju/squeeze/internal/types"
)

// maxProbeAttempts bounds retries for one probe. Each retry rotates to the
// next account, so a throttled or flaky account doesn't stall the crawl.
const maxProbeAttempts = 3

// account is one admitted (logged-in) session with its credential.
type account struct {
	username string
	session  Session
}

// probeSubmitter sends probe programs to the judge and reports the raw
// memory readings back to the crawler core, which owns the decoding model.
// It also persists discovered test cases.
type probeSubmitter struct {
	store   store.Store
	log     *tasklog.TaskLog
	problem types.Problem
	source  types.CrawlerSource
	header  string
	footer  string

	accounts []account
	next     int
}

func newProbeSubmitter(st store.Store, log *tasklog.TaskLog, problem types.Problem,
	source types.CrawlerSource, header, footer string, accounts []account) *probeSubmitter {
	return &probeSubmitter{
		store:    st,
		log:      log,
		problem:  problem,
		source:   source,
		header:   header,
		footer:   footer,
		accounts: accounts,
	}
}

// render substitutes placeholder values into a probe template and wraps it
// with the task's header and footer code. The prefix is rendered as a quoted
// string literal with escapes, so arbitrary bytes survive embedding in
// source code.
func (s *probeSubmitter) render(query string, vals map[string]string) (string, error) {
	tpl := s.source.Code[query]
	if tpl == "" {
		return "", fmt.Errorf("tasks: crawler source %q has no %s template", s.source.Name, query)
	}
	for key, val := range vals {
		tpl = strings.ReplaceAll(tpl, "{"+key+"}", val)
	}
	var parts []string
	if s.header != "" {
		parts = append(parts, s.header)
	}
	parts = append(parts, tpl)
	if s.footer != "" {
		parts = append(parts, s.footer)
	}
	return strings.Join(parts, "\n"), nil
}

func quotePrefix(prefix []byte) string {
	return strconv.Quote(string(prefix))
}

// probe submits the rendered program and waits for the memory reading,
// retrying on retryable judge errors with account rotation.
func (s *probeSubmitter) probe(ctx context.Context, query, code string) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxProbeAttempts; attempt++ {
		acct := s.accounts[s.next%len(s.accounts)]
		s.next++

		now := time.Now().UTC()
		if err := s.store.TouchAccount(ctx, acct.username, now); err != nil {
			slog.Warn("[CRAWL] touch account failed", "account", acct.username, "error", err)
		}

		subID, err := acct.session.SubmitCode(ctx, code, s.source.Language, s.problem.SubmitID)
		if err == nil {
			var memory int
			memory, err = acct.session.WaitForMemory(ctx, subID)
			if err == nil {
				s.log.Probe(query, acct.username, subID, attempt, memory, "")
				return memory, nil
			}
		}

		s.log.Probe(query, acct.username, subID, attempt, 0, err.Error())
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !oj.Retryable(err) {
			return 0, err
		}
		lastErr = err
		slog.Warn("[CRAWL] probe attempt failed", "query", query, "account", acct.username,
			"attempt", attempt, "error", err)
	}
	return 0, fmt.Errorf("tasks: %s failed after %d attempts: %w", query, maxProbeAttempts, lastErr)
}

func (s *probeSubmitter) FoundTestcase(ctx context.Context, testcase []byte) error {
	added, err := s.store.AddTestCase(ctx, s.problem.DisplayID, testcase)
	if err != nil {
		return err
	}
	s.log.TestcaseFound(testcase)
	slog.Info("[CRAWL] test case discovered", "problem", s.problem.DisplayID,
		"bytes", len(testcase), "new", added)
	return nil
}

func (s *probeSubmitter) GetNextChar(ctx context.Context, prefix []byte, limit int) (int, error) {
	code, err := s.render("get_next_char", map[string]string{
		"prefix": quotePrefix(prefix),
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		return 0, err
	}
	return s.probe(ctx, "get_next_char", code)
}

func (s *probeSubmitter) GetPrefixLengthLength(ctx context.Context, prefix []byte) (int, error) {
	code, err := s.render("get_prefix_length_length", map[string]string{
		"prefix": quotePrefix(prefix),
	})
	if err != nil {
		return 0, err
	}
	return s.probe(ctx, "get_prefix_length_length", code)
}

func (s *probeSubmitter) GetPrefixLength(ctx context.Context, prefix []byte, lengthPrefix, position int) (int, error) {
	code, err := s.render("get_prefix_length", map[string]string{
		"prefix":        quotePrefix(prefix),
		"length_prefix": strconv.Itoa(lengthPrefix),
		"position":      strconv.Itoa(position),
	})
	if err != nil {
		return 0, err
	}
	return s.probe(ctx, "get_prefix_length", code)
}

func (s *probeSubmitter) GetNumber(ctx context.Context, number int) (int, error) {
	code, err := s.render("get_number", map[string]string{
		"number": strconv.Itoa(number),
	})
	if err != nil {
		return 0, err
	}
	return s.probe(ctx, "get_number", code)
}
