// Package workspace provides the Google Workspace API clients that consume the
// session's bearer token.
package workspace

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	calendar "google.golang.org/api/calendar/v3"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	tasks "google.golang.org/api/tasks/v1"
)

// Service bundles the Gmail, Calendar and Tasks clients.
type Service struct {
	Gmail    *gmail.Service
	Calendar *calendar.Service
	Tasks    *tasks.Service
}

// NewService returns clients authenticated by ts. Every request asks ts for
// a token, so expiring tokens are refreshed transparently.
func NewService(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*Service, error) {
	client := oauth2.NewClient(ctx, ts)
	clientOpts := append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)

	gmailSrv, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	calendarSrv, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	tasksSrv, err := tasks.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Tasks service: %w", err)
	}

	return &Service{Gmail: gmailSrv, Calendar: calendarSrv, Tasks: tasksSrv}, nil
}

// CheckResult is the outcome of one API connectivity check.
type CheckResult struct {
	API    string
	Detail string
	Err    error
}

// OK reports whether the check succeeded.
func (r CheckResult) OK() bool {
	return r.Err == nil
}

// Check calls one cheap read endpoint per API, concurrently, and reports
// each outcome. It never fails as a whole.
func (s *Service) Check(ctx context.Context) []CheckResult {
	results := []CheckResult{{API: "gmail"}, {API: "calendar"}, {API: "tasks"}}

	var g errgroup.Group
	g.Go(func() error {
		profile, err := s.Gmail.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			results[0].Err = fmt.Errorf("failed to connect to Gmail API: %w", err)
			return nil
		}
		results[0].Detail = fmt.Sprintf("%s, %d messages", profile.EmailAddress, profile.MessagesTotal)
		return nil
	})
	g.Go(func() error {
		list, err := s.Calendar.CalendarList.List().MaxResults(10).Context(ctx).Do()
		if err != nil {
			results[1].Err = fmt.Errorf("failed to connect to Calendar API: %w", err)
			return nil
		}
		results[1].Detail = fmt.Sprintf("%d calendars visible", len(list.Items))
		return nil
	})
	g.Go(func() error {
		lists, err := s.Tasks.Tasklists.List().MaxResults(10).Context(ctx).Do()
		if err != nil {
			results[2].Err = fmt.Errorf("failed to connect to Tasks API: %w", err)
			return nil
		}
		results[2].Detail = fmt.Sprintf("%d task lists", len(lists.Items))
		return nil
	})
	_ = g.Wait()

	return results
}
