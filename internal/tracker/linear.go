package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/ticketd/internal/config"
)

const defaultLinearEndpoint = "https://api.linear.app/graphql"

// maxErrorBody bounds how much of a failed response ends up in an error.
const maxErrorBody = 512

// candidateLimit is the page size of the candidate query. Pages are
// followed until exhausted, up to maxCandidatePages.
const (
	candidateLimit    = 50
	maxCandidatePages = 20
)

const issueFields = `
fragment IssueFields on Issue {
  id
  identifier
  number
  title
  description
  url
  state { name type }
  assignee { id }
  children { nodes { id identifier state { name type } } }
  inverseRelations { nodes { type issue { id identifier state { name type } } } }
}`

const candidatesQuery = `
query Candidates($teamId: ID!, $assigneeId: ID!, $state: String!, $first: Int!, $after: String) {
  issues(first: $first, after: $after, orderBy: createdAt, filter: {
    team: { id: { eq: $teamId } }
    assignee: { id: { eq: $assigneeId } }
    state: { name: { eq: $state } }
  }) {
    nodes { ...IssueFields }
    pageInfo { hasNextPage endCursor }
  }
}` + issueFields

const issueQuery = `
query Issue($id: String!) {
  issue(id: $id) { ...IssueFields }
}` + issueFields

const teamStatesQuery = `
query TeamStates($teamId: String!) {
  team(id: $teamId) { states { nodes { id name type } } }
}`

const issueUpdateMutation = `
mutation SetState($id: String!, $stateId: String!) {
  issueUpdate(id: $id, input: { stateId: $stateId }) { success }
}`

const commentCreateMutation = `
mutation Comment($issueId: String!, $body: String!) {
  commentCreate(input: { issueId: $issueId, body: $body }) { success }
}`

// LinearClient talks to the Linear GraphQL API.
type LinearClient struct {
	endpoint   string
	apiKey     string
	teamID     string
	agentID    string
	names      config.StateNames
	httpClient *http.Client

	mu       sync.Mutex
	stateIDs map[string]string // workflow state name -> id, per team
}

// Option configures a LinearClient.
type Option func(*LinearClient)

// WithEndpoint overrides the GraphQL endpoint.
func WithEndpoint(url string) Option {
	return func(c *LinearClient) {
		if url != "" {
			c.endpoint = url
		}
	}
}

// WithHTTPClient replaces the HTTP client (and its timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *LinearClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewLinearClient builds a client from the tracker section of the config.
// pickup_status, when set, names the state treated as Todo.
func NewLinearClient(cfg config.TrackerConfig, opts ...Option) *LinearClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	names := cfg.States
	if cfg.PickupStatus != "" {
		names.Todo = cfg.PickupStatus
	}
	c := &LinearClient{
		endpoint:   defaultLinearEndpoint,
		apiKey:     cfg.APIKey,
		teamID:     cfg.TeamID,
		agentID:    cfg.AgentUserID,
		names:      names,
		httpClient: &http.Client{Timeout: timeout},
	}
	WithEndpoint(cfg.Endpoint)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Client = (*LinearClient)(nil)

// FetchActionableTickets implements Client. Every page of the candidate
// query is read so the lowest sequence is never hidden behind a page break.
func (c *LinearClient) FetchActionableTickets(ctx context.Context) ([]Ticket, error) {
	vars := map[string]any{
		"teamId":     c.teamID,
		"assigneeId": c.agentID,
		"state":      c.names.Todo,
		"first":      candidateLimit,
		"after":      nil,
	}

	var tickets []Ticket
	for page := 1; ; page++ {
		var data struct {
			Issues struct {
				Nodes    []linearIssue `json:"nodes"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"issues"`
		}
		if err := c.do(ctx, candidatesQuery, vars, &data); err != nil {
			return nil, fmt.Errorf("fetch candidate tickets: %w", err)
		}
		for _, n := range data.Issues.Nodes {
			tickets = append(tickets, c.toTicket(n))
		}

		next := data.Issues.PageInfo
		if !next.HasNextPage || next.EndCursor == "" {
			break
		}
		if page == maxCandidatePages {
			return nil, fmt.Errorf("fetch candidate tickets: more than %d pages of candidates", maxCandidatePages)
		}
		vars["after"] = next.EndCursor
	}
	if tickets == nil {
		tickets = []Ticket{}
	}
	return tickets, nil
}

// FetchTicket implements Client.
func (c *LinearClient) FetchTicket(ctx context.Context, id string) (*Ticket, error) {
	var data struct {
		Issue *linearIssue `json:"issue"`
	}
	err := c.do(ctx, issueQuery, map[string]any{"id": id}, &data)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch ticket %s: %w", id, err)
	}
	if data.Issue == nil {
		return nil, nil
	}
	t := c.toTicket(*data.Issue)
	return &t, nil
}

// SetStatus implements Client.
func (c *LinearClient) SetStatus(ctx context.Context, id string, status Status) error {
	stateID, err := c.stateID(ctx, status)
	if err != nil {
		return err
	}

	var data struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	if err := c.do(ctx, issueUpdateMutation, map[string]any{"id": id, "stateId": stateID}, &data); err != nil {
		return fmt.Errorf("set status of %s to %s: %w", id, status, err)
	}
	if !data.IssueUpdate.Success {
		return fmt.Errorf("set status of %s to %s: issueUpdate reported failure", id, status)
	}
	return nil
}

// AddComment implements Client.
func (c *LinearClient) AddComment(ctx context.Context, id string, body string) error {
	var data struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	if err := c.do(ctx, commentCreateMutation, map[string]any{"issueId": id, "body": body}, &data); err != nil {
		return fmt.Errorf("comment on %s: %w", id, err)
	}
	if !data.CommentCreate.Success {
		return fmt.Errorf("comment on %s: commentCreate reported failure", id)
	}
	return nil
}

// stateID resolves a status to the team's workflow state id. The team's
// states are fetched once and cached.
func (c *LinearClient) stateID(ctx context.Context, status Status) (string, error) {
	name := c.stateName(status)
	if name == "" {
		return "", fmt.Errorf("%w %q", ErrUnknownState, status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stateIDs == nil {
		var data struct {
			Team *struct {
				States struct {
					Nodes []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"nodes"`
				} `json:"states"`
			} `json:"team"`
		}
		if err := c.do(ctx, teamStatesQuery, map[string]any{"teamId": c.teamID}, &data); err != nil {
			return "", fmt.Errorf("load workflow states for team %s: %w", c.teamID, err)
		}
		if data.Team == nil {
			return "", fmt.Errorf("load workflow states: team %s %w", c.teamID, ErrNotFound)
		}
		ids := make(map[string]string, len(data.Team.States.Nodes))
		for _, s := range data.Team.States.Nodes {
			ids[strings.ToLower(s.Name)] = s.ID
		}
		c.stateIDs = ids
	}

	id, ok := c.stateIDs[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("%w %q (state name %q)", ErrUnknownState, status, name)
	}
	return id, nil
}

func (c *LinearClient) stateName(status Status) string {
	switch status {
	case StatusBacklog:
		return c.names.Backlog
	case StatusTodo:
		return c.names.Todo
	case StatusInProgress:
		return c.names.InProgress
	case StatusInReview:
		return c.names.InReview
	case StatusDone:
		return c.names.Done
	case StatusCanceled:
		return c.names.Canceled
	default:
		return ""
	}
}

// statusOf maps a Linear workflow state to a Status: configured names
// first, then the state type.
func (c *LinearClient) statusOf(s linearState) Status {
	for _, st := range Statuses {
		if name := c.stateName(st); name != "" && strings.EqualFold(name, s.Name) {
			return st
		}
	}
	switch s.Type {
	case "backlog", "triage":
		return StatusBacklog
	case "unstarted":
		return StatusTodo
	case "started":
		return StatusInProgress
	case "completed":
		return StatusDone
	case "canceled":
		return StatusCanceled
	default:
		return StatusUnknown
	}
}

func (c *LinearClient) toTicket(n linearIssue) Ticket {
	t := Ticket{
		ID:          n.ID,
		HumanID:     n.Identifier,
		Number:      int(n.Number),
		Title:       n.Title,
		Description: n.Description,
		URL:         n.URL,
		Status:      c.statusOf(n.State),
	}
	if n.Assignee != nil {
		t.AssigneeID = n.Assignee.ID
	}
	for _, child := range n.Children.Nodes {
		if child.State.resolved() {
			continue
		}
		t.UnresolvedChildren = append(t.UnresolvedChildren, Ref{
			ID: child.ID, HumanID: child.Identifier, Status: c.statusOf(child.State),
		})
	}
	for _, rel := range n.InverseRelations.Nodes {
		if rel.Type != "blocks" || rel.Issue.State.resolved() {
			continue
		}
		t.UnresolvedBlockers = append(t.UnresolvedBlockers, Ref{
			ID: rel.Issue.ID, HumanID: rel.Issue.Identifier, Status: c.statusOf(rel.Issue.State),
		})
	}
	return t
}

// --- wire types ---

type linearState struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// resolved reports whether a related issue no longer holds anything up.
func (s linearState) resolved() bool {
	return s.Type == "completed" || s.Type == "canceled"
}

type linearRelated struct {
	ID         string      `json:"id"`
	Identifier string      `json:"identifier"`
	State      linearState `json:"state"`
}

type linearIssue struct {
	ID          string      `json:"id"`
	Identifier  string      `json:"identifier"`
	Number      float64     `json:"number"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	URL         string      `json:"url"`
	State       linearState `json:"state"`
	Assignee    *struct {
		ID string `json:"id"`
	} `json:"assignee"`
	Children struct {
		Nodes []linearRelated `json:"nodes"`
	} `json:"children"`
	InverseRelations struct {
		Nodes []struct {
			Type  string        `json:"type"`
			Issue linearRelated `json:"issue"`
		} `json:"nodes"`
	} `json:"inverseRelations"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// GraphQLError carries the errors[] of a GraphQL response.
type GraphQLError struct {
	Errors []graphQLError
}

func (e *GraphQLError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ge := range e.Errors {
		msgs = append(msgs, ge.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrNotFound) match Linear's entity-not-found errors.
func (e *GraphQLError) Is(target error) bool {
	if target != ErrNotFound {
		return false
	}
	for _, ge := range e.Errors {
		if strings.EqualFold(ge.Extensions.Code, "ENTITY_NOT_FOUND") ||
			strings.Contains(strings.ToLower(ge.Message), "not found") {
			return true
		}
	}
	return false
}

// do posts one GraphQL operation and decodes data into out.
func (c *LinearClient) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("linear request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	decodeErr := json.Unmarshal(raw, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && len(envelope.Errors) > 0 {
			return fmt.Errorf("linear returned %d: %w", resp.StatusCode, &GraphQLError{Errors: envelope.Errors})
		}
		return fmt.Errorf("linear returned %d: %s", resp.StatusCode, truncate(raw, maxErrorBody))
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if len(envelope.Errors) > 0 {
		return &GraphQLError{Errors: envelope.Errors}
	}
	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
