package atlassian

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kbai/kbai-go/internal/syncer"
)

// jiraPageSize is the page size for JQL search pagination.
const jiraPageSize = 100

// JiraClient fetches issues from Jira Cloud and exposes them as sync
// documents keyed "jira-<issue key>".
type JiraClient struct {
	c *client
	// projects limits fetches to these project keys; empty means all
	// accessible projects.
	projects []string
}

// NewJiraClient constructs a JiraClient. Projects is a comma-separated list
// of project keys to sync; empty syncs everything the account can see.
func NewJiraClient(cfg *Config, projects string) (*JiraClient, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &JiraClient{c: c, projects: splitCSV(projects)}, nil
}

// Name implements syncer.Source.
func (j *JiraClient) Name() string { return "jira" }

// jiraSearchResponse is the JQL search result page.
type jiraSearchResponse struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
	Issues     []jiraIssue `json:"issues"`
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Updated     string `json:"updated"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		Reporter struct {
			DisplayName string `json:"displayName"`
		} `json:"reporter"`
		Assignee struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
		Comment struct {
			Comments []jiraComment `json:"comments"`
		} `json:"comment"`
	} `json:"fields"`
}

type jiraComment struct {
	Author struct {
		DisplayName string `json:"displayName"`
	} `json:"author"`
	Body    string `json:"body"`
	Created string `json:"created"`
}

// buildJQL assembles the incremental-fetch JQL clause.
func (j *JiraClient) buildJQL(since time.Time) string {
	var parts []string
	if len(j.projects) > 0 {
		quoted := make([]string, len(j.projects))
		for i, p := range j.projects {
			quoted[i] = `"` + p + `"`
		}
		parts = append(parts, "project in ("+strings.Join(quoted, ", ")+")")
	}
	if !since.IsZero() {
		parts = append(parts, `updated >= "`+jqlTime(since)+`"`)
	}
	jql := strings.Join(parts, " AND ")
	if jql != "" {
		jql += " "
	}
	return jql + "ORDER BY updated DESC"
}

// FetchChangedSince implements syncer.Source using paginated JQL search.
func (j *JiraClient) FetchChangedSince(ctx context.Context, since time.Time) ([]syncer.RawDocument, error) {
	var docs []syncer.RawDocument
	startAt := 0
	for {
		params := url.Values{
			"jql":        {j.buildJQL(since)},
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(jiraPageSize)},
			"fields":     {"summary,description,status,assignee,reporter,updated,comment"},
		}
		var page jiraSearchResponse
		if err := j.c.getJSON(ctx, "/rest/api/2/search", params, &page); err != nil {
			return nil, fmt.Errorf("jira: search issues: %w", err)
		}
		for _, issue := range page.Issues {
			docs = append(docs, j.issueToDocument(issue))
		}
		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			break
		}
	}
	return docs, nil
}

// FetchAllCurrentIDs implements syncer.Source by enumerating issue keys only.
func (j *JiraClient) FetchAllCurrentIDs(ctx context.Context) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	startAt := 0
	for {
		params := url.Values{
			"jql":        {j.buildJQL(time.Time{})},
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(jiraPageSize)},
			"fields":     {"key"},
		}
		var page jiraSearchResponse
		if err := j.c.getJSON(ctx, "/rest/api/2/search", params, &page); err != nil {
			return nil, fmt.Errorf("jira: enumerate issues: %w", err)
		}
		for _, issue := range page.Issues {
			keys["jira-"+issue.Key] = struct{}{}
		}
		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			break
		}
	}
	return keys, nil
}

// issueToDocument assembles an issue into a sync document: summary heading,
// description, then comments with authors and timestamps.
func (j *JiraClient) issueToDocument(issue jiraIssue) syncer.RawDocument {
	f := issue.Fields

	var b strings.Builder
	if f.Summary != "" {
		b.WriteString("# " + f.Summary + "\n\n")
	}
	if f.Description != "" {
		b.WriteString("## Description\n" + f.Description + "\n\n")
	}
	if len(f.Comment.Comments) > 0 {
		b.WriteString("## Comments\n")
		for _, c := range f.Comment.Comments {
			author := c.Author.DisplayName
			if author == "" {
				author = "Unknown"
			}
			b.WriteString(fmt.Sprintf("**%s** (%s):\n%s\n\n", author, c.Created, c.Body))
		}
	}

	updated, _ := time.Parse("2006-01-02T15:04:05.000-0700", f.Updated)

	projectKey := ""
	if i := strings.Index(issue.Key, "-"); i > 0 {
		projectKey = issue.Key[:i]
	}

	return syncer.RawDocument{
		Key:       "jira-" + issue.Key,
		Source:    "jira",
		Title:     "[" + issue.Key + "] " + f.Summary,
		URL:       j.c.baseURL + "/browse/" + issue.Key,
		Content:   strings.TrimSpace(b.String()),
		Author:    f.Reporter.DisplayName,
		UpdatedAt: updated,
		Metadata: map[string]string{
			"issue_key":   issue.Key,
			"project_key": projectKey,
			"status":      f.Status.Name,
			"assignee":    f.Assignee.DisplayName,
		},
	}
}
