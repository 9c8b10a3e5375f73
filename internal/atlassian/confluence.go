package atlassian

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kbai/kbai-go/internal/syncer"
)

// confluencePageSize is the page size for CQL search pagination.
const confluencePageSize = 100

// ConfluenceClient fetches pages from Confluence Cloud and exposes them as
// sync documents keyed "confluence-<page id>".
type ConfluenceClient struct {
	c *client
	// spaces limits fetches to these space keys; empty means all accessible
	// spaces.
	spaces []string
}

// NewConfluenceClient constructs a ConfluenceClient. Spaces is a
// comma-separated list of space keys to sync; empty syncs everything.
func NewConfluenceClient(cfg *Config, spaces string) (*ConfluenceClient, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &ConfluenceClient{c: c, spaces: splitCSV(spaces)}, nil
}

// Name implements syncer.Source.
func (cc *ConfluenceClient) Name() string { return "confluence" }

// confluenceSearchResponse is one CQL search result page.
type confluenceSearchResponse struct {
	Results   []confluencePage `json:"results"`
	Start     int              `json:"start"`
	Limit     int              `json:"limit"`
	TotalSize int              `json:"totalSize"`
	Size      int              `json:"size"`
}

type confluencePage struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Space struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"space"`
	Version struct {
		Number int    `json:"number"`
		When   string `json:"when"`
		By     struct {
			DisplayName string `json:"displayName"`
		} `json:"by"`
	} `json:"version"`
}

// buildCQL assembles the incremental-fetch CQL clause.
func (cc *ConfluenceClient) buildCQL(since time.Time) string {
	parts := []string{"type = page"}
	if len(cc.spaces) > 0 {
		quoted := make([]string, len(cc.spaces))
		for i, s := range cc.spaces {
			quoted[i] = `"` + s + `"`
		}
		parts = append(parts, "space in ("+strings.Join(quoted, ", ")+")")
	}
	if !since.IsZero() {
		parts = append(parts, `lastModified >= "`+jqlTime(since)+`"`)
	}
	return strings.Join(parts, " AND ") + " ORDER BY lastModified DESC"
}

// search runs one paginated CQL search, returning all result pages.
func (cc *ConfluenceClient) search(ctx context.Context, cql, expand string) ([]confluencePage, error) {
	var pages []confluencePage
	start := 0
	for {
		params := url.Values{
			"cql":   {cql},
			"start": {strconv.Itoa(start)},
			"limit": {strconv.Itoa(confluencePageSize)},
		}
		if expand != "" {
			params.Set("expand", expand)
		}
		var page confluenceSearchResponse
		if err := cc.c.getJSON(ctx, "/wiki/rest/api/content/search", params, &page); err != nil {
			return nil, fmt.Errorf("confluence: search pages: %w", err)
		}
		pages = append(pages, page.Results...)
		start += len(page.Results)
		if len(page.Results) == 0 || (page.TotalSize > 0 && start >= page.TotalSize) {
			break
		}
	}
	return pages, nil
}

// FetchChangedSince implements syncer.Source using paginated CQL search.
func (cc *ConfluenceClient) FetchChangedSince(ctx context.Context, since time.Time) ([]syncer.RawDocument, error) {
	pages, err := cc.search(ctx, cc.buildCQL(since), "version,body.storage,space")
	if err != nil {
		return nil, err
	}
	docs := make([]syncer.RawDocument, 0, len(pages))
	for _, p := range pages {
		docs = append(docs, cc.pageToDocument(p))
	}
	return docs, nil
}

// FetchAllCurrentIDs implements syncer.Source by enumerating page ids only.
func (cc *ConfluenceClient) FetchAllCurrentIDs(ctx context.Context) (map[string]struct{}, error) {
	pages, err := cc.search(ctx, cc.buildCQL(time.Time{}), "")
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(pages))
	for _, p := range pages {
		keys["confluence-"+p.ID] = struct{}{}
	}
	return keys, nil
}

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// htmlToText strips Confluence storage-format markup down to plain text.
func htmlToText(html string) string {
	if html == "" {
		return ""
	}
	text := htmlTagRe.ReplaceAllString(html, " ")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// pageToDocument assembles a page into a sync document: title heading plus
// the storage body stripped to text.
func (cc *ConfluenceClient) pageToDocument(p confluencePage) syncer.RawDocument {
	content := "# " + p.Title + "\n\n" + htmlToText(p.Body.Storage.Value)

	updated, _ := time.Parse(time.RFC3339, p.Version.When)

	pageURL := ""
	if p.Space.Key != "" {
		pageURL = cc.c.baseURL + "/wiki/spaces/" + p.Space.Key + "/pages/" + p.ID
	}

	return syncer.RawDocument{
		Key:       "confluence-" + p.ID,
		Source:    "confluence",
		Title:     p.Title,
		URL:       pageURL,
		Content:   strings.TrimSpace(content),
		Author:    p.Version.By.DisplayName,
		UpdatedAt: updated,
		Metadata: map[string]string{
			"page_id":    p.ID,
			"space_key":  p.Space.Key,
			"space_name": p.Space.Name,
			"version":    strconv.Itoa(p.Version.Number),
		},
	}
}
