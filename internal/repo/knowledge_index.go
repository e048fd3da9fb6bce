package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-incident/internal/cache"
	"github.com/miradorstack/mirador-incident/internal/models"
)

const knowledgeClass = "KnowledgeDocument"

// KnowledgeIndexClient reads and appends runbooks and case records in a
// Weaviate-compatible index. With no endpoint configured it serves the bundled
// default runbooks so local development still produces grounded context.
type KnowledgeIndexClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	cache      cache.Provider
	searchTTL  time.Duration
}

// NewKnowledgeIndexClient constructs a knowledge index client.
func NewKnowledgeIndexClient(endpoint, apiKey string, timeout time.Duration, cacheProvider cache.Provider, searchTTL time.Duration) *KnowledgeIndexClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if searchTTL < 0 {
		searchTTL = 0
	}
	return &KnowledgeIndexClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		searchTTL:  searchTTL,
	}
}

// Search returns documents whose keywords overlap the query terms, optionally
// restricted by kind. Results come back unranked; callers order by relevance.
func (c *KnowledgeIndexClient) Search(ctx context.Context, terms []string, kinds []models.KnowledgeKind, limit int) ([]models.KnowledgeDocument, error) {
	if c == nil {
		return nil, fmt.Errorf("knowledge index client not initialised")
	}
	if limit <= 0 {
		limit = 5
	}

	if c.endpoint == "" {
		return filterBuiltinRunbooks(terms, kinds, limit), nil
	}

	cacheKey := ""
	if c.searchTTL > 0 {
		sorted := normaliseTerms(terms)
		cacheKey = cache.Key("knowledge", "search", joinKinds(kinds), fmt.Sprintf("%d", limit), strings.Join(sorted, "|"))
		if data, err := c.cache.Get(ctx, cacheKey); err == nil {
			var cached []models.KnowledgeDocument
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	gql := map[string]any{
		"query": fmt.Sprintf(`{
          Get {
            %s(
              limit: %d
              %s
            ) {
              docId
              kind
              title
              category
              keywords
              body
              sourceRef
              indexedAt
            }
          }
        }`, knowledgeClass, limit, buildKnowledgeWhere(terms, kinds)),
	}

	payload, err := json.Marshal(gql)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/graphql", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge search failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("knowledge search returned %s", resp.Status)
	}

	var response struct {
		Data struct {
			Get map[string][]struct {
				DocID     string   `json:"docId"`
				Kind      string   `json:"kind"`
				Title     string   `json:"title"`
				Category  string   `json:"category"`
				Keywords  []string `json:"keywords"`
				Body      []string `json:"body"`
				SourceRef string   `json:"sourceRef"`
				IndexedAt string   `json:"indexedAt"`
			} `json:"Get"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode knowledge search response: %w", err)
	}

	records := response.Data.Get[knowledgeClass]
	docs := make([]models.KnowledgeDocument, 0, len(records))
	for _, rec := range records {
		indexedAt, _ := time.Parse(time.RFC3339, rec.IndexedAt)
		docs = append(docs, models.KnowledgeDocument{
			ID:           rec.DocID,
			Kind:         models.KnowledgeKind(rec.Kind),
			Title:        rec.Title,
			Category:     models.Category(rec.Category),
			Keywords:     rec.Keywords,
			BodySections: rec.Body,
			SourceRef:    rec.SourceRef,
			IndexedAt:    indexedAt,
		})
	}

	if c.searchTTL > 0 && cacheKey != "" && len(docs) > 0 {
		if payload, err := json.Marshal(docs); err == nil {
			_ = c.cache.Set(ctx, cacheKey, payload, c.searchTTL)
		}
	}

	return docs, nil
}

// Upsert writes one document. With no endpoint configured the write is dropped.
func (c *KnowledgeIndexClient) Upsert(ctx context.Context, doc models.KnowledgeDocument) error {
	if c == nil {
		return fmt.Errorf("knowledge index client not initialised")
	}
	if c.endpoint == "" {
		return nil
	}

	payload := map[string]any{
		"class":      knowledgeClass,
		"properties": buildKnowledgeProperties(doc),
	}
	// Weaviate object ids must be UUIDs; keep human-readable ids in docId.
	if _, err := uuid.Parse(doc.ID); err == nil {
		payload["id"] = doc.ID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal knowledge document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/objects", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("knowledge upsert failed: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// Status reports reachability and document counts grouped by kind.
func (c *KnowledgeIndexClient) Status(ctx context.Context) (models.IndexStatus, error) {
	if c == nil {
		return models.IndexStatus{}, fmt.Errorf("knowledge index client not initialised")
	}
	if c.endpoint == "" {
		counts := map[models.KnowledgeKind]int{models.KnowledgeRunbook: len(builtinRunbooks())}
		return models.IndexStatus{Reachable: true, DocumentCounts: counts}, nil
	}

	gql := map[string]any{
		"query": fmt.Sprintf(`{
          Aggregate {
            %s(groupBy: ["kind"]) {
              groupedBy { value }
              meta { count }
            }
          }
        }`, knowledgeClass),
	}

	payload, err := json.Marshal(gql)
	if err != nil {
		return models.IndexStatus{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/graphql", bytes.NewReader(payload))
	if err != nil {
		return models.IndexStatus{}, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.IndexStatus{Reachable: false}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.IndexStatus{Reachable: false}, fmt.Errorf("knowledge status returned %s", resp.Status)
	}

	var response struct {
		Data struct {
			Aggregate map[string][]struct {
				GroupedBy struct {
					Value string `json:"value"`
				} `json:"groupedBy"`
				Meta struct {
					Count int `json:"count"`
				} `json:"meta"`
			} `json:"Aggregate"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return models.IndexStatus{Reachable: false}, fmt.Errorf("decode knowledge status: %w", err)
	}

	counts := make(map[models.KnowledgeKind]int)
	for _, group := range response.Data.Aggregate[knowledgeClass] {
		counts[models.KnowledgeKind(group.GroupedBy.Value)] = group.Meta.Count
	}
	return models.IndexStatus{Reachable: true, DocumentCounts: counts}, nil
}

// EnsureSchema creates the document class if the index does not know it yet.
func (c *KnowledgeIndexClient) EnsureSchema(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("knowledge index client not initialised")
	}
	if c.endpoint == "" {
		return nil
	}

	schema := map[string]any{
		"class":      knowledgeClass,
		"vectorizer": "none",
		"properties": []map[string]any{
			{"name": "docId", "dataType": []string{"text"}},
			{"name": "kind", "dataType": []string{"text"}},
			{"name": "title", "dataType": []string{"text"}},
			{"name": "category", "dataType": []string{"text"}},
			{"name": "keywords", "dataType": []string{"text[]"}},
			{"name": "body", "dataType": []string{"text[]"}},
			{"name": "sourceRef", "dataType": []string{"text"}},
			{"name": "indexedAt", "dataType": []string{"date"}},
		},
	}

	body, err := json.Marshal(schema)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/schema", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	if strings.Contains(strings.ToLower(string(data)), "already") {
		return nil
	}
	return fmt.Errorf("ensure schema failed: %s", strings.TrimSpace(string(data)))
}

// SeedDefaults indexes the bundled runbooks when the index holds no documents.
// It returns the number of documents written.
func (c *KnowledgeIndexClient) SeedDefaults(ctx context.Context) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("knowledge index client not initialised")
	}
	if c.endpoint == "" {
		return 0, nil
	}

	status, err := c.Status(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range status.DocumentCounts {
		total += n
	}
	if total > 0 {
		return 0, nil
	}

	written := 0
	for _, doc := range builtinRunbooks() {
		if err := c.Upsert(ctx, doc); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// TestConnection verifies the knowledge index is reachable.
func (c *KnowledgeIndexClient) TestConnection(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}

func (c *KnowledgeIndexClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func buildKnowledgeWhere(terms []string, kinds []models.KnowledgeKind) string {
	operands := make([]string, 0, 2)

	if cleaned := normaliseTerms(terms); len(cleaned) > 0 {
		quoted := make([]string, 0, len(cleaned))
		for _, t := range cleaned {
			quoted = append(quoted, fmt.Sprintf("%q", t))
		}
		operands = append(operands, fmt.Sprintf(`{path: ["keywords"], operator: ContainsAny, valueText: [%s]}`, strings.Join(quoted, ", ")))
	}

	switch len(kinds) {
	case 0:
	case 1:
		operands = append(operands, fmt.Sprintf(`{path: ["kind"], operator: Equal, valueText: %q}`, kinds[0]))
	default:
		kindOps := make([]string, 0, len(kinds))
		for _, k := range kinds {
			kindOps = append(kindOps, fmt.Sprintf(`{path: ["kind"], operator: Equal, valueText: %q}`, k))
		}
		operands = append(operands, fmt.Sprintf(`{operator: Or, operands: [%s]}`, strings.Join(kindOps, ", ")))
	}

	if len(operands) == 0 {
		return ""
	}
	return fmt.Sprintf("where: { operator: And, operands: [%s] }", strings.Join(operands, ", "))
}

func buildKnowledgeProperties(doc models.KnowledgeDocument) map[string]any {
	indexedAt := doc.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now().UTC()
	}
	return map[string]any{
		"docId":     doc.ID,
		"kind":      string(doc.Kind),
		"title":     doc.Title,
		"category":  string(doc.Category),
		"keywords":  doc.Keywords,
		"body":      doc.BodySections,
		"sourceRef": doc.SourceRef,
		"indexedAt": indexedAt.Format(time.RFC3339),
	}
}

func normaliseTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func joinKinds(kinds []models.KnowledgeKind) string {
	if len(kinds) == 0 {
		return "any"
	}
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, string(k))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func filterBuiltinRunbooks(terms []string, kinds []models.KnowledgeKind, limit int) []models.KnowledgeDocument {
	wantRunbooks := len(kinds) == 0
	for _, k := range kinds {
		if k == models.KnowledgeRunbook {
			wantRunbooks = true
		}
	}
	if !wantRunbooks {
		return nil
	}

	cleaned := normaliseTerms(terms)
	docs := make([]models.KnowledgeDocument, 0, limit)
	for _, doc := range builtinRunbooks() {
		if len(cleaned) == 0 || keywordOverlap(doc.Keywords, cleaned) > 0 {
			docs = append(docs, doc)
		}
		if len(docs) >= limit {
			break
		}
	}
	return docs
}

func keywordOverlap(keywords, terms []string) int {
	set := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		set[strings.ToLower(k)] = struct{}{}
	}
	n := 0
	for _, t := range terms {
		if _, ok := set[t]; ok {
			n++
		}
	}
	return n
}

func builtinRunbooks() []models.KnowledgeDocument {
	indexed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return []models.KnowledgeDocument{
		{
			ID:       "runbook-cpu-high",
			Kind:     models.KnowledgeRunbook,
			Title:    "High CPU utilization",
			Category: models.CategoryPerformance,
			Keywords: []string{"cpu", "cpuutilization", "performance", "compute", "saturation"},
			BodySections: []string{
				"Identify the top CPU consumers on the affected host.",
				"Check for deployments or config changes in the last hour.",
				"Scale out the service or move noisy neighbours before throttling.",
			},
			SourceRef: "builtin",
			IndexedAt: indexed,
		},
		{
			ID:       "runbook-disk-space",
			Kind:     models.KnowledgeRunbook,
			Title:    "Disk space exhaustion",
			Category: models.CategoryResourceExhaustion,
			Keywords: []string{"disk", "diskspaceutilization", "storage", "space", "volume"},
			BodySections: []string{
				"Find the largest recent growth under /var and application data dirs.",
				"Rotate or truncate runaway logs; verify retention jobs ran.",
				"Extend the volume only after growth is understood.",
			},
			SourceRef: "builtin",
			IndexedAt: indexed,
		},
		{
			ID:       "runbook-oom-kills",
			Kind:     models.KnowledgeRunbook,
			Title:    "Out of memory kills",
			Category: models.CategoryResourceExhaustion,
			Keywords: []string{"memory", "memoryutilization", "oom", "oomkilled", "outofmemory"},
			BodySections: []string{
				"Confirm which process the kernel killed and its memory ceiling.",
				"Compare container limits against recent working-set growth.",
				"Raise limits or fix the leak; restart the workload cleanly.",
			},
			SourceRef: "builtin",
			IndexedAt: indexed,
		},
		{
			ID:       "runbook-status-check",
			Kind:     models.KnowledgeRunbook,
			Title:    "Instance status check failures",
			Category: models.CategoryAvailability,
			Keywords: []string{"statuscheckfailed", "unreachable", "availability", "health", "down"},
			BodySections: []string{
				"Determine whether the failure is system-level or instance-level.",
				"Check the instance console and network reachability.",
				"Stop/start the instance to migrate hosts if system-level.",
			},
			SourceRef: "builtin",
			IndexedAt: indexed,
		},
	}
}
