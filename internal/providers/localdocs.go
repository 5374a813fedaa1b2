package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	// document sets live in Postgres in shared deployments and in a
	// SQLite file for single-node ones; both run through sqlx.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/metrics"
)

const (
	localDocsLimit       = 20
	localDocsSnippetSize = 240
)

// LocalDocsProvider searches named document sets ingested into a SQL
// table by an external loader. Expected schema:
//
//	documents(document_set TEXT, url TEXT, title TEXT, content TEXT)
type LocalDocsProvider struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewLocalDocsProvider opens the configured driver/DSN. The connection
// is verified lazily; use Ping for readiness checks.
func NewLocalDocsProvider(driver, dsn string, logger *zap.Logger) (*LocalDocsProvider, error) {
	if driver == "" || dsn == "" {
		return nil, fmt.Errorf("localdocs: driver and dsn are required")
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("localdocs: open %s: %w", driver, err)
	}
	return &LocalDocsProvider{db: db, logger: logger}, nil
}

// NewLocalDocsProviderFromDB wraps an existing handle; used by tests.
func NewLocalDocsProviderFromDB(db *sqlx.DB, logger *zap.Logger) *LocalDocsProvider {
	return &LocalDocsProvider{db: db, logger: logger}
}

func (l *LocalDocsProvider) Name() string { return "localdocs" }

// Ping verifies the underlying connection.
func (l *LocalDocsProvider) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close releases the connection pool.
func (l *LocalDocsProvider) Close() error {
	return l.db.Close()
}

type docRow struct {
	URL     string `db:"url"`
	Title   string `db:"title"`
	Content string `db:"content"`
}

// SearchSet matches the whole query phrase first, falling back to
// individual tokens when the phrase finds nothing.
func (l *LocalDocsProvider) SearchSet(ctx context.Context, setRef, query string) ([]SearchResult, error) {
	setRef = strings.TrimSpace(setRef)
	query = strings.TrimSpace(query)
	if setRef == "" {
		return nil, fmt.Errorf("localdocs: document set ref is required")
	}
	if query == "" {
		return nil, fmt.Errorf("localdocs: query is required")
	}

	start := time.Now()
	rows, err := l.phraseQuery(ctx, setRef, query)
	if err == nil && len(rows) == 0 {
		if tokens := searchTokens(query); len(tokens) > 1 {
			rows, err = l.tokenQuery(ctx, setRef, tokens)
		}
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordProviderMetrics(l.Name(), "search", status, time.Since(start).Seconds())
	if err != nil {
		return nil, &ProviderError{Provider: l.Name(), Retryable: false, Err: err}
	}

	out := make([]SearchResult, 0, len(rows))
	for i, r := range rows {
		title := r.Title
		if title == "" {
			title = r.URL
		}
		out = append(out, SearchResult{
			URL:     r.URL,
			Title:   title,
			Snippet: snippetAround(r.Content, query, localDocsSnippetSize),
			Score:   1.0 - float64(i)*0.03,
		})
	}
	return out, nil
}

func (l *LocalDocsProvider) phraseQuery(ctx context.Context, setRef, query string) ([]docRow, error) {
	q := l.db.Rebind(`SELECT url, title, content FROM documents
		WHERE document_set = ? AND lower(content) LIKE lower(?)
		ORDER BY url LIMIT ` + fmt.Sprint(localDocsLimit))
	var rows []docRow
	if err := l.db.SelectContext(ctx, &rows, q, setRef, "%"+query+"%"); err != nil {
		return nil, fmt.Errorf("phrase query: %w", err)
	}
	return rows, nil
}

func (l *LocalDocsProvider) tokenQuery(ctx context.Context, setRef string, tokens []string) ([]docRow, error) {
	conds := make([]string, 0, len(tokens))
	args := []interface{}{setRef}
	for _, tok := range tokens {
		conds = append(conds, "lower(content) LIKE lower(?)")
		args = append(args, "%"+tok+"%")
	}
	q := l.db.Rebind(`SELECT url, title, content FROM documents
		WHERE document_set = ? AND (` + strings.Join(conds, " OR ") + `)
		ORDER BY url LIMIT ` + fmt.Sprint(localDocsLimit))
	var rows []docRow
	if err := l.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("token query: %w", err)
	}
	return rows, nil
}

// searchTokens returns the longest words of the query, most selective
// first, capped at four.
func searchTokens(query string) []string {
	fields := strings.Fields(query)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()`)
		if len(f) >= 4 {
			tokens = append(tokens, f)
		}
	}
	for i := 0; i < len(tokens); i++ {
		for j := i + 1; j < len(tokens); j++ {
			if len(tokens[j]) > len(tokens[i]) {
				tokens[i], tokens[j] = tokens[j], tokens[i]
			}
		}
	}
	if len(tokens) > 4 {
		tokens = tokens[:4]
	}
	return tokens
}

// snippetAround extracts a window of the content centered on the first
// match of the query (or its first token), falling back to the head.
func snippetAround(content, query string, size int) string {
	runes := []rune(content)
	if len(runes) <= size {
		return strings.TrimSpace(content)
	}

	lower := strings.ToLower(content)
	needle := strings.ToLower(query)
	idx := strings.Index(lower, needle)
	if idx < 0 {
		if tokens := searchTokens(query); len(tokens) > 0 {
			idx = strings.Index(lower, strings.ToLower(tokens[0]))
		}
	}
	if idx < 0 {
		return strings.TrimSpace(string(runes[:size]))
	}

	// byte offset -> rune offset
	runeIdx := len([]rune(content[:idx]))
	start := runeIdx - size/4
	if start < 0 {
		start = 0
	}
	end := start + size
	if end > len(runes) {
		end = len(runes)
	}
	return strings.TrimSpace(string(runes[start:end]))
}
