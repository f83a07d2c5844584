package retrieval

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/ragent/internal/observability"
	"github.com/harun/ragent/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

const (
	tracerName = "ragent.retrieval"

	originCorpus = "corpus"
	originAPI    = "api"

	// candidates fetched from each search method before merging
	candidateLimit = 200
)

// Document is a unit of text added to the index.
type Document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Stats describes the current index contents.
type Stats struct {
	Documents             int        `json:"documents"`
	Chunks                int        `json:"chunks"`
	Dirty                 bool       `json:"dirty"`
	Syncing               bool       `json:"syncing"`
	VectorSearch          bool       `json:"vector_search"`
	EmbeddingCacheHitRate *float64   `json:"embedding_cache_hit_rate,omitempty"`
	LastSyncTime          *time.Time `json:"last_sync_time,omitempty"`
}

// Config holds index configuration
type Config struct {
	DBPath    string
	CorpusDir string // optional directory of .md/.txt files kept in sync
	Watch     bool   // watch CorpusDir and re-sync once changes settle
	Logger    zerolog.Logger

	// Embedder enables vector search. Nil means keyword search only.
	Embedder EmbeddingProvider

	VectorWeight  float64
	KeywordWeight float64
}

// Index is a Retriever over SQLite FTS5 keyword search and sqlite-vec cosine search.
type Index struct {
	db            *sql.DB
	corpusDir     string
	logger        zerolog.Logger
	embedder      EmbeddingProvider
	vectorWeight  float64
	keywordWeight float64
	watcher       *FileWatcher

	mu          sync.RWMutex
	dirty       bool
	changed     bool
	syncing     bool
	lastSync    *time.Time
	cacheHits   int
	cacheMisses int
}

var _ Retriever = (*Index)(nil)

// NewIndex opens (or creates) the index database.
func NewIndex(cfg Config) (*Index, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.VectorWeight == 0 && cfg.KeywordWeight == 0 {
		cfg.VectorWeight = 0.7
		cfg.KeywordWeight = 0.3
	}
	if cfg.VectorWeight < 0 || cfg.KeywordWeight < 0 {
		return nil, errors.New("search weights cannot be negative")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	idx := &Index{
		db:            db,
		corpusDir:     cfg.CorpusDir,
		logger:        cfg.Logger,
		embedder:      cfg.Embedder,
		vectorWeight:  cfg.VectorWeight,
		keywordWeight: cfg.KeywordWeight,
		dirty:         cfg.CorpusDir != "",
	}

	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.CorpusDir != "" && cfg.Watch {
		watcher, err := NewFileWatcher(cfg.Logger, 0, idx.resync)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		if err := watcher.Watch(cfg.CorpusDir); err != nil {
			watcher.Stop()
			db.Close()
			return nil, fmt.Errorf("failed to watch corpus: %w", err)
		}
		idx.watcher = watcher
	}

	idx.logger.Debug().Str("db", cfg.DBPath).Bool("vector", cfg.Embedder != nil).Msg("Document index initialized")
	return idx, nil
}

func (idx *Index) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL UNIQUE,
			origin TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_origin ON documents(origin);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			doc_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);

		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := idx.db.Exec(schema); err != nil {
		return err
	}

	if idx.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, idx.embedder.Dimension())
		if _, err := idx.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// Search implements Retriever.
func (idx *Index) Search(ctx context.Context, query string, k int, minScore float64) ([]Passage, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"retrieval.search",
		attribute.Int("k", k),
		attribute.Float64("min_score", minScore),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, idx.logger)

	if strings.TrimSpace(query) == "" || k <= 0 {
		return []Passage{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		vectorResults  []vectorSearchResult
		keywordResults []keywordSearchResult
		vectorErr      error
		keywordErr     error
		wg             sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if idx.embedder != nil {
			vectorResults, vectorErr = idx.vectorSearch(ctx, query, candidateLimit)
		}
	}()
	go func() {
		defer wg.Done()
		keywordResults, keywordErr = idx.keywordSearch(ctx, query, candidateLimit)
	}()
	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if keywordErr != nil && (idx.embedder == nil || vectorErr != nil) {
		err := errors.Join(vectorErr, keywordErr)
		tracing.Fail(span, err)
		return nil, fmt.Errorf("search failed: %w", err)
	}

	ranked := Rank(idx.mergeResults(vectorResults, keywordResults), k, minScore)

	passages := make([]Passage, 0, len(ranked))
	for _, p := range ranked {
		err := idx.db.QueryRowContext(ctx, `
			SELECT c.content, d.source
			FROM chunks c
			JOIN documents d ON c.doc_id = d.id
			WHERE c.id = ?
		`, p.ID).Scan(&p.Text, &p.SourceID)
		if err != nil {
			logger.Warn().Err(err).Str("chunk_id", p.ID).Msg("Failed to fetch chunk details")
			continue
		}
		passages = append(passages, p)
	}

	span.SetAttributes(attribute.Int("results", len(passages)))
	logger.Debug().Int("results", len(passages)).Msg("Search completed")

	return passages, nil
}

type vectorSearchResult struct {
	chunkID    string
	similarity float64 // cosine similarity (-1 to 1)
}

type keywordSearchResult struct {
	chunkID   string
	bm25Score float64
}

func (idx *Index) vectorSearch(ctx context.Context, query string, limit int) ([]vectorSearchResult, error) {
	embedding, err := idx.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize embedding: %w", err)
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT
			chunk_id,
			vec_distance_cosine(embedding, ?) AS distance
		FROM embeddings
		ORDER BY distance ASC, chunk_id ASC
		LIMIT ?
	`, blob, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []vectorSearchResult
	for rows.Next() {
		var chunkID string
		var distance float64
		if err := rows.Scan(&chunkID, &distance); err != nil {
			return nil, err
		}
		// cosine distance is in [0, 2]
		results = append(results, vectorSearchResult{chunkID: chunkID, similarity: 1.0 - distance})
	}
	return results, rows.Err()
}

func (idx *Index) keywordSearch(ctx context.Context, query string, limit int) ([]keywordSearchResult, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score, chunk_id
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []keywordSearchResult
	for rows.Next() {
		var chunkID string
		var score float64
		if err := rows.Scan(&chunkID, &score); err != nil {
			return nil, err
		}
		// BM25 scores are negative, convert to positive
		results = append(results, keywordSearchResult{chunkID: chunkID, bm25Score: -score})
	}
	return results, rows.Err()
}

// mergeResults combines vector and keyword candidates into scored passages
// without text. Vector similarity maps from [-1, 1] to [0, 1]; BM25 is divided
// by the best keyword score. Without an embedder the keyword score stands alone.
func (idx *Index) mergeResults(vectorResults []vectorSearchResult, keywordResults []keywordSearchResult) []Passage {
	vectorWeight, keywordWeight := idx.vectorWeight, idx.keywordWeight
	if idx.embedder == nil {
		vectorWeight, keywordWeight = 0, 1
	}

	vectorMap := make(map[string]float64, len(vectorResults))
	for _, r := range vectorResults {
		vectorMap[r.chunkID] = (r.similarity + 1) / 2
	}

	var maxKeyword float64
	keywordMap := make(map[string]float64, len(keywordResults))
	for _, r := range keywordResults {
		keywordMap[r.chunkID] = r.bm25Score
		if r.bm25Score > maxKeyword {
			maxKeyword = r.bm25Score
		}
	}

	ids := make(map[string]bool, len(vectorMap)+len(keywordMap))
	for id := range vectorMap {
		ids[id] = true
	}
	for id := range keywordMap {
		ids[id] = true
	}

	passages := make([]Passage, 0, len(ids))
	for id := range ids {
		vec, hasVec := vectorMap[id]
		kw, hasKw := keywordMap[id]
		if hasKw && maxKeyword > 0 {
			kw = kw / maxKeyword
		} else {
			kw = 0
		}

		metric := MetricHybrid
		switch {
		case hasVec && !hasKw:
			metric = MetricCosine
		case hasKw && !hasVec:
			metric = MetricKeyword
		}

		passages = append(passages, Passage{
			ID:     id,
			Score:  vec*vectorWeight + kw*keywordWeight,
			Metric: metric,
		})
	}
	return passages
}

// AddDocuments indexes documents directly. Documents whose text is unchanged are
// skipped. It returns the number of chunks written.
func (idx *Index) AddDocuments(ctx context.Context, docs []Document) (int, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "retrieval.add_documents", attribute.Int("documents", len(docs)))
	defer span.End()
	start := time.Now()

	total := 0
	for _, doc := range docs {
		if strings.TrimSpace(doc.ID) == "" {
			return total, errors.New("document id is required")
		}
		if strings.TrimSpace(doc.Text) == "" {
			continue
		}
		_, chunks, err := idx.indexSource(ctx, doc.ID, originAPI, []byte(doc.Text))
		if err != nil {
			tracing.Fail(span, err)
			return total, fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
		total += chunks
	}

	observability.RecordIndexSync(time.Since(start), idx.Stats().Chunks)
	return total, nil
}

// SyncDir indexes .md and .txt files under the corpus directory and removes
// documents whose files disappeared.
func (idx *Index) SyncDir(ctx context.Context) error {
	if idx.corpusDir == "" {
		return errors.New("no corpus directory configured")
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "retrieval.sync", attribute.String("dir", idx.corpusDir))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, idx.logger)

	idx.mu.Lock()
	if idx.syncing {
		idx.mu.Unlock()
		return errors.New("sync already in progress")
	}
	idx.syncing = true
	idx.dirty = false
	idx.changed = false
	idx.mu.Unlock()

	defer func() {
		idx.mu.Lock()
		idx.syncing = false
		now := time.Now()
		idx.lastSync = &now
		again := idx.changed && idx.watcher != nil
		idx.mu.Unlock()
		if again {
			idx.watcher.scheduleMarkDirty()
		}
	}()

	start := time.Now()

	var files []string
	err := filepath.WalkDir(idx.corpusDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isCorpusFile(d.Name()) {
			rel, _ := filepath.Rel(idx.corpusDir, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		tracing.Fail(span, err)
		idx.MarkDirty()
		return fmt.Errorf("failed to walk corpus: %w", err)
	}

	indexed, skipped, chunksCreated := 0, 0, 0
	for _, rel := range files {
		content, err := os.ReadFile(filepath.Join(idx.corpusDir, filepath.FromSlash(rel)))
		if err != nil {
			logger.Warn().Err(err).Str("file", rel).Msg("Failed to read file")
			continue
		}
		changed, chunks, err := idx.indexSource(ctx, rel, originCorpus, content)
		if err != nil {
			logger.Warn().Err(err).Str("file", rel).Msg("Failed to index file")
			span.RecordError(err)
			continue
		}
		if changed {
			indexed++
			chunksCreated += chunks
		} else {
			skipped++
		}
	}

	pruned, err := idx.pruneCorpus(ctx, files)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune deleted files")
		span.RecordError(err)
	}

	stats := idx.Stats()
	observability.RecordIndexSync(time.Since(start), stats.Chunks)

	logger.Info().
		Int("files_indexed", indexed).
		Int("files_skipped", skipped).
		Int("chunks_created", chunksCreated).
		Int("files_pruned", pruned).
		Dur("duration", time.Since(start)).
		Msg("Sync completed")

	return nil
}

// indexSource replaces the chunks of one source when its content changed.
func (idx *Index) indexSource(ctx context.Context, source, origin string, content []byte) (bool, int, error) {
	sum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(sum[:])

	var existingHash string
	err := idx.db.QueryRowContext(ctx, "SELECT content_hash FROM documents WHERE source = ?", source).Scan(&existingHash)
	if err == nil && existingHash == contentHash {
		return false, 0, nil
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	if err := idx.deleteSource(ctx, tx, source); err != nil {
		return false, 0, err
	}

	result, err := tx.ExecContext(ctx,
		"INSERT INTO documents (source, origin, content_hash, indexed_at, size_bytes) VALUES (?, ?, ?, ?, ?)",
		source, origin, contentHash, time.Now().Unix(), len(content),
	)
	if err != nil {
		return false, 0, err
	}
	docID, err := result.LastInsertId()
	if err != nil {
		return false, 0, err
	}

	chunks := chunkContent(string(content))
	for i, c := range chunks {
		chunkID := fmt.Sprintf("%s#%d", source, i)

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks (id, doc_id, content, start_offset, end_offset) VALUES (?, ?, ?, ?, ?)",
			chunkID, docID, c.content, c.startOffset, c.endOffset,
		); err != nil {
			return false, 0, err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)",
			chunkID, c.content,
		); err != nil {
			return false, 0, err
		}

		if idx.embedder != nil {
			if err := idx.storeEmbedding(ctx, tx, chunkID, c.content); err != nil {
				idx.logger.Warn().Err(err).Str("chunk", chunkID).Msg("Failed to store embedding")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, len(chunks), nil
}

func (idx *Index) deleteSource(ctx context.Context, tx *sql.Tx, source string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT c.id FROM chunks c
		JOIN documents d ON c.doc_id = d.id
		WHERE d.source = ?
	`, source)
	if err != nil {
		return err
	}
	var chunkIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		chunkIDs = append(chunkIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range chunkIDs {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE chunk_id = ?", id); err != nil {
			return err
		}
		if idx.embedder != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE chunk_id = ?", id); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM chunks WHERE doc_id IN (SELECT id FROM documents WHERE source = ?)", source,
	); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "DELETE FROM documents WHERE source = ?", source)
	return err
}

func (idx *Index) storeEmbedding(ctx context.Context, tx *sql.Tx, chunkID, content string) error {
	sum := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(sum[:])

	var blob []byte
	err := tx.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash).Scan(&blob)
	if err == nil {
		idx.mu.Lock()
		idx.cacheHits++
		idx.mu.Unlock()
	} else {
		idx.mu.Lock()
		idx.cacheMisses++
		idx.mu.Unlock()

		embedding, err := idx.embedder.GenerateEmbedding(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}
		blob, err = sqlite_vec.SerializeFloat32(embedding)
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			contentHash, blob, len(embedding), time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to cache embedding: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO embeddings (chunk_id, embedding) VALUES (?, ?)",
		chunkID, blob,
	); err != nil {
		return fmt.Errorf("failed to store embedding in vector table: %w", err)
	}
	return nil
}

// pruneCorpus removes corpus documents whose files no longer exist.
func (idx *Index) pruneCorpus(ctx context.Context, existing []string) (int, error) {
	rows, err := idx.db.QueryContext(ctx, "SELECT source FROM documents WHERE origin = ?", originCorpus)
	if err != nil {
		return 0, err
	}

	keep := make(map[string]bool, len(existing))
	for _, f := range existing {
		keep[f] = true
	}

	var stale []string
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[source] {
			stale = append(stale, source)
		}
	}
	rows.Close()

	for _, source := range stale {
		tx, err := idx.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		if err := idx.deleteSource(ctx, tx, source); err != nil {
			tx.Rollback()
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Stats returns current index status
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	stats := Stats{
		Dirty:        idx.dirty,
		Syncing:      idx.syncing,
		VectorSearch: idx.embedder != nil,
		LastSyncTime: idx.lastSync,
	}
	if total := idx.cacheHits + idx.cacheMisses; total > 0 {
		rate := float64(idx.cacheHits) / float64(total)
		stats.EmbeddingCacheHitRate = &rate
	}
	idx.mu.RUnlock()

	idx.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&stats.Documents)
	idx.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&stats.Chunks)

	return stats
}

// Ping reports whether the index database is reachable.
func (idx *Index) Ping(ctx context.Context) error {
	return idx.db.PingContext(ctx)
}

// resync runs from the watcher once corpus changes settle. Searches never
// write; they see the index as of the last completed sync. A change that
// arrives during a sync schedules another one.
func (idx *Index) resync() {
	idx.mu.Lock()
	idx.dirty = true
	idx.changed = true
	idx.mu.Unlock()

	if err := idx.SyncDir(context.Background()); err != nil {
		idx.logger.Warn().Err(err).Msg("Corpus re-sync failed")
	}
}

// MarkDirty marks the corpus as changed since the last sync.
func (idx *Index) MarkDirty() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.dirty = true
}

// Close stops the watcher and closes the database.
func (idx *Index) Close() error {
	if idx.watcher != nil {
		idx.watcher.Stop()
	}
	return idx.db.Close()
}
