package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ivemcel/code-context/internal/chunk"
	"github.com/ivemcel/code-context/internal/config"
	"github.com/ivemcel/code-context/internal/embed"
	"github.com/ivemcel/code-context/internal/index"
	"github.com/ivemcel/code-context/internal/scanner"
	"github.com/ivemcel/code-context/internal/search"
	"github.com/ivemcel/code-context/internal/store"
	"github.com/ivemcel/code-context/internal/watcher"
)

// projectState holds everything needed to search one codebase without
// reloading stores or the embedder on every request. A live watcher keeps
// it in sync with the filesystem between searches.
type projectState struct {
	rootPath string
	loadedAt time.Time
	lastUsed time.Time

	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorStore
	engine   *search.Engine

	watcher     *watcher.HybridWatcher
	watchCancel context.CancelFunc
}

// Close releases every resource held for a project, including its watcher.
func (p *projectState) Close() error {
	if p.watchCancel != nil {
		p.watchCancel()
	}
	if p.watcher != nil {
		_ = p.watcher.Stop()
	}
	if p.engine != nil {
		return p.engine.Close()
	}
	var firstErr error
	if p.bm25 != nil {
		if err := p.bm25.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.vector != nil {
		if err := p.vector.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.metadata != nil {
		if err := p.metadata.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Daemon keeps an embedder and a bounded set of project indices warm in
// memory so CLI searches don't pay embedder startup cost on every call.
type Daemon struct {
	config   Config
	embedder embed.Embedder

	server        *Server
	pidFile       *PIDFile
	compactionMgr *CompactionManager

	mu       sync.RWMutex
	projects map[string]*projectState
	started  time.Time
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithEmbedder overrides the embedder the daemon uses for new projects.
// Mainly used by tests to avoid a real model dependency.
func WithEmbedder(e embed.Embedder) Option {
	return func(d *Daemon) {
		d.embedder = e
	}
}

// NewDaemon validates cfg and constructs a Daemon ready to Start.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		config:   cfg,
		pidFile:  NewPIDFile(cfg.PIDPath),
		projects: make(map[string]*projectState),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Start runs the daemon until ctx is cancelled: it cleans up stale
// socket/PID files from a previous crash, writes its own PID, starts
// background compaction, and blocks serving search/status requests.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.config.EnsureDir(); err != nil {
		return err
	}

	if d.pidFile.IsRunning() {
		return fmt.Errorf("daemon already running")
	}
	_ = d.pidFile.Remove() // stale PID file from a crashed process
	if err := d.pidFile.Write(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() { _ = d.pidFile.Remove() }()

	srv, err := NewServer(d.config.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	srv.SetHandler(d)
	d.server = srv
	d.started = time.Now()

	d.compactionMgr = NewCompactionManager(d, config.NewConfig().Compaction)
	d.compactionMgr.Start(ctx)
	defer d.compactionMgr.Stop()

	defer d.cleanup()

	return srv.ListenAndServe(ctx)
}

// HandleSearch implements RequestHandler. It loads the project if it isn't
// already warm, evicts the least-recently-used project if that would put
// the daemon over MaxProjects, and runs a hybrid search.
func (d *Daemon) HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	state, err := d.getOrLoadProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	state.lastUsed = time.Now()
	d.mu.Unlock()

	if d.compactionMgr != nil {
		d.compactionMgr.InterruptCompaction(params.RootPath)
	}

	opts := search.SearchOptions{
		Limit:    params.Limit,
		Filter:   params.Filter,
		Language: params.Language,
		Scopes:   params.Scopes,
		BM25Only: params.BM25Only,
		Explain:  params.Explain,
	}

	results, err := state.engine.Search(ctx, params.Query, opts)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	if d.compactionMgr != nil {
		d.compactionMgr.OnSearchComplete(params.RootPath)
	}

	return convertSearchResults(results), nil
}

func convertSearchResults(results []*search.SearchResult) []SearchResult {
	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{
			FilePath:  r.Chunk.FilePath,
			StartLine: r.Chunk.StartLine,
			EndLine:   r.Chunk.EndLine,
			Score:     r.Score,
			Content:   r.Chunk.Content,
			Language:  r.Chunk.Language,
			BM25Score: r.BM25Score,
			VecScore:  r.VecScore,
			BM25Rank:  r.BM25Rank,
			VecRank:   r.VecRank,
		}
		if r.Explain != nil {
			out[i].Explain = &ExplainData{
				Query:                r.Explain.Query,
				BM25ResultCount:      r.Explain.BM25ResultCount,
				VectorResultCount:    r.Explain.VectorResultCount,
				BM25Weight:           r.Explain.Weights.BM25,
				SemanticWeight:       r.Explain.Weights.Semantic,
				RRFConstant:          r.Explain.RRFConstant,
				BM25Only:             r.Explain.BM25Only,
				DimensionMismatch:    r.Explain.DimensionMismatch,
				MultiQueryDecomposed: r.Explain.MultiQueryDecomposed,
				SubQueries:           r.Explain.SubQueries,
			}
		}
	}
	return out
}

// getOrLoadProject returns a warm project, loading and registering a
// watcher for it on first access.
func (d *Daemon) getOrLoadProject(ctx context.Context, rootPath string) (*projectState, error) {
	d.mu.RLock()
	state, ok := d.projects[rootPath]
	d.mu.RUnlock()
	if ok {
		return state, nil
	}

	state, err := d.loadProject(ctx, rootPath)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.evictLRU()
	d.projects[rootPath] = state
	d.mu.Unlock()

	return state, nil
}

// loadProject opens the on-disk index for rootPath and starts a watcher
// that keeps it current between searches via the index coordinator.
func (d *Daemon) loadProject(ctx context.Context, rootPath string) (*projectState, error) {
	dataDir := filepath.Join(rootPath, ".codecontext")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no index found for %s", rootPath)
	}

	cfg, err := config.Load(rootPath)
	if err != nil {
		cfg = config.NewConfig()
	}

	if err := d.ensureEmbedder(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to open BM25 index: %w", err)
	}

	dims := d.embedder.Dimensions()
	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		_ = bm25.Close()
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	if _, err := os.Stat(vectorPath); err == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Warn("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	engineCfg := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineCfg.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineCfg.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	engine, err := search.NewEngine(bm25, vector, d.embedder, metadata, engineCfg,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()))
	if err != nil {
		_ = vector.Close()
		_ = bm25.Close()
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to create search engine: %w", err)
	}

	state := &projectState{
		rootPath: rootPath,
		loadedAt: time.Now(),
		lastUsed: time.Now(),
		metadata: metadata,
		bm25:     bm25,
		vector:   vector,
		engine:   engine,
	}

	if err := d.startWatching(ctx, state, cfg); err != nil {
		slog.Warn("watch_start_failed", slog.String("root", rootPath), slog.String("error", err.Error()))
	}

	return state, nil
}

// ensureEmbedder lazily creates the daemon's shared embedder from the
// first project's config. Tests inject one via WithEmbedder and skip this.
func (d *Daemon) ensureEmbedder(ctx context.Context, cfg *config.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.embedder != nil {
		return nil
	}

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		return err
	}
	d.embedder = embedder
	return nil
}

// startWatching wires a HybridWatcher into the index coordinator so file
// changes made while a project is warm in the daemon get reflected without
// requiring a manual re-index.
func (d *Daemon) startWatching(ctx context.Context, state *projectState, cfg *config.Config) error {
	sc, err := scanner.New()
	if err != nil {
		return fmt.Errorf("failed to create scanner: %w", err)
	}

	coordinator := index.NewCoordinator(index.CoordinatorConfig{
		ProjectID:       index.HashProjectID(state.rootPath),
		RootPath:        state.rootPath,
		DataDir:         filepath.Join(state.rootPath, ".codecontext"),
		Engine:          state.engine,
		Metadata:        state.metadata,
		CodeChunker:     chunk.NewCodeChunker(),
		MDChunker:       chunk.NewMarkdownChunker(),
		Scanner:         sc,
		ExcludePatterns: cfg.Paths.Exclude,
	})

	w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	if err := w.Start(watchCtx, state.rootPath); err != nil {
		cancel()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	state.watcher = w
	state.watchCancel = cancel

	if err := coordinator.ReconcileOnStartup(watchCtx); err != nil {
		slog.Warn("reconcile_on_startup_failed", slog.String("root", state.rootPath), slog.String("error", err.Error()))
	}

	go func() {
		for {
			select {
			case <-watchCtx.Done():
				return
			case events, ok := <-w.Events():
				if !ok {
					return
				}
				if err := coordinator.HandleEvents(watchCtx, events); err != nil {
					slog.Warn("handle_events_failed", slog.String("root", state.rootPath), slog.String("error", err.Error()))
				}
			case err, ok := <-w.Errors():
				if !ok {
					continue
				}
				slog.Warn("watch_error", slog.String("root", state.rootPath), slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// evictLRU drops the least-recently-used project if the daemon is already
// at MaxProjects, making room for the one about to be inserted. Caller must
// hold d.mu.
func (d *Daemon) evictLRU() {
	if len(d.projects) < d.config.MaxProjects {
		return
	}

	paths := make([]string, 0, len(d.projects))
	for path := range d.projects {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool {
		return d.projects[paths[i]].lastUsed.Before(d.projects[paths[j]].lastUsed)
	})

	oldest := paths[0]
	if err := d.projects[oldest].Close(); err != nil {
		slog.Warn("project_evict_close_failed", slog.String("root", oldest), slog.String("error", err.Error()))
	}
	delete(d.projects, oldest)
}

// GetStatus implements RequestHandler.
func (d *Daemon) GetStatus() StatusResult {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(d.started).Round(time.Second).String(),
		ProjectsLoaded: len(d.projects),
	}

	if d.embedder == nil {
		status.EmbedderType = "unavailable"
		status.EmbedderStatus = "unavailable"
		return status
	}

	status.EmbedderType = d.embedder.ModelName()
	status.EmbedderStatus = "ready"
	return status
}

// cleanup closes every loaded project and releases the embedder. Called
// once Start's context is cancelled.
func (d *Daemon) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for path, state := range d.projects {
		if err := state.Close(); err != nil {
			slog.Warn("project_close_failed", slog.String("root", path), slog.String("error", err.Error()))
		}
	}
	d.projects = make(map[string]*projectState)

	if d.embedder != nil {
		_ = d.embedder.Close()
		d.embedder = nil
	}
}
