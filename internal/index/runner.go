// Package index provides indexing operations including the Runner for reusable indexing logic.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ivemcel/code-context/internal/chunk"
	"github.com/ivemcel/code-context/internal/codesync"
	"github.com/ivemcel/code-context/internal/config"
	"github.com/ivemcel/code-context/internal/embed"
	"github.com/ivemcel/code-context/internal/scanner"
	"github.com/ivemcel/code-context/internal/store"
	"github.com/ivemcel/code-context/internal/ui"
)

// RunnerConfig configures an indexing run.
type RunnerConfig struct {
	// RootDir is the project root directory to index.
	RootDir string

	// DataDir is the .codecontext data directory (defaults to RootDir/.codecontext).
	DataDir string

	// Offline uses static embeddings instead of neural embedder.
	Offline bool

	// ResumeFromCheckpoint is the number of chunks already embedded (for resume).
	ResumeFromCheckpoint int

	// CheckpointModel is the embedder model name from checkpoint (for validation).
	CheckpointModel string

	// InterBatchDelay is the cooling delay between embedding batches.
	InterBatchDelay time.Duration
}

// RunnerResult contains the outcome of an indexing operation.
type RunnerResult struct {
	// Files is the number of files indexed.
	Files int

	// Chunks is the number of chunks created.
	Chunks int

	// Duration is the total indexing time.
	Duration time.Duration

	// Errors is the count of fatal errors.
	Errors int

	// Warnings is the count of non-fatal warnings.
	Warnings int

	// Resumed indicates if this was a resumed operation.
	Resumed bool
}

// RunnerDependencies contains the injected dependencies for Runner.
type RunnerDependencies struct {
	// Renderer for progress display (required).
	Renderer ui.Renderer

	// Config is the loaded project configuration (required).
	Config *config.Config

	// Metadata store for chunks and files.
	Metadata store.MetadataStore

	// BM25 index for keyword search.
	BM25 store.BM25Index

	// Vector store for semantic search.
	Vector store.VectorStore

	// Embedder for generating embeddings.
	Embedder embed.Embedder

	// CodeChunker for chunking code files.
	CodeChunker chunk.Chunker

	// MarkdownChunker for chunking markdown files.
	MarkdownChunker chunk.Chunker
}

// Runner executes indexing operations with progress reporting.
// It accepts injected dependencies for testability and reusability.
type Runner struct {
	renderer        ui.Renderer
	config          *config.Config
	metadata        store.MetadataStore
	bm25            store.BM25Index
	vector          store.VectorStore
	embedder        embed.Embedder
	codeChunker     chunk.Chunker
	markdownChunker chunk.Chunker
}

// NewRunner creates a Runner with injected dependencies.
func NewRunner(deps RunnerDependencies) (*Runner, error) {
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Metadata == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if deps.BM25 == nil {
		return nil, fmt.Errorf("BM25 index is required")
	}
	if deps.Vector == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	// Use provided chunkers or create defaults
	codeChunker := deps.CodeChunker
	if codeChunker == nil {
		codeChunker = chunk.NewCodeChunker()
	}

	markdownChunker := deps.MarkdownChunker
	if markdownChunker == nil {
		markdownChunker = chunk.NewMarkdownChunker()
	}

	return &Runner{
		renderer:        deps.Renderer,
		config:          deps.Config,
		metadata:        deps.Metadata,
		bm25:            deps.BM25,
		vector:          deps.Vector,
		embedder:        deps.Embedder,
		codeChunker:     codeChunker,
		markdownChunker: markdownChunker,
	}, nil
}

// Closer is an optional interface for chunkers that need cleanup.
type Closer interface {
	Close()
}

// Close releases resources held by the Runner.
func (r *Runner) Close() error {
	// Close chunkers if they implement Closer
	if c, ok := r.codeChunker.(Closer); ok {
		c.Close()
	}
	if c, ok := r.markdownChunker.(Closer); ok {
		c.Close()
	}
	return nil
}

// stageTiming tracks duration for each indexing stage.
type stageTiming struct {
	scan    time.Duration
	chunk   time.Duration
	context time.Duration
	embed   time.Duration
	index   time.Duration
}

// Run executes the full indexing pipeline.
func (r *Runner) Run(ctx context.Context, cfg RunnerConfig) (*RunnerResult, error) {
	startTime := time.Now()
	var errorCount, warnCount int
	var timing stageTiming

	root := cfg.RootDir
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(root, ".codecontext")
	}

	// Create project ID. This must match the collection identity the vector
	// store and on-disk Snapshot are addressed by, so a project's files,
	// chunks and snapshot all resolve to the same codebase consistently.
	projectID := codesync.CollectionName(root)
	now := time.Now()

	// Save project metadata first (needed for foreign key constraints)
	project := &store.Project{
		ID:          projectID,
		Name:        filepath.Base(root),
		RootPath:    root,
		ProjectType: string(config.DetectProjectType(root)),
		FileCount:   0,
		ChunkCount:  0,
		IndexedAt:   now,
		Version:     fmt.Sprintf("%d", store.CurrentSchemaVersion),
	}
	if err := r.metadata.SaveProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to save project: %w", err)
	}

	// Stage 1: Scan files
	scanStart := time.Now()
	files, err := r.scanFiles(ctx, root)
	if err != nil {
		return nil, err
	}
	timing.scan = time.Since(scanStart)
	warnCount += r.getWarningCount(files)

	if len(files) == 0 {
		return &RunnerResult{
			Files:    0,
			Chunks:   0,
			Duration: time.Since(startTime),
			Warnings: warnCount,
		}, nil
	}

	// Stages 2-5: stream each file through chunking, optional contextual
	// enrichment, embedding and indexing. Chunks never accumulate for the
	// whole codebase at once: the pending buffer is flushed to the embedder,
	// BM25 index and vector store as soon as it reaches EmbedBatch chunks.
	currentModel := r.embedder.ModelName()
	stream, err := r.newStreamState(ctx, cfg, projectID, now, currentModel)
	if err != nil {
		return nil, err
	}

	streamResult, err := r.streamFiles(ctx, files, stream)
	if err != nil {
		return nil, err
	}
	timing.chunk = streamResult.chunkTime
	timing.context = streamResult.contextTime
	timing.embed = streamResult.embedTime
	timing.index = streamResult.indexTime
	warnCount += streamResult.warnCount
	errorCount += streamResult.errorCount

	allChunks := streamResult.allChunks
	storeFiles := streamResult.storeFiles

	if len(allChunks) == 0 {
		return &RunnerResult{
			Files:    len(files),
			Chunks:   0,
			Duration: time.Since(startTime),
			Warnings: warnCount,
		}, nil
	}

	// Flush whatever remains in the buffer (a final partial batch).
	if err := r.flushBatch(ctx, stream, currentModel); err != nil {
		return nil, err
	}

	// Persist indices to disk once streaming completes.
	indexStart := time.Now()
	bm25Path := filepath.Join(dataDir, "bm25")
	if err := r.bm25.Save(bm25Path); err != nil {
		return nil, fmt.Errorf("failed to save BM25 index: %w", err)
	}
	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if err := r.vector.Save(vectorPath); err != nil {
		return nil, fmt.Errorf("failed to save vector store: %w", err)
	}
	timing.index += time.Since(indexStart)

	// Update project stats
	if err := r.metadata.UpdateProjectStats(ctx, projectID, len(storeFiles), len(allChunks)); err != nil {
		return nil, fmt.Errorf("failed to update project stats: %w", err)
	}

	// Clear checkpoint on successful completion
	if err := r.metadata.ClearIndexCheckpoint(ctx); err != nil {
		slog.Warn("failed to clear checkpoint", slog.String("error", err.Error()))
	}

	// Mark index as using content-addressable chunk IDs (BUG-052)
	if err := r.metadata.SetState(ctx, store.StateKeyChunkIDVersion, store.ChunkIDVersionContent); err != nil {
		slog.Warn("failed to save chunk ID version", slog.String("error", err.Error()))
	}

	// BUG-042: Store embedding dimension and model for mismatch detection at search time
	if err := r.storeIndexEmbeddingInfo(ctx); err != nil {
		slog.Warn("failed to store index embedding info", slog.String("error", err.Error()))
	}

	// Save gitignore hash for startup reconciliation (BUG-053)
	gitignoreHash, err := ComputeGitignoreHash(root)
	if err != nil {
		slog.Warn("failed to compute gitignore hash", slog.String("error", err.Error()))
	} else {
		if err := r.metadata.SetState(ctx, GitignoreHashKey, gitignoreHash); err != nil {
			slog.Warn("failed to save gitignore hash", slog.String("error", err.Error()))
		}
	}

	duration := time.Since(startTime)

	// Get embedder info for logging and display
	embedderInfo := embed.GetInfo(ctx, r.embedder)

	// Complete
	r.renderer.Complete(ui.CompletionStats{
		Files:    len(storeFiles),
		Chunks:   len(allChunks),
		Duration: duration,
		Errors:   errorCount,
		Warnings: warnCount,
		Stages: ui.StageTimings{
			Scan:    timing.scan,
			Chunk:   timing.chunk,
			Context: timing.context,
			Embed:   timing.embed,
			Index:   timing.index,
		},
		Embedder: ui.EmbedderInfo{
			Backend:    string(embedderInfo.Provider),
			Model:      embedderInfo.Model,
			Dimensions: embedderInfo.Dimensions,
		},
	})

	// Enhanced logging with stage timings and backend info
	chunksPerSec := 0.0
	if timing.embed.Seconds() > 0 {
		chunksPerSec = float64(len(allChunks)) / timing.embed.Seconds()
	}

	slog.Info("index_complete",
		slog.Int("files", len(storeFiles)),
		slog.Int("chunks", len(allChunks)),
		slog.String("duration_total", duration.String()),
		slog.Int64("duration_total_ms", duration.Milliseconds()),
		slog.Int64("duration_scan_ms", timing.scan.Milliseconds()),
		slog.Int64("duration_chunk_ms", timing.chunk.Milliseconds()),
		slog.Int64("duration_context_ms", timing.context.Milliseconds()),
		slog.Int64("duration_embed_ms", timing.embed.Milliseconds()),
		slog.Int64("duration_index_ms", timing.index.Milliseconds()),
		slog.String("embedder_backend", string(embedderInfo.Provider)),
		slog.String("embedder_model", embedderInfo.Model),
		slog.Int("embedder_dimensions", embedderInfo.Dimensions),
		slog.Float64("chunks_per_sec", chunksPerSec),
		slog.String("path", root))

	return &RunnerResult{
		Files:    len(storeFiles),
		Chunks:   len(allChunks),
		Duration: duration,
		Errors:   errorCount,
		Warnings: warnCount,
		Resumed:  cfg.ResumeFromCheckpoint > 0,
	}, nil
}

// scanFiles scans the project directory for indexable files.
func (r *Runner) scanFiles(ctx context.Context, root string) ([]*scanner.FileInfo, error) {
	r.renderer.UpdateProgress(ui.ProgressEvent{
		Stage:   ui.StageScanning,
		Message: fmt.Sprintf("Scanning %s...", root),
	})
	slog.Info("index_scan_started", slog.String("path", root))

	excludePatterns := append(r.config.Paths.Exclude, "**/.codecontext/**")
	s, err := scanner.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}

	results, err := s.Scan(ctx, &scanner.ScanOptions{
		RootDir:          root,
		IncludePatterns:  r.config.Paths.Include,
		ExcludePatterns:  excludePatterns,
		RespectGitignore: true,
		Workers:          runtime.NumCPU(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start scanning: %w", err)
	}

	var files []*scanner.FileInfo
	for result := range results {
		if result.Error != nil {
			r.renderer.AddError(ui.ErrorEvent{
				File:   result.File.Path,
				Err:    result.Error,
				IsWarn: true,
			})
			continue
		}
		files = append(files, result.File)
	}

	slog.Info("index_scan_complete",
		slog.Int("files", len(files)))
	return files, nil
}

// getWarningCount returns the number of warnings from scan results (currently 0 since we don't track).
func (r *Runner) getWarningCount(files []*scanner.FileInfo) int {
	return 0 // Warnings are tracked via renderer.AddError
}

// streamState carries the streaming pipeline's single shared buffer and
// bookkeeping across the whole file walk. Nothing here holds the codebase's
// entire chunk set at once: pending is cleared on every flush.
type streamState struct {
	cfg        RunnerConfig
	projectID  string
	now        time.Time
	embedBatch int

	pending       []*chunk.Chunk
	chunkIndex    int
	embeddedCount int
	preloaded     map[string][]float32

	contextGen ContextGenerator

	allChunks  []*chunk.Chunk
	storeFiles []*store.File

	warnCount, errorCount                        int
	chunkTime, contextTime, embedTime, indexTime time.Duration
}

// streamResult summarizes a completed file walk for Run's stats and logging.
type streamResult struct {
	allChunks  []*chunk.Chunk
	storeFiles []*store.File
	warnCount  int
	errorCount int

	chunkTime, contextTime, embedTime, indexTime time.Duration
}

// newStreamState validates the resume checkpoint, preloads any embeddings
// already persisted from a prior interrupted run, and sets up the optional
// contextual enrichment generator once for reuse across every file.
func (r *Runner) newStreamState(ctx context.Context, cfg RunnerConfig, projectID string, now time.Time, currentModel string) (*streamState, error) {
	if cfg.ResumeFromCheckpoint > 0 && cfg.CheckpointModel != "" && cfg.CheckpointModel != currentModel {
		return nil, fmt.Errorf("embedder mismatch on resume: checkpoint used '%s', but current embedder is '%s'. "+
			"Use --force to rebuild the index from scratch, or ensure the original embedder is available",
			cfg.CheckpointModel, currentModel)
	}

	embedBatch := r.config.Performance.EmbedBatch
	if embedBatch < 1 {
		embedBatch = 100
	}

	state := &streamState{
		cfg:        cfg,
		projectID:  projectID,
		now:        now,
		embedBatch: embedBatch,
	}

	if cfg.ResumeFromCheckpoint > 0 {
		preloaded, err := r.metadata.GetAllEmbeddings(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load embeddings for resume: %w", err)
		}
		state.preloaded = preloaded
		r.embedder.SetBatchIndex(cfg.ResumeFromCheckpoint / embedBatch)
		slog.Info("resume_embedding",
			slog.Int("skip_chunks", cfg.ResumeFromCheckpoint),
			slog.Int("batch_index", cfg.ResumeFromCheckpoint/embedBatch))
	}

	if r.config.Contextual.Enabled && cfg.ResumeFromCheckpoint == 0 {
		state.contextGen = r.newContextGenerator(ctx)
	}

	return state, nil
}

// newContextGenerator picks the contextual retrieval generator configured
// for this project, falling back to the pattern-based generator when the
// LLM backend isn't reachable.
func (r *Runner) newContextGenerator(ctx context.Context) ContextGenerator {
	if r.config.Contextual.FallbackOnly {
		slog.Info("contextual_using_pattern_fallback",
			slog.Bool("code_chunks", r.config.Contextual.CodeChunks))
		return NewPatternContextGenerator(r.config)
	}

	llmGen, err := NewLLMContextGenerator(ContextGeneratorConfig{
		OllamaHost: r.config.Embeddings.OllamaHost,
		Model:      r.config.Contextual.Model,
		Timeout:    r.config.Contextual.Timeout,
		BatchSize:  r.config.Contextual.BatchSize,
	})
	if err != nil || !llmGen.Available(ctx) {
		slog.Info("contextual_llm_unavailable_using_pattern",
			slog.String("model", r.config.Contextual.Model),
			slog.Bool("code_chunks", r.config.Contextual.CodeChunks))
		return NewPatternContextGenerator(r.config)
	}

	slog.Info("contextual_using_llm",
		slog.String("model", r.config.Contextual.Model),
		slog.Bool("code_chunks", r.config.Contextual.CodeChunks))
	return NewHybridContextGenerator(llmGen, r.config)
}

// streamFiles walks files one at a time, chunking and (optionally) enriching
// each file's chunks immediately, appending them to the shared buffer and
// flushing whenever the buffer reaches state.embedBatch. It never keeps the
// whole codebase's chunks in memory beyond that threshold.
func (r *Runner) streamFiles(ctx context.Context, files []*scanner.FileInfo, state *streamState) (*streamResult, error) {
	if state.contextGen != nil {
		defer func() { _ = state.contextGen.Close() }()
	}

	totalFiles := len(files)
	currentModel := r.embedder.ModelName()

	r.renderer.UpdateProgress(ui.ProgressEvent{
		Stage: ui.StageChunking,
		Total: totalFiles,
	})

	for i, file := range files {
		r.renderer.UpdateProgress(ui.ProgressEvent{
			Stage:       ui.StageChunking,
			Current:     i + 1,
			Total:       totalFiles,
			CurrentFile: file.Path,
		})

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("indexing interrupted while chunking %q: %w", file.Path, ctx.Err())
		default:
		}

		chunkStart := time.Now()
		chunks, storeFile, err := r.chunkOneFile(ctx, file, state.projectID, state.now)
		state.chunkTime += time.Since(chunkStart)
		if err != nil {
			r.renderer.AddError(ui.ErrorEvent{File: file.Path, Err: err, IsWarn: true})
			state.warnCount++
			continue
		}
		if storeFile == nil {
			continue
		}
		state.storeFiles = append(state.storeFiles, storeFile)
		if err := r.metadata.SaveFiles(ctx, []*store.File{storeFile}); err != nil {
			return nil, fmt.Errorf("failed to save file %q: %w", file.Path, err)
		}
		if len(chunks) == 0 {
			continue
		}

		storeChunks := make([]*store.Chunk, len(chunks))
		for j, c := range chunks {
			storeChunks[j] = convertChunkToStore(c, []*store.File{storeFile}, state.now)
		}

		if state.contextGen != nil {
			contextStart := time.Now()
			r.enrichFileChunks(ctx, state.contextGen, file.Path, storeChunks)
			state.contextTime += time.Since(contextStart)
		}

		if err := r.metadata.SaveChunks(ctx, storeChunks); err != nil {
			return nil, fmt.Errorf("failed to save chunks for %q: %w", file.Path, err)
		}

		for j, c := range chunks {
			c.Content = storeChunks[j].Content
		}

		state.allChunks = append(state.allChunks, chunks...)
		state.pending = append(state.pending, chunks...)

		if len(state.pending) >= state.embedBatch {
			if err := r.flushBatch(ctx, state, currentModel); err != nil {
				return nil, err
			}
		}
	}

	slog.Info("index_chunking_complete",
		slog.Int("chunks", len(state.allChunks)),
		slog.Int("files", len(state.storeFiles)))

	return &streamResult{
		allChunks:  state.allChunks,
		storeFiles: state.storeFiles,
		warnCount:  state.warnCount,
		errorCount: state.errorCount,
		chunkTime:  state.chunkTime,
		contextTime: state.contextTime,
		embedTime:  state.embedTime,
		indexTime:  state.indexTime,
	}, nil
}

// chunkOneFile reads and chunks a single file, returning nil, nil, nil for
// content types the pipeline doesn't index.
func (r *Runner) chunkOneFile(ctx context.Context, file *scanner.FileInfo, projectID string, now time.Time) ([]*chunk.Chunk, *store.File, error) {
	content, err := os.ReadFile(file.AbsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read: %w", err)
	}

	storeFile := &store.File{
		ID:          hashString(file.Path),
		ProjectID:   projectID,
		Path:        file.Path,
		Size:        file.Size,
		ModTime:     file.ModTime,
		ContentHash: hashString(string(content)),
		Language:    file.Language,
		ContentType: string(file.ContentType),
		IndexedAt:   now,
	}

	input := &chunk.FileInput{
		Path:     file.Path,
		Content:  content,
		Language: file.Language,
	}

	var chunks []*chunk.Chunk
	switch file.ContentType {
	case scanner.ContentTypeCode:
		chunks, err = r.codeChunker.Chunk(ctx, input)
	case scanner.ContentTypeMarkdown:
		chunks, err = r.markdownChunker.Chunk(ctx, input)
	default:
		return nil, storeFile, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to chunk: %w", err)
	}

	return chunks, storeFile, nil
}

// enrichFileChunks adds LLM- or pattern-generated context to one file's
// chunks using the run's shared generator (CR-1 Contextual Retrieval).
func (r *Runner) enrichFileChunks(ctx context.Context, gen ContextGenerator, filePath string, chunks []*store.Chunk) {
	docContext := ExtractDocumentContext(chunks)
	contexts, err := gen.GenerateBatch(ctx, chunks, docContext)
	if err != nil {
		slog.Debug("contextual_batch_failed",
			slog.String("file", filePath),
			slog.String("error", err.Error()))
		return
	}
	for i, c := range chunks {
		if i < len(contexts) && contexts[i] != "" {
			EnrichChunkWithContext(c, contexts[i])
		}
	}
}

// flushBatch embeds, indexes and clears the pending buffer. The buffer is
// cleared after every attempt, including a failed one: a batch that can't be
// embedded is logged and skipped rather than left to grow unbounded or retried
// forever in place.
func (r *Runner) flushBatch(ctx context.Context, state *streamState, currentModel string) error {
	defer func() {
		state.pending = nil
	}()

	batch := state.pending
	if len(batch) == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("indexing interrupted at %d chunks embedded: %w", state.embeddedCount, ctx.Err())
	default:
	}

	embedStart := time.Now()
	batchEmbeddings := make(map[string][]float32, len(batch))
	var toEmbedContents []string
	var toEmbedIDs []string

	for _, c := range batch {
		if state.preloaded != nil {
			if emb, ok := state.preloaded[c.ID]; ok {
				batchEmbeddings[c.ID] = emb
				continue
			}
		}
		toEmbedContents = append(toEmbedContents, c.Content)
		toEmbedIDs = append(toEmbedIDs, c.ID)
	}

	if len(toEmbedContents) > 0 {
		computed, err := r.embedder.EmbedBatch(ctx, toEmbedContents)
		if err != nil {
			state.errorCount++
			slog.Warn("failed to embed batch, skipping",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()))
			return nil
		}
		if err := r.metadata.SaveChunkEmbeddings(ctx, toEmbedIDs, computed, currentModel); err != nil {
			slog.Warn("failed to save embeddings", slog.String("error", err.Error()))
		}
		for i, id := range toEmbedIDs {
			batchEmbeddings[id] = computed[i]
		}
	}
	state.embedTime += time.Since(embedStart)

	state.embeddedCount += len(toEmbedContents)
	if err := r.metadata.SaveIndexCheckpoint(ctx, "embedding", state.chunkIndex+len(batch), state.embeddedCount, currentModel); err != nil {
		slog.Warn("failed to save checkpoint", slog.String("error", err.Error()))
	}
	state.chunkIndex += len(batch)

	r.renderer.UpdateProgress(ui.ProgressEvent{
		Stage:   ui.StageEmbedding,
		Current: state.chunkIndex,
	})

	indexStart := time.Now()
	docs := make([]*store.Document, len(batch))
	ids := make([]string, len(batch))
	embeddings := make([][]float32, len(batch))
	for i, c := range batch {
		docs[i] = &store.Document{ID: c.ID, Content: c.Content}
		ids[i] = c.ID
		embeddings[i] = batchEmbeddings[c.ID]
	}
	if err := r.bm25.Index(ctx, docs); err != nil {
		state.errorCount++
		slog.Warn("failed to index batch in BM25", slog.String("error", err.Error()))
	}
	if err := r.vector.Add(ctx, ids, embeddings); err != nil {
		state.errorCount++
		slog.Warn("failed to add batch to vector store", slog.String("error", err.Error()))
	}
	state.indexTime += time.Since(indexStart)

	r.renderer.UpdateProgress(ui.ProgressEvent{
		Stage:   ui.StageIndexing,
		Current: state.chunkIndex,
	})

	if state.cfg.InterBatchDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(state.cfg.InterBatchDelay):
		}
	}

	return nil
}

// storeIndexEmbeddingInfo saves the current embedder's dimension and model to metadata.
// BUG-042: This enables detection of dimension mismatch when embedder changes at search time.
// Without this, searching with a different embedder produces incorrect results silently.
func (r *Runner) storeIndexEmbeddingInfo(ctx context.Context) error {
	dim := fmt.Sprintf("%d", r.embedder.Dimensions())
	model := r.embedder.ModelName()

	if err := r.metadata.SetState(ctx, store.StateKeyIndexDimension, dim); err != nil {
		return fmt.Errorf("failed to store index dimension: %w", err)
	}
	if err := r.metadata.SetState(ctx, store.StateKeyIndexModel, model); err != nil {
		return fmt.Errorf("failed to store index model: %w", err)
	}

	slog.Info("index_embedding_info_stored",
		slog.String("model", model),
		slog.Int("dimensions", r.embedder.Dimensions()))

	return nil
}

// hashString returns SHA256 hash of a string (first 16 chars).
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}

// HashProjectID derives the project ID used to scope a codebase's files and
// chunks in the metadata store from its absolute root path. This is the
// same CollectionName used to address the codebase's vector collection and
// Snapshot file, so any caller that needs to address an already-indexed
// project (the daemon's live watcher, in particular) resolves to the same
// identity the indexer used.
func HashProjectID(root string) string {
	return codesync.CollectionName(root)
}

// convertChunkToStore converts a chunk.Chunk to store.Chunk.
func convertChunkToStore(c *chunk.Chunk, files []*store.File, now time.Time) *store.Chunk {
	var fileID string
	for _, f := range files {
		if f.Path == c.FilePath {
			fileID = f.ID
			break
		}
	}

	var symbols []*store.Symbol
	for _, s := range c.Symbols {
		symbols = append(symbols, &store.Symbol{
			Name:       s.Name,
			Type:       store.SymbolType(s.Type),
			StartLine:  s.StartLine,
			EndLine:    s.EndLine,
			Signature:  s.Signature,
			DocComment: s.DocComment,
		})
	}

	return &store.Chunk{
		ID:          c.ID,
		FileID:      fileID,
		FilePath:    c.FilePath,
		Content:     c.Content,
		RawContent:  c.RawContent,
		Context:     c.Context,
		ContentType: store.ContentType(c.ContentType),
		Language:    c.Language,
		StartLine:   c.StartLine,
		EndLine:     c.EndLine,
		Symbols:     symbols,
		Metadata:    c.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
