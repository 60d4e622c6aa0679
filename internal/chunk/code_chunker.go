package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// CodeChunkerOptions configures the code chunker behavior
type CodeChunkerOptions struct {
	MaxChunkTokens int // Maximum tokens per chunk (default: DefaultMaxChunkTokens)
	OverlapTokens  int // Overlap between chunks when splitting (default: DefaultOverlapTokens)
}

// CodeChunker implements AST-aware code chunking using tree-sitter
type CodeChunker struct {
	parser    *Parser
	extractor *SymbolExtractor
	registry  *LanguageRegistry
	options   CodeChunkerOptions
}

// NewCodeChunker creates a new code chunker with default options
func NewCodeChunker() *CodeChunker {
	return NewCodeChunkerWithOptions(CodeChunkerOptions{})
}

// NewCodeChunkerWithOptions creates a new code chunker with custom options
func NewCodeChunkerWithOptions(opts CodeChunkerOptions) *CodeChunker {
	if opts.MaxChunkTokens == 0 {
		opts.MaxChunkTokens = DefaultMaxChunkTokens
	}
	if opts.OverlapTokens == 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}

	registry := DefaultRegistry()
	return &CodeChunker{
		parser:    NewParserWithRegistry(registry),
		extractor: NewSymbolExtractorWithRegistry(registry),
		registry:  registry,
		options:   opts,
	}
}

// Close releases chunker resources
func (c *CodeChunker) Close() {
	if c.parser != nil {
		c.parser.Close()
	}
}

// SupportedExtensions returns file extensions this chunker handles
func (c *CodeChunker) SupportedExtensions() []string {
	return c.registry.SupportedExtensions()
}

// Chunk splits a file into semantic chunks
func (c *CodeChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if len(file.Content) == 0 {
		return nil, nil
	}

	// Check if language is supported
	_, supported := c.registry.GetByName(file.Language)
	if !supported {
		// Fall back to line-based chunking
		return c.chunkByLines(file)
	}

	// Parse the file
	tree, err := c.parser.Parse(ctx, file.Content, file.Language)
	if err != nil {
		// Fall back to line-based chunking on parse error
		return c.chunkByLines(file)
	}

	// Extract context (package declaration, imports)
	fileContext := c.extractFileContext(tree, file.Content, file.Language)

	// Enrich context with file path marker for better embedding quality
	fileContext = c.enrichContextWithFilePath(file.Path, file.Language, fileContext)

	// Find symbol nodes (functions, classes, methods, types)
	symbolNodes := c.findSymbolNodes(tree, file.Language)

	if len(symbolNodes) == 0 {
		return nil, nil
	}

	// Classes/interfaces whose methods are also walked as their own symbol
	// nodes must not re-emit those method bytes inside the class's own
	// chunk: truncate the class body to its header so methods stay siblings.
	adjustContainerBoundaries(symbolNodes)

	// Create chunks from symbol nodes
	chunks := make([]*Chunk, 0, len(symbolNodes))
	now := time.Now()

	for _, node := range symbolNodes {
		nodeChunks := c.createChunksFromNode(node, tree, file, fileContext, now)
		chunks = append(chunks, nodeChunks...)
	}

	return chunks, nil
}

// symbolNodeInfo holds a symbol node with its extracted symbol info
type symbolNodeInfo struct {
	node   *Node
	symbol *Symbol

	// bodyEndByte bounds how much of node's source is included in this
	// entry's own chunk. Defaults to node.EndByte; truncated to the start
	// of the first nested symbol when one exists (see
	// adjustContainerBoundaries), so a class's own chunk covers only its
	// header/fields and its methods are emitted as sibling chunks.
	bodyEndByte uint32
}

// adjustContainerBoundaries truncates class/interface entries whose range
// contains other symbol entries (methods, nested types) so that their own
// chunk stops at the first nested symbol. Without this, a class small
// enough to ship as a single chunk would duplicate the same bytes already
// covered by its method chunks.
func adjustContainerBoundaries(symbolNodes []*symbolNodeInfo) {
	for _, info := range symbolNodes {
		info.bodyEndByte = info.node.EndByte

		if info.symbol.Type != SymbolTypeClass && info.symbol.Type != SymbolTypeInterface {
			continue
		}

		for _, other := range symbolNodes {
			if other == info {
				continue
			}
			if other.node.StartByte <= info.node.StartByte || other.node.StartByte >= info.node.EndByte {
				continue // not strictly nested inside info
			}
			if other.node.StartByte < info.bodyEndByte {
				info.bodyEndByte = other.node.StartByte
			}
		}
	}
}

// findSymbolNodes finds all top-level symbol-defining nodes
func (c *CodeChunker) findSymbolNodes(tree *Tree, language string) []*symbolNodeInfo {
	// Return empty slice, not nil, for consistent API behavior (DEBT-012)
	config, ok := c.registry.GetByName(language)
	if !ok {
		return []*symbolNodeInfo{}
	}

	var symbolNodes []*symbolNodeInfo

	// Build set of symbol-defining node types
	symbolTypes := make(map[string]SymbolType)
	for _, t := range config.FunctionTypes {
		symbolTypes[t] = SymbolTypeFunction
	}
	for _, t := range config.MethodTypes {
		symbolTypes[t] = SymbolTypeMethod
	}
	for _, t := range config.ClassTypes {
		symbolTypes[t] = SymbolTypeClass
	}
	for _, t := range config.InterfaceTypes {
		symbolTypes[t] = SymbolTypeInterface
	}
	for _, t := range config.TypeDefTypes {
		symbolTypes[t] = SymbolTypeType
	}
	for _, t := range config.ConstantTypes {
		symbolTypes[t] = SymbolTypeConstant
	}
	for _, t := range config.VariableTypes {
		symbolTypes[t] = SymbolTypeVariable
	}

	// Walk tree to find symbol nodes
	tree.Root.Walk(func(n *Node) bool {
		// For JS/TS lexical_declaration/variable_declaration, check for arrow functions first
		// Arrow functions should be typed as Function, not Constant
		if n.Type == "lexical_declaration" || n.Type == "variable_declaration" {
			sym := c.extractor.extractSpecialSymbol(n, tree.Source, language)
			if sym != nil {
				// It's an arrow function or function expression
				symbolNodes = append(symbolNodes, &symbolNodeInfo{
					node:   n,
					symbol: sym,
				})
				return true // Already handled, don't process as constant
			}
			// Not an arrow function - fall through to check as constant/variable
		}

		// Check if this is a symbol-defining node type
		if symType, isSymbol := symbolTypes[n.Type]; isSymbol {
			sym := c.extractSymbol(n, tree, symType, language)
			if sym != nil {
				symbolNodes = append(symbolNodes, &symbolNodeInfo{
					node:   n,
					symbol: sym,
				})
			}
		}
		return true
	})

	return symbolNodes
}

// extractSymbol extracts symbol info from a node
func (c *CodeChunker) extractSymbol(n *Node, tree *Tree, symType SymbolType, language string) *Symbol {
	config, _ := c.registry.GetByName(language)
	name := c.extractor.extractName(n, tree.Source, config, language)
	if name == "" {
		return nil
	}

	docComment := c.extractDocComment(n, tree.Source, language)

	return &Symbol{
		Name:       name,
		Type:       symType,
		StartLine:  int(n.StartPoint.Row) + 1,
		EndLine:    int(n.EndPoint.Row) + 1,
		DocComment: docComment,
	}
}

// extractDocComment extracts the leading comment block attached to a node.
//
// Scans upward, line by line, from the line before the node's start.
// Recognizes single-line comments (//, #) and block comments (/* ... */,
// /** ... */ and their `*`-prefixed continuation lines). While inside an
// unterminated block comment, a blank line is a continuation; outside a
// block comment, a blank line terminates the scan. The first non-comment,
// non-blank line (or file start) stops the scan, so a comment block is
// attributed to at most the symbol immediately following it.
func (c *CodeChunker) extractDocComment(n *Node, source []byte, language string) string {
	return extractLeadingDocComment(n, source, language)
}

// extractLeadingDocComment is the shared block-comment-aware doc-comment
// scanner used by both CodeChunker (chunk-level doc comments) and
// SymbolExtractor (per-symbol doc comments): the two must agree on what
// counts as a symbol's leading comment.
func extractLeadingDocComment(n *Node, source []byte, language string) string {
	lines := strings.Split(string(source), "\n")
	nodeLine := int(n.StartPoint.Row) // 0-indexed line of the node itself

	var commentLines []string
	inBlock := false

	for i := nodeLine - 1; i >= 0; i-- {
		raw := strings.TrimRight(lines[i], "\r")
		trimmed := strings.TrimSpace(raw)

		if inBlock {
			if trimmed == "" {
				// blank line inside a block comment is a continuation
				commentLines = append([]string{""}, commentLines...)
				continue
			}
			content := trimmed
			if idx := strings.Index(content, "/*"); idx != -1 {
				// this line opens the block we were scanning into
				content = strings.TrimSpace(content[idx+2:])
				content = strings.TrimPrefix(content, "*")
				commentLines = append([]string{strings.TrimSpace(content)}, commentLines...)
				inBlock = false
				continue
			}
			content = strings.TrimPrefix(content, "*")
			commentLines = append([]string{strings.TrimSpace(content)}, commentLines...)
			continue
		}

		if trimmed == "" {
			break // blank line outside a block comment terminates the scan
		}

		switch {
		case language == "python" && strings.HasPrefix(trimmed, "#"):
			commentLines = append([]string{strings.TrimPrefix(trimmed, "#")}, commentLines...)
		case strings.HasPrefix(trimmed, "//"):
			commentLines = append([]string{strings.TrimPrefix(trimmed, "//")}, commentLines...)
		case strings.HasSuffix(trimmed, "*/"):
			body := strings.TrimSuffix(trimmed, "*/")
			if openIdx := strings.Index(body, "/*"); openIdx != -1 {
				// self-contained single-line block comment: /* foo */
				commentLines = append([]string{strings.TrimSpace(body[openIdx+2:])}, commentLines...)
			} else {
				// closing line of a multi-line block; keep scanning upward
				commentLines = append([]string{strings.TrimSpace(body)}, commentLines...)
				inBlock = true
			}
		default:
			return joinDocComment(commentLines)
		}
	}

	return joinDocComment(commentLines)
}

func joinDocComment(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// createChunksFromNode creates one or more chunks from a symbol node.
// Content is bounded by info.bodyEndByte rather than node.EndByte so that a
// class/interface chunk never re-includes bytes already covered by its own
// nested method chunks (those are separate entries in the same symbol list).
func (c *CodeChunker) createChunksFromNode(info *symbolNodeInfo, tree *Tree, file *FileInput, fileContext string, now time.Time) []*Chunk {
	node := info.node
	endByte := info.bodyEndByte
	if endByte == 0 || endByte > node.EndByte {
		endByte = node.EndByte
	}
	rawContent := string(tree.Source[node.StartByte:endByte])
	effectiveEndLine := info.symbol.EndLine
	if endByte < node.EndByte {
		effectiveEndLine = bytePosToLine(tree.Source, endByte)
	}

	// Include doc comment in raw content if it exists
	rawContentWithDoc := rawContent
	if info.symbol.DocComment != "" {
		// Find where the doc comment is in the source
		rawContentWithDoc = c.getRawContentWithDocCommentRange(node, tree.Source, info.symbol.DocComment, endByte)
	}

	tokens := estimateTokens(rawContentWithDoc)

	symbol := info.symbol
	if effectiveEndLine != symbol.EndLine {
		headerSymbol := *symbol
		headerSymbol.EndLine = effectiveEndLine
		symbol = &headerSymbol
	}

	if tokens <= c.options.MaxChunkTokens {
		// Small enough to be a single chunk
		chunk := c.createChunk(file, rawContentWithDoc, fileContext, symbol, now)
		return []*Chunk{chunk}
	}

	// Need to split large symbol
	return c.splitLargeSymbol(info, symbol, rawContent, int(node.StartPoint.Row)+1, file, fileContext, now)
}

// bytePosToLine converts a byte offset into a 1-indexed line number.
func bytePosToLine(source []byte, pos uint32) int {
	line := 1
	for i := uint32(0); i < pos && i < uint32(len(source)); i++ {
		if source[i] == '\n' {
			line++
		}
	}
	return line
}

// getRawContentWithDocCommentRange returns source from the start of a
// node's leading comment block through endByte, which is node.EndByte for
// an ordinary symbol or a truncated header boundary for a class/interface
// whose methods are separate sibling chunks (see adjustContainerBoundaries).
func (c *CodeChunker) getRawContentWithDocCommentRange(n *Node, source []byte, docComment string, endByte uint32) string {
	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}

	docLines := strings.Count(docComment, "\n") + 1
	for i := 0; i < docLines && lineStart > 0; i++ {
		lineStart--
		for lineStart > 0 && source[lineStart-1] != '\n' {
			lineStart--
		}
	}

	return string(source[lineStart:endByte])
}

// splitLargeSymbol splits a large symbol into multiple chunks by line
// windows. Since adjustContainerBoundaries already truncates a
// class/interface's own content to its header (methods are separate sibling
// entries), this only triggers when the header itself, or a plain
// function/method body, exceeds MaxChunkTokens.
func (c *CodeChunker) splitLargeSymbol(info *symbolNodeInfo, symbol *Symbol, content string, startLine int, file *FileInput, fileContext string, now time.Time) []*Chunk {
	return c.splitByLines(content, symbol, file, fileContext, now, startLine)
}

// splitByLines splits content into line-based chunks with overlap
func (c *CodeChunker) splitByLines(content string, symbol *Symbol, file *FileInput, fileContext string, now time.Time, startLine int) []*Chunk {
	lines := strings.Split(content, "\n")
	// Return empty slice, not nil, for consistent API behavior (DEBT-012)
	if len(lines) == 0 {
		return []*Chunk{}
	}

	// Calculate lines per chunk (roughly)
	// TokensPerChar = 4, so ~128 chars = 32 tokens per line average
	// For 300 tokens, that's about 9-10 lines, but we'll use more conservative estimate
	maxLinesPerChunk := (c.options.MaxChunkTokens * TokensPerChar) / 80 // Assume 80 chars per line average
	if maxLinesPerChunk < 20 {
		maxLinesPerChunk = 20
	}

	overlapLines := (c.options.OverlapTokens * TokensPerChar) / 80
	if overlapLines < 2 {
		overlapLines = 2
	}

	var chunks []*Chunk
	for i := 0; i < len(lines); {
		end := i + maxLinesPerChunk
		if end > len(lines) {
			end = len(lines)
		}

		chunkContent := strings.Join(lines[i:end], "\n")
		chunkStartLine := startLine + i
		chunkEndLine := startLine + end - 1

		// Create a sub-symbol for this chunk
		subSymbol := &Symbol{
			Name:      fmt.Sprintf("%s_part%d", symbol.Name, len(chunks)+1),
			Type:      symbol.Type,
			StartLine: chunkStartLine,
			EndLine:   chunkEndLine,
		}

		// For the first chunk, also register the parent symbol.
		// This ensures queries for "Search method" can find split symbols
		// that are stored as "Search_part1", "Search_part2", etc.
		// (See RCA-013: Split Symbol Discovery)
		symbols := []*Symbol{subSymbol}
		if len(chunks) == 0 {
			// Add parent symbol to first chunk for discoverability
			parentSymbol := &Symbol{
				Name:      symbol.Name,
				Type:      symbol.Type,
				StartLine: symbol.StartLine,
				EndLine:   symbol.EndLine,
			}
			symbols = append(symbols, parentSymbol)
		}

		chunk := &Chunk{
			ID:          generateChunkID(file.Path, chunkStartLine, chunkEndLine, chunkContent),
			FilePath:    file.Path,
			Content:     combineContextAndContent(fileContext, chunkContent),
			RawContent:  chunkContent,
			Context:     fileContext,
			ContentType: ContentTypeCode,
			Language:    file.Language,
			StartLine:   chunkStartLine,
			EndLine:     chunkEndLine,
			Symbols:     symbols,
			Metadata:    make(map[string]string),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		chunks = append(chunks, chunk)

		// Move forward, accounting for overlap
		i = end - overlapLines
		if i <= 0 || end >= len(lines) {
			break
		}
	}

	return chunks
}

// createChunk creates a single chunk from content
func (c *CodeChunker) createChunk(file *FileInput, rawContent, fileContext string, symbol *Symbol, now time.Time) *Chunk {
	return &Chunk{
		ID:          generateChunkID(file.Path, symbol.StartLine, symbol.EndLine, rawContent),
		FilePath:    file.Path,
		Content:     combineContextAndContent(fileContext, rawContent),
		RawContent:  rawContent,
		Context:     fileContext,
		ContentType: ContentTypeCode,
		Language:    file.Language,
		StartLine:   symbol.StartLine,
		EndLine:     symbol.EndLine,
		Symbols:     []*Symbol{symbol},
		Metadata:    make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// extractFileContext extracts package declaration and imports from a file
func (c *CodeChunker) extractFileContext(tree *Tree, source []byte, language string) string {
	var parts []string

	switch language {
	case "go":
		parts = c.extractGoContext(tree, source)
	case "typescript", "tsx":
		parts = c.extractTSContext(tree, source)
	case "javascript", "jsx":
		parts = c.extractJSContext(tree, source)
	case "python":
		parts = c.extractPythonContext(tree, source)
	}

	return strings.Join(parts, "\n\n")
}

func (c *CodeChunker) extractGoContext(tree *Tree, source []byte) []string {
	var parts []string

	// Find package clause
	for _, node := range tree.Root.Children {
		if node.Type == "package_clause" {
			parts = append(parts, node.GetContent(source))
			break
		}
	}

	// Find import declarations
	for _, node := range tree.Root.Children {
		if node.Type == "import_declaration" {
			parts = append(parts, node.GetContent(source))
		}
	}

	return parts
}

func (c *CodeChunker) extractTSContext(tree *Tree, source []byte) []string {
	return c.extractJSContext(tree, source) // Same for TS/TSX
}

func (c *CodeChunker) extractJSContext(tree *Tree, source []byte) []string {
	var parts []string

	// Find import statements
	for _, node := range tree.Root.Children {
		if node.Type == "import_statement" {
			parts = append(parts, node.GetContent(source))
		}
	}

	return parts
}

func (c *CodeChunker) extractPythonContext(tree *Tree, source []byte) []string {
	var parts []string

	// Find import statements
	for _, node := range tree.Root.Children {
		if node.Type == "import_statement" || node.Type == "import_from_statement" {
			parts = append(parts, node.GetContent(source))
		}
	}

	return parts
}

// chunkByLines is the fallback for unsupported languages
func (c *CodeChunker) chunkByLines(file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	lines := strings.Split(content, "\n")
	linesPerChunk := 128 // ~512 tokens at 4 chars per token, 80 chars per line
	overlapLines := 16   // ~64 tokens overlap

	var chunks []*Chunk
	now := time.Now()

	for i := 0; i < len(lines); {
		end := i + linesPerChunk
		if end > len(lines) {
			end = len(lines)
		}

		chunkContent := strings.Join(lines[i:end], "\n")
		startLine := i + 1 // 1-indexed
		endLine := end     // Inclusive

		chunk := &Chunk{
			ID:          generateChunkID(file.Path, startLine, endLine, chunkContent),
			FilePath:    file.Path,
			Content:     chunkContent,
			RawContent:  chunkContent,
			Context:     "",
			ContentType: ContentTypeText,
			Language:    file.Language,
			StartLine:   startLine,
			EndLine:     endLine,
			Symbols:     nil,
			Metadata:    make(map[string]string),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		chunks = append(chunks, chunk)

		// Move forward with overlap
		i = end - overlapLines
		if i <= 0 || end >= len(lines) {
			break
		}
	}

	return chunks, nil
}

// generateChunkID derives the document ID for a chunk:
// "chunk_" + first_16_hex(sha256(relative_path + ":" + start_line + ":" + end_line + ":" + content)).
//
// Properties:
//   - Same path/lines/content = same ID (idempotent re-indexing)
//   - A line shift (e.g. an edit above the chunk) changes the ID, so the
//     old document is retired and a new one embedded rather than silently
//     reused against stale position metadata.
//   - Same content at different positions or in different files = different IDs
func generateChunkID(filePath string, startLine, endLine int, content string) string {
	input := fmt.Sprintf("%s:%d:%d:%s", filePath, startLine, endLine, content)
	hash := sha256.Sum256([]byte(input))
	return "chunk_" + hex.EncodeToString(hash[:])[:16]
}

// estimateTokens estimates the number of tokens in content
func estimateTokens(content string) int {
	return len(content) / TokensPerChar
}

// combineContextAndContent combines context and raw content into full content
func combineContextAndContent(context, rawContent string) string {
	if context == "" {
		return rawContent
	}
	return context + "\n\n" + rawContent
}

// enrichContextWithFilePath prepends a file path marker to the context.
// This helps embedding models understand file location and scope.
// The marker format is language-appropriate (// for Go/JS/TS, # for Python).
func (c *CodeChunker) enrichContextWithFilePath(filePath, language, existingContext string) string {
	if filePath == "" {
		return existingContext
	}

	// Use language-appropriate comment syntax
	var marker string
	switch language {
	case "python":
		marker = fmt.Sprintf("# File: %s", filePath)
	default:
		// Go, TypeScript, JavaScript, etc. use //
		marker = fmt.Sprintf("// File: %s", filePath)
	}

	if existingContext == "" {
		return marker
	}
	return marker + "\n" + existingContext
}
