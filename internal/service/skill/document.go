package skill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

type attachmentsContextKey struct{}

// WithAttachments records the file references attached to the message being
// answered, bounding what the document reader may open.
func WithAttachments(ctx context.Context, paths []string) context.Context {
	if len(paths) == 0 {
		return ctx
	}
	copied := make([]string, len(paths))
	copy(copied, paths)
	return context.WithValue(ctx, attachmentsContextKey{}, copied)
}

// AttachmentsFromContext returns the attached file references, if any.
func AttachmentsFromContext(ctx context.Context) []string {
	paths, _ := ctx.Value(attachmentsContextKey{}).([]string)
	return paths
}

const (
	docChunkSizeDefault = 2000
	docChunkSizeMax     = 4000
)

// documentReader loads attached documents and serves them in small chunks.
type documentReader struct {
	loader *file.FileLoader
	info   *schema.ToolInfo
}

type documentReaderParams struct {
	Path       string `json:"path"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
}

func newDocumentReader() Skill {
	parserExt, err := parser.NewExtParser(context.Background(), &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		log.Printf("document reader disabled: %v", err)
		return nil
	}
	loader, err := file.NewFileLoader(context.Background(), &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		log.Printf("document reader disabled: %v", err)
		return nil
	}
	return &documentReader{
		loader: loader,
		info: &schema.ToolInfo{
			Name: "read_document",
			Desc: "Read a document attached to the current message in small chunks. Provide the path (and optional chunk_index / chunk_size) to fetch a specific segment.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"path": {
					Desc:     "Path of the attached file to read, as listed in the message.",
					Type:     schema.String,
					Required: true,
				},
				"chunk_index": {
					Desc:     "Zero-based chunk index to read, default 0.",
					Type:     schema.Integer,
					Required: false,
				},
				"chunk_size": {
					Desc:     "Number of characters per chunk (max 4000, default 2000).",
					Type:     schema.Integer,
					Required: false,
				},
			}),
		},
	}
}

func (d *documentReader) Name() string           { return "read_document" }
func (d *documentReader) DisplayName() string    { return "Document Reader" }
func (d *documentReader) Info() *schema.ToolInfo { return d.info }

func (d *documentReader) Invoke(ctx context.Context, args string) (string, error) {
	var params documentReaderParams
	if args != "" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			return "", fmt.Errorf("decode document params: %w", err)
		}
	}
	if params.Path == "" {
		return "", errors.New("path is required")
	}
	attached := AttachmentsFromContext(ctx)
	if len(attached) == 0 {
		return "", errors.New("no documents attached to this message")
	}
	var target string
	for _, p := range attached {
		if p == params.Path {
			target = p
			break
		}
	}
	if target == "" {
		return "", errors.New("file not attached to the current message")
	}

	docs, err := d.loader.Load(ctx, document.Source{URI: target})
	if err != nil {
		return "", fmt.Errorf("load file: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return "", errors.New("file has no readable text content")
	}

	chunkSize := params.ChunkSize
	if chunkSize <= 0 || chunkSize > docChunkSizeMax {
		chunkSize = docChunkSizeDefault
	}
	chunkIndex := params.ChunkIndex
	if chunkIndex < 0 {
		chunkIndex = 0
	}
	runes := []rune(text)
	totalChunks := (len(runes) + chunkSize - 1) / chunkSize
	if chunkIndex >= totalChunks {
		chunkIndex = totalChunks - 1
	}
	start := chunkIndex * chunkSize
	end := start + chunkSize
	if end > len(runes) {
		end = len(runes)
	}
	segment := string(runes[start:end])
	return fmt.Sprintf("File: %s\nChunk %d/%d\n\n%s", target, chunkIndex+1, totalChunks, segment), nil
}
