package build

import (
	"context"
	"regexp"
	"strings"

	"buildforge/internal/hub"
	"buildforge/internal/store"
)

// Materializer turns an agent's text output into persisted project files.
type Materializer interface {
	Materialize(ctx context.Context, buildID, agentRole, content string) error
}

// codeBlockMaterializer extracts fenced code blocks from agent output. A
// block's path comes from a preceding "File: <path>" line or from the fence
// info string ("```go cmd/main.go"). Blocks without a resolvable path are
// skipped rather than guessed.
type codeBlockMaterializer struct {
	store *store.Store
	hub   *hub.Hub
}

// NewCodeBlockMaterializer creates the default materializer.
func NewCodeBlockMaterializer(s *store.Store, h *hub.Hub) Materializer {
	return &codeBlockMaterializer{store: s, hub: h}
}

var (
	fileLineRe = regexp.MustCompile(`(?i)^(?:\*\*)?(?:file|path|filename):?\s*` + "`?" + `([\w./\-]+)` + "`?")
	fenceRe    = regexp.MustCompile("^```([\\w+-]*)\\s*([\\w./\\-]*)\\s*$")
)

type extractedFile struct {
	path     string
	language string
	content  string
}

func (m *codeBlockMaterializer) Materialize(ctx context.Context, buildID, agentRole, content string) error {
	files := extractFiles(content)
	if len(files) == 0 {
		return nil
	}

	existing, err := m.store.ListFiles(ctx, buildID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, f := range existing {
		known[f.Path] = true
	}

	for _, file := range files {
		eventType := hub.EventFileCreated
		if known[file.path] {
			eventType = hub.EventFileUpdated
		}
		known[file.path] = true

		if err := m.store.UpsertFile(ctx, &store.FileRecord{
			BuildID:   buildID,
			Path:      file.path,
			Content:   file.content,
			Language:  file.language,
			AgentRole: agentRole,
		}); err != nil {
			return err
		}
		m.hub.Publish(hub.Event{
			Type:      eventType,
			BuildID:   buildID,
			AgentRole: agentRole,
			Message:   file.path,
			Data:      map[string]any{"language": file.language, "bytes": len(file.content)},
		})
	}
	return nil
}

// extractFiles scans agent output for path-annotated fenced code blocks.
func extractFiles(content string) []extractedFile {
	lines := strings.Split(content, "\n")
	var files []extractedFile

	var pendingPath string
	inBlock := false
	var blockPath, blockLang string
	var blockLines []string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if inBlock {
			if strings.HasPrefix(trimmed, "```") {
				if blockPath != "" && len(blockLines) > 0 {
					files = append(files, extractedFile{
						path:     blockPath,
						language: blockLang,
						content:  strings.Join(blockLines, "\n"),
					})
				}
				inBlock = false
				blockLines = nil
				pendingPath = ""
				continue
			}
			blockLines = append(blockLines, line)
			continue
		}

		if match := fenceRe.FindStringSubmatch(trimmed); match != nil {
			inBlock = true
			blockLang = match[1]
			blockPath = match[2]
			if blockPath == "" {
				blockPath = pendingPath
			}
			continue
		}

		if match := fileLineRe.FindStringSubmatch(trimmed); match != nil {
			pendingPath = match[1]
		}
	}
	return files
}
