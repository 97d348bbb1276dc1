package api

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/logsift/logsift/pkg/vector"
)

// templateFiles maps the data-dir CSV names to their OS keys.
var templateFiles = map[string]string{
	"Linux_2k.log_templates.csv":   "linux",
	"Mac_2k.log_templates.csv":     "macos",
	"Windows_2k.log_templates.csv": "windows",
}

// IngestTemplates loads an EventId,EventTemplate CSV into the OS's template
// collection. The body is the CSV; os= names the target collection.
func (s *Server) IngestTemplates(c *gin.Context) {
	if s.store == nil {
		unavailable(c, "vector store")
		return
	}
	osKey := vector.NormalizeOS(c.Query("os"))
	if c.Query("os") == "" || osKey == "unknown" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "os query parameter is required"})
		return
	}

	count, err := s.ingestTemplateCSV(c.Request.Context(), osKey, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"os": osKey, "templates": count})
}

// SeedTemplates loads every known template CSV found in dataDir. Missing
// files are skipped; a fresh deployment simply starts without seeds.
func (s *Server) SeedTemplates(ctx context.Context, dataDir string) error {
	if dataDir == "" || s.store == nil {
		return nil
	}
	for file, osKey := range templateFiles {
		f, err := os.Open(filepath.Join(dataDir, file))
		if err != nil {
			continue
		}
		count, err := s.ingestTemplateCSV(ctx, osKey, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("seed %s: %w", file, err)
		}
		slog.Info("Seeded templates", "os", osKey, "file", file, "count", count)
	}
	return nil
}

// ingestTemplateCSV reads EventId,EventTemplate rows and upserts them into
// the OS's template collection keyed by event id.
func (s *Server) ingestTemplateCSV(ctx context.Context, osKey string, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read csv header: %w", err)
	}
	idCol, templateCol := -1, -1
	for i, name := range header {
		switch name {
		case "EventId":
			idCol = i
		case "EventTemplate":
			templateCol = i
		}
	}
	if idCol < 0 || templateCol < 0 {
		return 0, fmt.Errorf("csv must have EventId and EventTemplate columns")
	}

	var ids, documents []string
	var metadatas []map[string]any
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read csv row: %w", err)
		}
		if idCol >= len(record) || templateCol >= len(record) || record[templateCol] == "" {
			continue
		}
		ids = append(ids, record[idCol])
		documents = append(documents, record[templateCol])
		metadatas = append(metadatas, map[string]any{"os": osKey, "event_id": record[idCol]})
	}
	if len(ids) == 0 {
		return 0, nil
	}

	collection, err := s.store.Collection(ctx, s.names.Templates(osKey))
	if err != nil {
		return 0, err
	}
	if err := collection.Upsert(ctx, ids, documents, nil, metadatas); err != nil {
		return 0, err
	}
	return len(ids), nil
}
