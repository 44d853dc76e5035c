package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Harvey-AU/docpipe/internal/config"
	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/Harvey-AU/docpipe/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func ingestCmd(cfgFn func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Upload files to storage and queue them for processing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cfgFn()
			if err := cfg.DB.Validate(); err != nil {
				return err
			}
			if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
				return fmt.Errorf("storage not configured: set SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
			}
			ctx := cmd.Context()

			pool := db.NewPoolManager(cfg.DB)
			if err := pool.Initialize(ctx); err != nil {
				return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
			}
			defer pool.ClosePool()

			in := ingester{
				bucket:  cfg.StorageBucket,
				storage: storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.HTTPTimeout),
				docs:    db.NewDocumentStore(pool),
				queue:   db.NewJobQueue(pool),
			}
			for _, path := range args {
				jobID, err := in.ingest(ctx, path)
				if err != nil {
					return fmt.Errorf("ingest %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", jobID, path)
			}
			return nil
		},
	}
}

type ingester struct {
	bucket  string
	storage *storage.Client
	docs    *db.DocumentStore
	queue   *db.JobQueue
}

func (in ingester) ingest(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	fileName := filepath.Base(path)
	mimeType := detectMimeType(fileName, data)
	objectPath := fmt.Sprintf("%s/%s/%s", time.Now().UTC().Format("2006/01/02"), uuid.NewString(), fileName)

	if _, err := in.storage.Upload(ctx, in.bucket, objectPath, data, mimeType); err != nil {
		return "", err
	}

	docID, err := in.docs.CreateDocument(ctx, objectPath, fileName, mimeType)
	if err != nil {
		in.cleanup(objectPath)
		return "", err
	}
	jobID, err := in.queue.CreateJob(ctx, docID)
	if err != nil {
		in.cleanup(objectPath)
		return "", err
	}

	log.Info().
		Str("document_id", docID).
		Str("job_id", jobID).
		Str("mime_type", mimeType).
		Int("bytes", len(data)).
		Msg("Document queued")
	return jobID, nil
}

// cleanup removes an uploaded object whose rows could not be written.
func (in ingester) cleanup(objectPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := in.storage.Delete(ctx, in.bucket, objectPath); err != nil {
		log.Warn().Err(err).Str("path", objectPath).Msg("Failed to remove orphaned upload")
	}
}

func detectMimeType(fileName string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(fileName)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
