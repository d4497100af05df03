package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
)

const maxImportLine = 16 << 20

var (
	importWorkers   int
	importBatchSize int
)

func init() {
	importCmd.Flags().IntVar(&importWorkers, "workers", 0, "concurrent batches (0 uses import.workers)")
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 0, "documents per batch (0 uses import.batchSize)")
	rootCmd.AddCommand(importCmd)
}

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl|->",
	Short: "Bulk import documents from a JSONL file",
	Long: `Bulk import documents, one JSON ingest request per line:

  {"title": "...", "content": "...", "url": "...", "metadata": {...}}

Documents with a URL already in the index are updated in place. Malformed
lines are reported and skipped. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening import file: %w", err)
			}
			defer f.Close()
			in = f
		}

		e, err := openEnv(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer e.Close()

		workers := importWorkers
		if workers <= 0 {
			workers = e.cfg.Import.Workers
		}
		batchSize := importBatchSize
		if batchSize <= 0 {
			batchSize = e.cfg.Import.BatchSize
		}

		summary, err := runImport(cmd.Context(), in, e.indexService(), workers, batchSize)
		if perr := printJSON(summary); perr != nil && err == nil {
			err = perr
		}
		if err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d documents failed to import", summary.Failed)
		}
		return nil
	},
}

// batchIngester is the part of the Index Service an import drives.
type batchIngester interface {
	IngestBatch(ctx context.Context, reqs []ingestion.IngestRequest) []ingestion.BatchItemResult
}

type importFailure struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

type importSummary struct {
	Lines    int             `json:"lines"`
	Created  int             `json:"created"`
	Updated  int             `json:"updated"`
	Failed   int             `json:"failed"`
	Failures []importFailure `json:"failures,omitempty"`
}

type importBatch struct {
	lines []int
	reqs  []ingestion.IngestRequest
}

// runImport reads JSONL ingest requests from r and ingests them in batches
// of batchSize on a pool of workers goroutines. Blank lines are skipped.
// The returned error is only set when reading r fails or ctx ends.
func runImport(ctx context.Context, r io.Reader, ing batchIngester, workers, batchSize int) (importSummary, error) {
	if workers < 1 {
		workers = 1
	}
	if batchSize < 1 {
		batchSize = 1
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return importSummary{}, fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		summary importSummary
	)
	fail := func(line int, msg string) {
		summary.Failed++
		summary.Failures = append(summary.Failures, importFailure{Line: line, Error: msg})
	}

	submit := func(b importBatch) error {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results := ing.IngestBatch(ctx, b.reqs)
			mu.Lock()
			defer mu.Unlock()
			for _, res := range results {
				switch res.Status {
				case ingestion.StatusCreated:
					summary.Created++
				case ingestion.StatusUpdated:
					summary.Updated++
				default:
					fail(b.lines[res.Index], res.Error)
				}
			}
		})
		if err != nil {
			wg.Done()
		}
		return err
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)
	var (
		batch   importBatch
		lineNo  int
		loopErr error
	)
	for scanner.Scan() {
		if loopErr = ctx.Err(); loopErr != nil {
			break
		}
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req ingestion.IngestRequest
		if err := json.Unmarshal(line, &req); err != nil {
			mu.Lock()
			summary.Lines++
			fail(lineNo, fmt.Sprintf("malformed JSON: %v", err))
			mu.Unlock()
			continue
		}
		mu.Lock()
		summary.Lines++
		mu.Unlock()

		batch.lines = append(batch.lines, lineNo)
		batch.reqs = append(batch.reqs, req)
		if len(batch.reqs) == batchSize {
			if loopErr = submit(batch); loopErr != nil {
				break
			}
			batch = importBatch{}
		}
	}
	if loopErr == nil {
		loopErr = scanner.Err()
	}
	if loopErr == nil && len(batch.reqs) > 0 {
		loopErr = submit(batch)
	}
	wg.Wait()

	slog.Info("import finished",
		"lines", summary.Lines,
		"created", summary.Created,
		"updated", summary.Updated,
		"failed", summary.Failed,
	)
	return summary, loopErr
}
