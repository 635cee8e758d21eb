package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/archivesearch/core/internal/relstore"
	"github.com/archivesearch/core/internal/retrieval"
)

func runSearch(cmd *cobra.Command, args []string) error {
	queryStr := strings.Join(args, " ")

	pipeline, closeAll, err := openPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	filters := relstore.LexicalFilters{FromAddrs: fromAddrs}

	fmt.Fprintf(os.Stderr, "Searching...")
	result, err := pipeline.Search(cmd.Context(), tenantID, queryStr, filters, searchLimit, searchOffs)
	fmt.Fprintf(os.Stderr, "\r            \r")
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(result.Results) == 0 {
		fmt.Println("No messages found.")
		return nil
	}

	if searchJSON {
		return outputSearchResultsJSON(result)
	}
	return outputSearchResultsTable(result)
}

func outputSearchResultsTable(result *retrieval.SearchResult) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tDATE\tFROM\tSUBJECT\tSNIPPET")
	fmt.Fprintln(w, "─────\t────\t────\t───────\t───────")

	for _, r := range result.Results {
		date := r.SentAt.Format("2006-01-02")
		from := truncate(r.FromEmail, 30)
		subject := truncate(r.Subject, 40)
		snippet := truncate(strings.ReplaceAll(r.Snippet, "\n", " "), 60)
		fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\t%s\n", r.Score, date, from, subject, snippet)
	}

	w.Flush()
	fmt.Printf("\nShowing %d of %d results (%dms, expanded to: %s)\n",
		len(result.Results), result.Total, result.ElapsedMS, strings.Join(result.ExpandedQueries, " | "))
	return nil
}

func outputSearchResultsJSON(result *retrieval.SearchResult) error {
	output := make([]map[string]interface{}, len(result.Results))
	for i, r := range result.Results {
		output[i] = map[string]interface{}{
			"message_id": r.MessageID,
			"subject":    r.Subject,
			"snippet":    r.Snippet,
			"from_email": r.FromEmail,
			"from_name":  r.FromName,
			"sent_at":    r.SentAt.Format(time.RFC3339),
			"score":      r.Score,
			"breakdown": map[string]float64{
				"lexical": r.Breakdown.Lex,
				"dense":   r.Breakdown.Vec,
				"rerank":  r.Breakdown.Rerank,
			},
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"total":            result.Total,
		"elapsed_ms":       result.ElapsedMS,
		"expanded_queries": result.ExpandedQueries,
		"results":          output,
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
