package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tn-legal-rag/internal/app"
	"tn-legal-rag/internal/models"
	"tn-legal-rag/internal/pipeline"
	"tn-legal-rag/internal/processor"
)

var (
	ingestPDF       string
	ingestHTML      string
	ingestTitle     string
	ingestSourceURL string
	ingestCategory  string
	ingestLanguage  string
	ingestAdvance   bool
)

// cliActor is the audit identity of documents ingested from the terminal
var cliActor = models.Actor{ID: "cli", Role: models.RoleAdmin}

var ingestCmd = &cobra.Command{
	Use:   "ingest --pdf file | --html file",
	Short: "Add a document to the pipeline",
	Long: `Extracts the text of a PDF or a saved HTML page and creates a discovered document.
With --advance the document is classified, quality scored, chunked and embedded, and left
pending review for an administrator.`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestPDF, "pdf", "", "path to a PDF file")
	f.StringVar(&ingestHTML, "html", "", "path to a saved HTML page")
	f.StringVar(&ingestTitle, "title", "", "document title (defaults to the page title or file name)")
	f.StringVar(&ingestSourceURL, "source-url", "", "where the document was published")
	f.StringVar(&ingestCategory, "category", "", "category hint for the classifier")
	f.StringVar(&ingestLanguage, "lang", "", "ar, fr or mixed (detected when empty)")
	f.BoolVar(&ingestAdvance, "advance", false, "drive the document up to pending review")
	ingestCmd.MarkFlagsMutuallyExclusive("pdf", "html")
	ingestCmd.MarkFlagsOneRequired("pdf", "html")
}

func extract() (title, text string, err error) {
	if ingestPDF != "" {
		text, err = processor.ExtractPDF(ingestPDF)
		title = strings.TrimSuffix(filepath.Base(ingestPDF), filepath.Ext(ingestPDF))
		return title, text, err
	}
	f, err := os.Open(ingestHTML)
	if err != nil {
		return "", "", fmt.Errorf("failed to open HTML file: %w", err)
	}
	defer f.Close()
	page, err := processor.ExtractHTML(f, ingestSourceURL)
	if err != nil {
		return "", "", err
	}
	title = page.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(ingestHTML), filepath.Ext(ingestHTML))
	}
	return title, page.Markdown, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	start := time.Now()
	title, text, err := extract()
	if err != nil {
		return err
	}
	if ingestTitle != "" {
		title = ingestTitle
	}
	logger.Info("extracted document text",
		zap.String("title", title),
		zap.Int("chars", len(text)),
		zap.Duration("duration", time.Since(start)))

	return withApp(cmd.Context(), func(a *app.App) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		doc, err := a.Pipeline.CreateDocument(ctx, cliActor, pipeline.NewDocument{
			Title:     title,
			FullText:  text,
			SourceURL: ingestSourceURL,
			Category:  ingestCategory,
			Language:  models.Language(ingestLanguage),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %s (%s)\n", doc.ID, doc.PipelineStage)

		if !ingestAdvance {
			return nil
		}
		res, err := a.Pipeline.AutoAdvance(ctx, cliActor, doc.ID)
		if err != nil {
			return err
		}
		for _, st := range res.Advanced {
			fmt.Fprintf(out, "  -> %s\n", st)
		}
		if res.StoppedAt != models.StagePendingReview {
			return fmt.Errorf("document %s stopped at %s: [%s] %s", doc.ID, res.StoppedAt, res.Code, res.Reason)
		}
		fmt.Fprintf(out, "%s: awaiting review\n", doc.ID)
		return nil
	})
}
