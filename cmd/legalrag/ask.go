package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"tn-legal-rag/internal/answer"
	"tn-legal-rag/internal/app"
	"tn-legal-rag/internal/models"
)

var (
	askQuestion    string
	askInteractive bool
	askStream      bool
	askLang        string
	askStance      string
	askDomain      string
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Ask a legal question from the terminal",
	Args:  cobra.NoArgs,
	RunE:  runAsk,
}

func init() {
	f := askCmd.Flags()
	f.StringVarP(&askQuestion, "question", "q", "", "question to answer (non-interactive mode)")
	f.BoolVarP(&askInteractive, "interactive", "i", false, "run in interactive mode")
	f.BoolVar(&askStream, "stream", false, "print the answer as it is generated")
	f.StringVar(&askLang, "lang", "", "answer language: ar or fr (detected when empty)")
	f.StringVar(&askStance, "stance", "", "neutral, defense or attack")
	f.StringVar(&askDomain, "domain", "", "restrict retrieval to one legal domain")
}

func runAsk(cmd *cobra.Command, args []string) error {
	if !askInteractive && strings.TrimSpace(askQuestion) == "" {
		return fmt.Errorf("a question is required in non-interactive mode, use -q \"...\"")
	}
	return withApp(cmd.Context(), func(a *app.App) error {
		out := cmd.OutOrStdout()
		base := answer.Request{
			Language: models.Language(askLang),
			Stance:   models.Stance(askStance),
			Filters:  models.Filters{Domain: askDomain},
		}
		if !askInteractive {
			req := base
			req.Question = askQuestion
			return ask(cmd.Context(), a.Composer, out, req, askStream)
		}
		return interactive(cmd.Context(), a.Composer, cmd.InOrStdin(), out, base)
	})
}

func interactive(ctx context.Context, c *answer.Composer, in io.Reader, out io.Writer, base answer.Request) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "Assistant juridique / المساعد القانوني - type 'exit' to quit, /domain or /stance to change filters")

	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch lower := strings.ToLower(input); {
		case input == "":
			continue
		case lower == "exit" || lower == "quit":
			return nil
		case strings.HasPrefix(lower, "/domain"):
			base.Filters.Domain = strings.TrimSpace(input[len("/domain"):])
			fmt.Fprintf(out, "domain filter: %q\n", base.Filters.Domain)
			continue
		case strings.HasPrefix(lower, "/stance"):
			base.Stance = models.Stance(strings.TrimSpace(input[len("/stance"):]))
			fmt.Fprintf(out, "stance: %q\n", base.Stance)
			continue
		}

		req := base
		req.Question = input
		if err := ask(ctx, c, out, req, askStream); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func ask(ctx context.Context, c *answer.Composer, out io.Writer, req answer.Request, stream bool) error {
	if !stream {
		ans, err := c.Answer(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatAnswer(ans))
		return nil
	}

	return c.Stream(ctx, req, func(ev models.StreamEvent) error {
		switch ev.Type {
		case models.EventProgress:
			fmt.Fprint(out, "... ")
		case models.EventMetadata:
			fmt.Fprint(out, "\r")
		case models.EventChunk:
			fmt.Fprint(out, ev.Text)
		case models.EventDone:
			if ev.Answer != nil && ev.Answer.Abstained {
				fmt.Fprintln(out, "\r"+ev.Answer.Answer)
				return nil
			}
			fmt.Fprintln(out)
			if ev.Answer != nil {
				fmt.Fprint(out, formatSources(ev.Answer.Sources))
			}
		case models.EventError:
			fmt.Fprintf(out, "\n[%s] %s\n", ev.Code, ev.Message)
		}
		return nil
	})
}

func formatAnswer(ans *models.Answer) string {
	var sb strings.Builder
	sb.WriteString(ans.Answer)
	sb.WriteString("\n")
	if !ans.Abstained {
		sb.WriteString(fmt.Sprintf("\n(confidence %.2f", ans.Confidence))
		if ans.Provider != "" {
			sb.WriteString(", " + ans.Provider)
		}
		sb.WriteString(")\n")
	}
	sb.WriteString(formatSources(ans.Sources))
	return sb.String()
}

func formatSources(sources []models.ChatSource) string {
	if len(sources) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\nSources:\n")
	for _, s := range sources {
		title := s.Title
		if title == "" {
			title = "N/A"
		}
		sb.WriteString(fmt.Sprintf("  [%s] %s\n", s.Label, title))
	}
	return sb.String()
}
