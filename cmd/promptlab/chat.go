package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MegaGrindStone/prompt-lab/internal/models"
	"github.com/MegaGrindStone/prompt-lab/internal/session"
	"github.com/MegaGrindStone/prompt-lab/internal/stream"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	chatModel  string
	chatSearch bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the relay from the terminal",
	Long: `Start an interactive chat. Every line read from stdin is sent as a user message
and the answer is printed while it streams. The history is kept in memory for the
duration of the command.

Type /exit to quit.

Examples:
  promptlab chat
  promptlab chat --model openai/gpt-5 --search`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		if cfg.Client.Token == "" {
			return fmt.Errorf("client token is required (set client.token or %s)", envClientToken)
		}

		logger := cfg.logger(os.Stderr)
		client := stream.NewClient(cfg.Client.RelayURL, stream.StaticToken(cfg.Client.Token), logger,
			stream.WithAPIKey(cfg.Client.APIKey),
			stream.WithIdleTimeout(cfg.Client.IdleTimeout),
		)

		return runChat(cmd.Context(), client, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatModel, "model", "", "Model to request (the relay falls back to its default)")
	chatCmd.Flags().BoolVar(&chatSearch, "search", false, "Use the search persona")
}

func runChat(ctx context.Context, streamer session.Streamer, in io.Reader, out io.Writer, logger *slog.Logger) error {
	printer := &deltaPrinter{w: out}
	sess := session.New(uuid.New().String(), nil, streamer, logger,
		session.WithModel(chatModel),
		session.WithSearchMode(chatSearch),
		session.WithOnDelta(printer.print),
	)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit":
			return nil
		}

		printer.reset()
		_, err := sess.Send(ctx, []models.Content{models.TextContent(line)})
		fmt.Fprintln(out)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			return nil
		default:
			fmt.Fprintf(out, "error: %s\n", err)
		}
	}
}

// deltaPrinter writes only the part of the accumulated text not yet printed.
type deltaPrinter struct {
	w       io.Writer
	printed int
}

func (p *deltaPrinter) print(text string) {
	if len(text) <= p.printed {
		return
	}
	fmt.Fprint(p.w, text[p.printed:])
	p.printed = len(text)
}

func (p *deltaPrinter) reset() {
	p.printed = 0
}
