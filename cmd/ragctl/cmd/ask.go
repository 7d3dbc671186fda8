package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

type askOptions struct {
	apiURL         string
	conversationID string
	kLexical       int
	kVector        int
	fusionWeight   float64
	rerankTopN     int
	raw            bool
}

func newAskCmd() *cobra.Command {
	opts := askOptions{}

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Stream a grounded answer from the API",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"question": strings.Join(args, " ")}
			if opts.conversationID != "" {
				body["conversation_id"] = opts.conversationID
			}
			flags := cmd.Flags()
			if flags.Changed("k-lexical") {
				body["k_lexical"] = opts.kLexical
			}
			if flags.Changed("k-vector") {
				body["k_vector"] = opts.kVector
			}
			if flags.Changed("fusion-weight") {
				body["fusion_weight"] = opts.fusionWeight
			}
			if flags.Changed("rerank-top-n") {
				body["rerank_top_n"] = opts.rerankTopN
			}
			return runAsk(cmd.Context(), http.DefaultClient, opts.apiURL, body, opts.raw, cmd.OutOrStdout())
		},
	}

	defaultAPI := os.Getenv("RAGCTL_API_URL")
	if defaultAPI == "" {
		defaultAPI = "http://localhost:8080"
	}
	cmd.Flags().StringVar(&opts.apiURL, "api", defaultAPI, "Base URL of the API server")
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "Conversation id for follow-up questions")
	cmd.Flags().IntVar(&opts.kLexical, "k-lexical", 0, "Lexical candidates (0 disables lexical retrieval)")
	cmd.Flags().IntVar(&opts.kVector, "k-vector", 0, "Vector candidates (0 disables vector retrieval)")
	cmd.Flags().Float64Var(&opts.fusionWeight, "fusion-weight", 0, "Weight of the vector score in [0,1]")
	cmd.Flags().IntVar(&opts.rerankTopN, "rerank-top-n", 0, "Candidates sent to the reranker (0 skips it)")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "Print raw stream events as JSON lines")

	return cmd
}

func runAsk(ctx context.Context, client *http.Client, apiURL string, body map[string]any, raw bool, out io.Writer) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiURL, "/")+"/v1/query", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		return fmt.Errorf("api returned %d: %s", resp.StatusCode, apiErr.Error)
	}

	var sources []domain.SourceCitation
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		if raw {
			if _, err := fmt.Fprintln(out, data); err != nil {
				return err
			}
		}

		var ev domain.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		switch ev.Type {
		case domain.EventSource:
			if ev.Source != nil {
				sources = append(sources, *ev.Source)
			}
		case domain.EventToken:
			if !raw {
				if _, err := io.WriteString(out, ev.Token); err != nil {
					return err
				}
			}
		case domain.EventError:
			if ev.Error == nil {
				return errors.New("query failed")
			}
			return fmt.Errorf("query failed: %s: %s", ev.Error.Kind, ev.Error.Message)
		case domain.EventEnd:
			if !raw {
				printSources(out, sources)
			}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errors.New("stream ended without a terminal event")
}

func printSources(out io.Writer, sources []domain.SourceCitation) {
	fmt.Fprintln(out)
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(out, "\nSources:")
	for _, src := range sources {
		fmt.Fprintf(out, "  [%d] %s  %s  relevance=%.3f\n", src.Index, src.DocumentID, src.ChunkID, src.Relevance)
	}
}
