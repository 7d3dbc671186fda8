package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/hybrid-rag/internal/bootstrap"
	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/index/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Build and inspect index snapshot files",
	}
	cmd.AddCommand(newSnapshotBuildCmd())
	cmd.AddCommand(newSnapshotInspectCmd())
	return cmd
}

func newSnapshotBuildCmd() *cobra.Command {
	var (
		chunksPath string
		docsDir    string
		outPath    string
		version    string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Embed chunks or documents and write a snapshot file",
		Long: `Build writes a complete snapshot file. With --chunks it embeds a JSON
Lines file of pre-chunked text (chunks that already carry an embedding are
kept). With --docs it walks a directory of text and markdown files, splits
them into chunks and embeds those. Running API servers pick the file up
through the file watcher or a NATS notification.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (chunksPath == "") == (docsDir == "") {
				return errors.New("exactly one of --chunks or --docs is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = cfg.SnapshotPath
			}
			if outPath == "" {
				return errors.New("--out is required when SNAPSHOT_PATH is not set")
			}

			builder, closeFn, err := bootstrap.NewIndexBuilder(cfg, docsDir, outPath, serviceName)
			if err != nil {
				return err
			}
			defer closeFn()

			var info domain.IndexInfo
			if chunksPath != "" {
				fileVersion, chunks, err := readChunksFile(chunksPath)
				if err != nil {
					return err
				}
				if version == "" {
					version = fileVersion
				}
				info, err = builder.BuildFromChunks(cmd.Context(), version, chunks)
				if err != nil {
					return err
				}
			} else {
				info, err = builder.BuildFromDocuments(cmd.Context(), version)
				if err != nil {
					return err
				}
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: version=%s chunks=%d dimension=%d\n", outPath, info.Version, info.Chunks, info.Dimension)
			return err
		},
	}

	cmd.Flags().StringVar(&chunksPath, "chunks", "", "JSON Lines file of chunks {id, document_id, ordinal, text, embedding?}")
	cmd.Flags().StringVar(&docsDir, "docs", "", "Directory of .txt/.md documents to chunk and embed")
	cmd.Flags().StringVar(&outPath, "out", "", "Snapshot file to write (default SNAPSHOT_PATH)")
	cmd.Flags().StringVar(&version, "version", "", "Snapshot version (default: content hash for --chunks, build time for --docs)")
	return cmd
}

func readChunksFile(path string) (string, []domain.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("open chunks: %w", err)
	}
	defer f.Close()
	version, _, chunks, err := snapshot.ReadChunks(f)
	if err != nil {
		return "", nil, err
	}
	return version, chunks, nil
}

type snapshotSummary struct {
	Path      string    `json:"path"`
	Version   string    `json:"version"`
	BuiltAt   time.Time `json:"built_at,omitempty"`
	Chunks    int       `json:"chunks"`
	Documents int       `json:"documents"`
	Embedded  int       `json:"embedded"`
	Dimension int       `json:"dimension"`
}

func newSnapshotInspectCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Print the header and counts of a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := inspectSnapshot(args[0])
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), summary, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func inspectSnapshot(path string) (snapshotSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return snapshotSummary{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	version, builtAt, chunks, err := snapshot.ReadChunks(f)
	if err != nil {
		return snapshotSummary{}, err
	}

	summary := snapshotSummary{Path: path, Version: version, BuiltAt: builtAt, Chunks: len(chunks)}
	docs := make(map[string]struct{})
	for _, chunk := range chunks {
		docs[chunk.DocumentID] = struct{}{}
		if len(chunk.Embedding) > 0 {
			summary.Embedded++
			if summary.Dimension == 0 {
				summary.Dimension = len(chunk.Embedding)
			}
		}
	}
	summary.Documents = len(docs)
	return summary, nil
}

func printSummary(out io.Writer, s snapshotSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	builtAt := "unknown"
	if !s.BuiltAt.IsZero() {
		builtAt = s.BuiltAt.Format(time.RFC3339)
	}
	_, err := fmt.Fprintf(out,
		"path:      %s\nversion:   %s\nbuilt_at:  %s\nchunks:    %d\ndocuments: %d\nembedded:  %d\ndimension: %d\n",
		s.Path, s.Version, builtAt, s.Chunks, s.Documents, s.Embedded, s.Dimension,
	)
	return err
}
