package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rlmrs/rlmrs/pkg/blob"
	"github.com/rlmrs/rlmrs/pkg/citation"
	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/corpus"
	"github.com/rlmrs/rlmrs/pkg/execution"
	"github.com/rlmrs/rlmrs/pkg/llms"
	"github.com/rlmrs/rlmrs/pkg/metastore"
	"github.com/rlmrs/rlmrs/pkg/orchestrator"
	"github.com/rlmrs/rlmrs/pkg/session"
	"github.com/rlmrs/rlmrs/pkg/tokens"
)

// ExecCmd runs a single execution against ad-hoc documents with in-memory
// storage, prints the result, and exits. Documents are plain-text files;
// anything needing a real parser belongs in a proper session pipeline.
type ExecCmd struct {
	Question string `arg:"" help:"Question to answer over the documents."`

	Docs string `help:"Directory of plain-text documents (.txt, .md)." type:"path" required:""`

	Provider string `help:"LLM provider (anthropic, openai, gemini, stub)." default:"anthropic"`
	Model    string `help:"Model name."`
	APIKey   string `name:"api-key" help:"API key (defaults to the provider's environment variable)."`
	BaseURL  string `name:"base-url" help:"Custom API base URL."`

	OutputMode string `name:"output-mode" help:"Output mode (answer, contexts)." default:"answer"`
	MaxTurns   int    `name:"max-turns" help:"Turn budget override."`
	JSON       bool   `help:"Print the full execution record as JSON."`
}

func (c *ExecCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg := config.Default()
	meta := metastore.NewMemStore()
	blobs := blob.NewMemStore()
	defer meta.Close()
	defer blobs.Close()

	registry, err := llms.NewRegistry(ctx, config.ProvidersConfig{
		LLM: map[string]config.LLMConfig{
			"default": {
				Provider: config.LLMProvider(c.Provider),
				Model:    c.Model,
				APIKey:   c.APIKey,
				BaseURL:  c.BaseURL,
			},
		},
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	sessions := session.NewService(meta, cfg.Runtime.SessionTTL, slog.Default())
	executions := execution.NewService(meta, slog.Default())

	docs, err := loadDocuments(ctx, blobs, c.Docs)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no .txt or .md documents under %s", c.Docs)
	}

	sess, err := sessions.Create(ctx, "local", session.ReadinessLax, docs, nil)
	if err != nil {
		return err
	}
	slog.Info("corpus loaded", "documents", len(docs), "session", sess.ID)

	limits := config.LimitsConfig{MaxTurns: c.MaxTurns}
	exec, err := executions.Create(ctx, &execution.Execution{
		Tenant:     "local",
		SessionID:  sess.ID,
		Mode:       execution.ModeAnswerer,
		OutputMode: execution.OutputMode(strings.ToUpper(c.OutputMode)),
		Question:   c.Question,
		Limits:     limits,
	})
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Meta:       meta,
		Blobs:      blobs,
		Sessions:   sessions,
		Executions: executions,
		LLMs:       registry,
		Counter:    tokens.NewCounter(c.Model),
		Logger:     slog.Default(),
	})
	if err := orch.Run(ctx, exec.ID); err != nil {
		return err
	}

	result, err := executions.Get(ctx, exec.ID)
	if err != nil {
		return err
	}
	return printResult(result, c.JSON)
}

// loadDocuments uploads every text file under dir as a parsed document.
func loadDocuments(ctx context.Context, blobs blob.Store, dir string) ([]session.Document, error) {
	var docs []session.Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		text := string(data)

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = d.Name()
		}
		id := strings.ReplaceAll(rel, string(os.PathSeparator), "/")

		textKey := fmt.Sprintf("parsed/local/%s/text", id)
		offsetsKey := fmt.Sprintf("parsed/local/%s/offsets", id)
		if err := blobs.Put(ctx, textKey, data, "text/plain"); err != nil {
			return err
		}
		offsets := corpus.BuildOffsets(text, 256)
		encoded, err := json.Marshal(offsets)
		if err != nil {
			return err
		}
		if err := blobs.Put(ctx, offsetsKey, encoded, "application/json"); err != nil {
			return err
		}

		docs = append(docs, session.Document{
			ID:            id,
			RawKey:        fmt.Sprintf("raw/local/%s", id),
			TextKey:       textKey,
			OffsetsKey:    offsetsKey,
			Checksum:      citation.HashText(text),
			CharLength:    offsets.TotalChars,
			ParserVersion: "plaintext-v1",
			Parsed:        true,
		})
		return nil
	})
	return docs, err
}

func printResult(result *execution.Execution, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if result.Status != execution.StatusCompleted {
		fmt.Fprintf(os.Stderr, "execution %s: %s\n", result.Status, formatError(result))
		os.Exit(1)
	}

	switch answer := result.Answer.(type) {
	case string:
		fmt.Println(answer)
	default:
		data, err := json.MarshalIndent(answer, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}

	if len(result.Citations) > 0 {
		fmt.Println("\nCitations:")
		for _, ref := range result.Citations {
			fmt.Printf("  %s [%d:%d) %s\n", ref.DocID, ref.StartChar, ref.EndChar, ref.Checksum)
		}
	}
	return nil
}

func formatError(result *execution.Execution) string {
	if result.Error == nil {
		return "no error recorded"
	}
	return fmt.Sprintf("%s: %s", result.Error.Code, result.Error.Message)
}
