package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/loqalabs/loqa-recite/internal/config"
	"github.com/loqalabs/loqa-recite/internal/pdf"
	"github.com/loqalabs/loqa-recite/internal/pipeline"
	"github.com/loqalabs/loqa-recite/internal/recite"
	"github.com/loqalabs/loqa-recite/internal/runtime"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		kv := []any{"error", err}
		if kind, ok := pipeline.KindOf(err); ok {
			kv = append(kv, "kind", kind)
		}
		log.Error("recite failed", kv...)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "recite",
		Short:         "Verify recitations against a reference text",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to configuration file")
	root.AddCommand(newVerifyCmd(), newExtractCmd(), newRenderCmd(), newCheckConfigCmd(), newVersionCmd())
	root.SetErr(os.Stderr)
	return root
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func cliLogger(cmd *cobra.Command) *log.Logger {
	return log.NewWithOptions(cmd.ErrOrStderr(), log.Options{Prefix: "recite"})
}

func newVerifyCmd() *cobra.Command {
	var audioPath, text, pdfPath string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run one audio file through the verification pipeline and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reference, err := referenceText(text, pdfPath)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(audioPath)
			if err != nil {
				return fmt.Errorf("read audio: %w", err)
			}

			p, pool, err := runtime.BuildPipeline(cfg, runtime.NewLogger(config.TelemetryConfig{LogLevel: "error"}, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer pool.Close(context.Background())

			res, err := p.Run(cmd.Context(), pipeline.Submission{
				Audio:     data,
				Filename:  filepath.Base(audioPath),
				Reference: reference,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&audioPath, "audio", "", "Audio file to verify")
	cmd.Flags().StringVar(&text, "text", "", "Reference text")
	cmd.Flags().StringVar(&pdfPath, "pdf", "", "Reference PDF, used when --text is empty")
	_ = cmd.MarkFlagRequired("audio")
	return cmd
}

func referenceText(text, pdfPath string) (string, error) {
	if text != "" {
		return text, nil
	}
	if pdfPath == "" {
		return "", errors.New("one of --text or --pdf is required")
	}
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	return pdf.ExtractText(data)
}

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract-text <file.pdf>",
		Short: "Print the text of a PDF and any validation problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			text, err := pdf.ExtractText(data)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"text":   text,
				"errors": recite.ValidateText(text),
			})
		},
	}
}

func newRenderCmd() *cobra.Command {
	var text, out string
	cmd := &cobra.Command{
		Use:   "render-pdf",
		Short: "Render reference text into a PDF",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := pdf.FromText(text)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			cliLogger(cmd).Info("pdf written", "path", out, "bytes", len(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "Text to render")
	cmd.Flags().StringVar(&out, "out", "reference.pdf", "Output path")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config valid (stt=%s/%s matcher=%s correction=%s)\n",
				cfg.STT.Mode, cfg.STT.Variant, cfg.Matcher.Strategy, cfg.Correction.Mode)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
