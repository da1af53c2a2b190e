package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AeyeOps/elysiactl-sub001/ingest"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [files...]",
	Short: "profile a change stream or file list without writing anything",
	Long: `analyze reads a change stream and/or a list of files and reports how the
sync pipeline would treat them: record and op counts, per-repository
volume, size distribution, and which indexing tier each file lands in.
Nothing is embedded, written, or checkpointed.`,
	Example: `  elysiactl analyze --input changes.jsonl
  elysiactl analyze --json src/main.go src/worker.go
  git ls-files | xargs elysiactl analyze`,
	Args: cobra.ArbitraryArgs,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	fs := analyzeCmd.Flags()
	fs.String("input", "", "change stream to profile, - for stdin")
	fs.StringSlice("paths", nil, "files to place into indexing tiers (repeatable)")
	fs.Bool("json", false, "emit the report as JSON")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	inputPath, _ := cmd.Flags().GetString("input")
	paths, _ := cmd.Flags().GetStringSlice("paths")
	paths = append(paths, args...)
	asJSON, _ := cmd.Flags().GetBool("json")

	if inputPath == "" && len(paths) == 0 {
		return &exitError{code: codeUsage, err: errors.New("nothing to analyze: pass --input and/or file paths")}
	}

	resolver := ingest.NewResolver(ingest.ResolverConfig{})
	reports := make(map[string]*ingest.Report)

	if inputPath != "" {
		input, err := openInput(inputPath)
		if err != nil {
			return &exitError{code: codeUsage, err: err}
		}
		report, aerr := ingest.AnalyzeStream(input, resolver, 0)
		input.Close()
		if aerr != nil {
			return &exitError{code: codeFatal, err: aerr}
		}
		reports["stream"] = report
	}
	if len(paths) > 0 {
		report, err := ingest.AnalyzePaths(paths, resolver)
		if err != nil {
			return &exitError{code: codeFatal, err: err}
		}
		reports["paths"] = report
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return &exitError{code: codeFatal, err: fmt.Errorf("failed to encode report: %w", err)}
		}
		return nil
	}

	if r := reports["stream"]; r != nil {
		if err := r.Render(out); err != nil {
			return &exitError{code: codeFatal, err: err}
		}
	}
	if r := reports["paths"]; r != nil {
		if reports["stream"] != nil {
			fmt.Fprintln(out)
		}
		if err := r.Render(out); err != nil {
			return &exitError{code: codeFatal, err: err}
		}
	}
	return nil
}
