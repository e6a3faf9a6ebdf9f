package cli

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kg/internal/jobs"
)

var (
	ingestOntology string
	ingestFlags    submitFlags
	restoreFlags   submitFlags
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a document into the knowledge graph",
	Long: `Submit a document for ingestion and follow it to completion.

The server extracts concepts and relationships, embeds them and stores
the result. Larger documents may need approval after a cost estimate.
Submitting the same content twice returns the existing job unless
--force is given.

Examples:
  kg ingest paper.pdf
  kg ingest notes.md --ontology research
  kg ingest paper.pdf --no-auto-approve --no-wait`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file>",
	Short: "Restore the knowledge graph from a backup",
	Long: `Upload a backup and restore it as a job.

Examples:
  kg restore kg-2026-01-01.backup
  kg restore kg.backup --yes --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestOntology, "ontology", "", "ontology to ingest into")
	addSubmitFlags(ingestCmd, &ingestFlags)
	addSubmitFlags(restoreCmd, &restoreFlags)
}

func addSubmitFlags(cmd *cobra.Command, f *submitFlags) {
	cmd.Flags().BoolVar(&f.noAutoApprove, "no-auto-approve", false, "always review the cost estimate before running")
	cmd.Flags().BoolVarP(&f.force, "force", "f", false, "submit even if identical content was submitted before")
	cmd.Flags().BoolVar(&f.noWait, "no-wait", false, "return after submitting instead of following progress")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "approve without asking")
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	params := map[string]any{
		"name":    filepath.Base(path),
		"content": string(content),
	}
	if ingestOntology != "" {
		params["ontology"] = ingestOntology
	}

	return submitAndFollow(cmd.Context(), jobs.Submission{
		Type:   jobs.TypeIngestion,
		Params: params,
	}, ingestFlags)
}

func runRestore(cmd *cobra.Command, args []string) error {
	path := args[0]
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	return submitAndFollow(cmd.Context(), jobs.Submission{
		Type: jobs.TypeRestore,
		Params: map[string]any{
			"name":   filepath.Base(path),
			"backup": base64.StdEncoding.EncodeToString(content),
		},
	}, restoreFlags)
}
