package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gatehouse-ci/gatehouse/pkg/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate <pipeline-file>",
	Short: "Validate a pipeline file",
	Long:  `Parse a pipeline YAML file and check job names, step names, trigger events, and the needs graph without submitting anything.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := pipeline.Load(args[0])
	if err != nil {
		return fmt.Errorf("invalid pipeline: %w", err)
	}

	order, err := p.ExecutionOrder()
	if err != nil {
		return fmt.Errorf("invalid pipeline: %w", err)
	}

	fmt.Printf("✓ %s is valid\n", args[0])
	fmt.Printf("  Pipeline: %s\n", p.Name)
	fmt.Printf("  Jobs:     %s\n", strings.Join(order, ", "))
	for _, job := range p.Jobs {
		fmt.Printf("    %s: %d steps\n", job.Name, len(job.Steps))
	}
	return nil
}
