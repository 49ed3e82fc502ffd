package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	danzohttp "github.com/tanq16/danzoq/internal/downloaders/http"
	"github.com/tanq16/danzoq/internal/output"
	"github.com/tanq16/danzoq/internal/utils"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	Link       string `yaml:"link"`
}

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readBatchFile(args[0])
			if err != nil {
				output.PrintError("Failed to read batch file")
				return err
			}
			client := utils.NewHTTPClient(cfg.HTTP())
			return runUnits(cmd.Context(), client, cfg.Workers, func(opts []danzohttp.Option) []*danzohttp.Unit {
				units := make([]*danzohttp.Unit, 0, len(entries))
				for _, entry := range entries {
					destination := resolveOutput(cmd.Context(), client, entry.Link, entry.OutputPath)
					units = append(units, danzohttp.New(entry.Link, destination, cfg.Download(), opts...))
				}
				return units
			})
		},
	}
}

// readBatchFile loads the entries and skips the ones without a usable link.
func readBatchFile(path string) ([]BatchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	var entries []BatchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %w", err)
	}
	valid := entries[:0]
	for i, entry := range entries {
		if err := utils.ValidateURL(entry.Link); err != nil {
			output.PrintWarning(fmt.Sprintf("Skipping entry %d: %v", i+1, err))
			continue
		}
		valid = append(valid, entry)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("no valid entries in %s", path)
	}
	return valid, nil
}
