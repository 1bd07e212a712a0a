package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/scenario"
)

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List and validate UI scenarios",
}

var scenariosListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the loaded scenarios",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry(cmd)
		if err != nil {
			return err
		}
		for _, sc := range reg.List() {
			source := sc.Source
			if source == "" {
				source = "built-in"
			}
			fmt.Printf("%s %s %s\n",
				styleTitle.Render(sc.ID),
				sc.Name,
				styleMuted.Render(fmt.Sprintf("v%s, %d stages, %s", sc.Version, len(sc.Stages), source)))
		}
		return nil
	},
}

var scenariosValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check scenario files against the schema and the run rules",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry(cmd)
		if err != nil {
			return err
		}

		invalid := 0
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			sc, err := reg.Parse(data)
			if err == nil {
				fmt.Printf("%s %s (%s)\n", styleDone.Render("✓"), path, sc.ID)
				continue
			}

			invalid++
			fmt.Printf("%s %s\n", styleFailed.Render("✗"), path)
			var rep scenario.Report
			if !errors.As(err, &rep) {
				fmt.Println("  " + styleFailed.Render(err.Error()))
				continue
			}
			for _, issue := range rep.Errors {
				fmt.Printf("  %s %s %s\n", styleFailed.Render(issue.Code), issue.Path, issue.Message)
			}
			for _, issue := range rep.Warnings {
				fmt.Printf("  %s %s %s\n", styleSkipped.Render(issue.Code), issue.Path, issue.Message)
			}
		}
		if invalid > 0 {
			return fmt.Errorf("%d of %d scenario files invalid", invalid, len(args))
		}
		return nil
	},
}

func init() {
	scenariosCmd.AddCommand(scenariosListCmd)
	scenariosCmd.AddCommand(scenariosValidateCmd)
}

func loadRegistry(cmd *cobra.Command) (*scenario.Registry, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	// nur Warnungen, die Ausgabe gehört der Liste
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		return nil, err
	}
	defer logger.Sync()
	return scenario.NewRegistry(cfg.Scenarios.SearchPaths, logger)
}
