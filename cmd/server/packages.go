package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/system"
)

var packagesCmd = &cobra.Command{
	Use:   "packages",
	Short: "List installed packages with their cache size",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd, func(ctx context.Context, lm *system.LifecycleManager) error {
			controller := lm.RunController()
			locale, _ := cmd.Flags().GetString("locale")
			if locale == "" {
				locale = lm.Config().CacheClean.Locale
			}
			if _, err := controller.RefreshCatalog(ctx, locale); err != nil {
				return err
			}
			ignored, err := lm.Storage().IgnoredSet(ctx)
			if err != nil {
				return err
			}

			filter := lm.Config().CacheClean.RunConfig().Filter
			if showAll, _ := cmd.Flags().GetBool("all"); showAll {
				filter.MinCacheSize = 0
				filter.HideDisabledApps = false
				filter.HideIgnoredApps = false
			}
			fmt.Print(renderPackages(controller.Catalog().Order(filter, ignored), ignored))
			return nil
		})
	},
}

var ignoreCmd = &cobra.Command{
	Use:   "ignore <package>...",
	Short: "Exclude packages from future runs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withLifecycle(cmd, func(ctx context.Context, lm *system.LifecycleManager) error {
			for _, pkg := range args {
				if err := lm.Storage().AddIgnoredAppWithReason(ctx, pkg, reason); err != nil {
					return err
				}
				fmt.Println(styleSkipped.Render("ignored ") + pkg)
			}
			return nil
		})
	},
}

var unignoreCmd = &cobra.Command{
	Use:   "unignore <package>...",
	Short: "Include previously ignored packages again",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd, func(ctx context.Context, lm *system.LifecycleManager) error {
			for _, pkg := range args {
				if err := lm.Storage().RemoveIgnoredApp(ctx, pkg); err != nil {
					return err
				}
				fmt.Println(styleDone.Render("included ") + pkg)
			}
			return nil
		})
	},
}

var listsCmd = &cobra.Command{
	Use:   "lists",
	Short: "Show saved package lists",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd, func(ctx context.Context, lm *system.LifecycleManager) error {
			lists, err := lm.Storage().ListPackageLists(ctx)
			if err != nil {
				return err
			}
			for _, l := range lists {
				fmt.Printf("%s %s\n", styleTitle.Render(l.Name), styleMuted.Render(strings.Join(l.Packages, ", ")))
			}
			return nil
		})
	},
}

func init() {
	packagesCmd.Flags().String("locale", "", "Locale for the captured labels")
	packagesCmd.Flags().Bool("all", false, "Ignore the configured filter")
	ignoreCmd.Flags().String("reason", "manual", "Why the package is ignored")

	packagesCmd.AddCommand(ignoreCmd)
	packagesCmd.AddCommand(unignoreCmd)
	packagesCmd.AddCommand(listsCmd)
}

// withLifecycle runs fn against a lifecycle manager without servers and
// shuts it down afterwards.
func withLifecycle(cmd *cobra.Command, fn func(context.Context, *system.LifecycleManager) error) error {
	lifecycle, cfg, logger, err := bootstrap(cmd, "")
	if err != nil {
		return err
	}
	defer logger.Sync()

	err = fn(cmd.Context(), lifecycle)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := lifecycle.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("Shutdown failed", zap.Error(shutdownErr))
	}
	return err
}
