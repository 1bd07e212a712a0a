package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/machine"
	"github.com/KevinKickass/OpenCacheCleaner/internal/orchestrator"
	"github.com/KevinKickass/OpenCacheCleaner/internal/streaming"
	"github.com/KevinKickass/OpenCacheCleaner/internal/system"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run [package...]",
	Short: "Clear the cache of the given packages and exit",
	Long: `Run a single cache-clearing pass against the connected device.

Packages come from the arguments, from a saved list (--list) or, with
--all, from every installed app that passes the configured filter.
Ctrl+C stops the run after the current step.`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().String("list", "", "Run the packages of a saved package list")
	runCmd.Flags().Bool("all", false, "Run every installed package that passes the filter")
	runCmd.Flags().String("save-list", "", "Save the given packages as a package list")
	runCmd.Flags().String("scenario", "", "Scenario id (default from config)")
	runCmd.Flags().String("locale", "", "UI locale of the device (default from config)")
	runCmd.Flags().Bool("ask", false, "Ask before ignoring a failing app")
	runCmd.Flags().String("db", "", "SQLite file for run history (overrides config)")
}

func runOnce(cmd *cobra.Command, args []string) error {
	listName, _ := cmd.Flags().GetString("list")
	all, _ := cmd.Flags().GetBool("all")
	saveList, _ := cmd.Flags().GetString("save-list")
	dbPath, _ := cmd.Flags().GetString("db")

	if len(args) == 0 && listName == "" && !all {
		return errors.New("no packages given, use arguments, --list or --all")
	}

	lifecycle, cfg, logger, err := bootstrap(cmd, dbPath)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := lifecycle.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown failed", zap.Error(err))
		}
	}()

	runCfg := cfg.CacheClean.RunConfig()
	if v, _ := cmd.Flags().GetString("scenario"); v != "" {
		runCfg.ScenarioID = v
	}
	if v, _ := cmd.Flags().GetString("locale"); v != "" {
		runCfg.Locale = v
	}
	ask, _ := cmd.Flags().GetBool("ask")
	runCfg.Filter.ShowDialogToIgnoreApp = ask

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if err := lifecycle.StartHeadless(); err != nil {
		return err
	}
	controller := lifecycle.RunController()

	n, err := controller.RefreshCatalog(ctx, runCfg.Locale)
	if err != nil {
		return fmt.Errorf("failed to list packages: %w", err)
	}
	fmt.Println(styleMuted.Render(fmt.Sprintf("%d packages on %s", n, lifecycle.ADB().Serial())))

	if err := selectPackages(ctx, lifecycle, args, listName, saveList, all, runCfg); err != nil {
		return err
	}

	events := lifecycle.EventStreamer().Subscribe(streaming.AllRuns)
	defer lifecycle.EventStreamer().Unsubscribe(streaming.AllRuns, events)

	runID, err := controller.StartSelected(ctx, runCfg)
	if err != nil {
		return err
	}

	var answers chan string
	if ask {
		answers = readAnswers()
	}

	finished := make(chan struct{})
	var summary *orchestrator.Summary
	var runErr error
	go func() {
		defer close(finished)
		summary, runErr = controller.Wait(context.Background())
	}()

	interrupted := ctx.Done()
	for {
		select {
		case ev := <-events:
			printEvent(controller, runID, ev, answers)
		case <-interrupted:
			interrupted = nil
			fmt.Println(styleSkipped.Render("stopping…"))
			if err := controller.Stop(context.Background()); err != nil {
				logger.Warn("Stop failed", zap.Error(err))
			}
		case <-finished:
			// was noch im Kanal steckt
		drain:
			for {
				select {
				case ev := <-events:
					printEvent(controller, runID, ev, nil)
				default:
					break drain
				}
			}
			if runErr != nil {
				return runErr
			}
			fmt.Println(renderSummary(summary))
			return nil
		}
	}
}

// selectPackages checks the packages of this run in the catalog.
func selectPackages(ctx context.Context, lm *system.LifecycleManager, args []string, listName, saveList string, all bool, cfg types.RunConfig) error {
	controller := lm.RunController()
	catalog := controller.Catalog()

	switch {
	case all:
		ignored, err := lm.Storage().IgnoredSet(ctx)
		if err != nil {
			return err
		}
		for _, it := range catalog.Order(cfg.Filter, ignored) {
			catalog.SetChecked(it.Package, true)
		}
	case listName != "":
		missing, err := controller.ApplyPackageList(ctx, listName)
		if err != nil {
			return fmt.Errorf("package list %q: %w", listName, err)
		}
		warnMissing(missing)
	default:
		warnMissing(catalog.CheckOnly(args))
		if saveList != "" {
			if err := lm.Storage().SavePackageList(ctx, saveList, args); err != nil {
				return err
			}
			fmt.Println(styleInfo.Render("saved package list " + saveList))
		}
	}
	return nil
}

func warnMissing(missing []string) {
	if len(missing) > 0 {
		fmt.Println(styleSkipped.Render("not installed: " + strings.Join(missing, ", ")))
	}
}

func printEvent(controller *machine.Controller, runID uuid.UUID, ev orchestrator.Event, answers <-chan string) {
	if ev.RunID != runID {
		return
	}
	line := renderEvent(ev)
	if line == "" {
		return
	}
	if ev.Type != orchestrator.EventIgnoreRequested {
		fmt.Println(line)
		return
	}

	fmt.Print(line)
	if answers == nil {
		return
	}
	// Die Antwort blockiert nur die Ausgabe, der Lauf wartet ohnehin.
	select {
	case a := <-answers:
		ignore := strings.EqualFold(strings.TrimSpace(a), "y")
		if err := controller.AnswerIgnore(ev.Package, ignore); err != nil && !errors.Is(err, machine.ErrNoPendingPrompt) {
			fmt.Println(styleFailed.Render(err.Error()))
		}
	case <-time.After(5 * time.Minute):
		fmt.Println()
	}
}

func readAnswers() chan string {
	ch := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
		close(ch)
	}()
	return ch
}
