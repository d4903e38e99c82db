package main

import (
	"fmt"
	"time"

	"faceingest/pkg/checkpoint"
	"faceingest/pkg/config"
	"faceingest/pkg/ui"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// checkpointCmd represents the checkpoint command
var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or remove the run checkpoint",
	Long: `Inspect or remove the checkpoint of an interrupted run.

The checkpoint lives in the output directory next to its .backup and
.archive copies.`,
}

var checkpointInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the current checkpoint",
	RunE:  runCheckpointInfo,
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the checkpoint and its copies",
	RunE:  runCheckpointClear,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointInfoCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)

	checkpointCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "output directory (default ./output)")
}

func openCheckpointStore(cmd *cobra.Command) (*checkpoint.Store, error) {
	flags := globalFlags()
	if cmd.Flags().Changed("output") {
		flags["output"] = outputDir
	}
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return checkpoint.NewStore(afero.NewOsFs(), cfg.CheckpointPath(), cfg.Checkpoint, nil), nil
}

func runCheckpointInfo(cmd *cobra.Command, args []string) error {
	store, err := openCheckpointStore(cmd)
	if err != nil {
		return err
	}

	info := store.Info()
	if !info.Exists {
		ui.PrintWarning("No checkpoint found", store.Path())
		return nil
	}

	ui.PrintInfo("Checkpoint", info.Path)
	ui.PrintInfo("Size", humanize.Bytes(uint64(info.FileSize)))
	ui.PrintInfo("Backup", fmt.Sprintf("%t", info.BackupExists))
	if info.LoadError != "" {
		ui.PrintError("Unreadable", info.LoadError)
		return nil
	}

	if info.FromBackup {
		ui.PrintWarning("Main checkpoint unusable, showing the backup (restored on the next resume)")
	}

	st := info.State
	ui.PrintInfo("Input", st.FileName)
	ui.PrintInfo("Progress", fmt.Sprintf("%.1f%% (%s of %s lines)",
		info.Progress, humanize.Comma(st.ProcessedLines), humanize.Comma(st.TotalLines)))
	ui.PrintInfo("Offset", humanize.Comma(st.LastPosition))
	ui.PrintInfo("Images", fmt.Sprintf("%s valid, %s failed", humanize.Comma(st.ValidImages), humanize.Comma(st.FailedImages)))
	ui.PrintInfo("Batch size", fmt.Sprintf("%d", st.BatchSize))
	ui.PrintInfo("Saved", humanize.Time(st.Time()))
	if info.Expired {
		ui.PrintWarning(fmt.Sprintf("Checkpoint is older than %s and will be ignored on resume", info.Age.Truncate(time.Hour)))
	}
	return nil
}

func runCheckpointClear(cmd *cobra.Command, args []string) error {
	store, err := openCheckpointStore(cmd)
	if err != nil {
		return err
	}
	n, err := store.Clear()
	if err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	if n == 0 {
		ui.PrintWarning("No checkpoint files to remove")
		return nil
	}
	ui.PrintSuccess(fmt.Sprintf("Removed %d checkpoint file(s)", n))
	return nil
}
