package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicememo/internal/app"
	"github.com/MrWong99/voicememo/internal/hwsession"
	"github.com/MrWong99/voicememo/internal/recording"
)

var (
	recordMode     string
	recordName     string
	recordDuration time.Duration
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a voice memo from the terminal",
	Long: `Record one voice memo into the configured directory. Recording stops on
Ctrl+C, after --duration, or when the recording fails. The finalized file
is validated and its path and duration are printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if recordMode != "" {
			if _, err := hwsession.ParseMode(recordMode); err != nil {
				return err
			}
		}

		platform, closePlatform, err := openPlatform()
		if err != nil {
			return err
		}
		defer closePlatform()

		a, err := app.New(cmd.Context(), cfg, platform, app.WithLogLevel(logLevel))
		if err != nil {
			return fmt.Errorf("failed to initialise application: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.Shutdown(ctx)
		}()

		svc := a.Service()
		pumpCtx, stopPump := context.WithCancel(context.Background())
		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			_ = svc.Run(pumpCtx)
		}()
		defer func() {
			stopPump()
			<-pumpDone
		}()

		events, unsubscribe := svc.Subscribe()
		defer unsubscribe()

		snap, err := svc.Start(cmd.Context(), hwsession.Mode(recordMode), recordName)
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Recording %s (%s, %s backend) - press Ctrl+C to stop\n", snap.Path, snap.Mode, snap.Backend)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		var timeout <-chan time.Time
		if recordDuration > 0 {
			timer := time.NewTimer(recordDuration)
			defer timer.Stop()
			timeout = timer.C
		}

		if failed := waitForStop(events, sigChan, timeout); failed != nil {
			slog.Warn("recording failed", "error", failed.LastError)
		}

		fin, err := svc.Stop(context.Background())
		if err != nil {
			if errors.Is(err, recording.ErrValidationFailed) {
				return fmt.Errorf("recording is empty or unreadable: %w", err)
			}
			return fmt.Errorf("failed to stop recording: %w", err)
		}
		fmt.Printf("%s\t%s\t%d bytes\n", fin.Path, fin.Duration.Round(10*time.Millisecond), fin.Size)
		return nil
	},
}

// waitForStop blocks until a signal, the timeout, or a terminal state event.
// It returns the snapshot when the recording failed on its own.
func waitForStop(events <-chan recording.Event, sig <-chan os.Signal, timeout <-chan time.Time) *recording.Snapshot {
	for {
		select {
		case <-sig:
			slog.Info("stopping recording")
			return nil
		case <-timeout:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind != recording.EventState || ev.Session == nil {
				continue
			}
			switch ev.Session.State {
			case recording.StateFailed:
				return ev.Session
			case recording.StateInterrupted:
				fmt.Fprintln(os.Stderr, "Recording interrupted, waiting for the audio hardware")
			case recording.StateRecording:
				slog.Debug("recording", "elapsed", ev.Session.Elapsed)
			}
		}
	}
}

func init() {
	recordCmd.Flags().StringVarP(&recordMode, "mode", "m", "", "recording mode: conversation, ambient, voiceOver, meeting, balanced (default from config)")
	recordCmd.Flags().StringVarP(&recordName, "name", "n", "", "name used in the file name")
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "stop automatically after this long")
}
