package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsrelay-systems/opsrelay/internal/models"
	"github.com/opsrelay-systems/opsrelay/internal/seeder"
)

var (
	eventSource    string
	eventFile      string
	seedCount      int
	seedTimeSpread time.Duration
	seedRandomSeed int64
	seedDryRun     bool
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Submit events to the relay",
}

var eventSendCmd = &cobra.Command{
	Use:   "send [file]",
	Short: "Send one raw event",
	Long: `Send a raw event payload to the relay.

The payload is read from the given file, or from stdin when no file is
provided. The --source flag names the producing system so the matching
normalizer is selected.

Example:
  echo '{"title":"disk filling","event_type":"health.degraded"}' | opsrelay event send --source webhook`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEventSend,
}

var eventSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate and submit synthetic events",
	Long: `Generate synthetic events across all supported sources and submit
them to the relay. Useful for demos and for exercising routing rules.`,
	RunE: runEventSeed,
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventSendCmd)
	eventCmd.AddCommand(eventSeedCmd)

	eventSendCmd.Flags().StringVar(&eventSource, "source", "webhook", "event source (webhook, prometheus, cloudwatch, manual)")
	eventSendCmd.Flags().StringVarP(&eventFile, "file", "f", "", "payload file (default: stdin)")

	eventSeedCmd.Flags().IntVarP(&seedCount, "count", "c", 50, "number of events to generate")
	eventSeedCmd.Flags().DurationVarP(&seedTimeSpread, "time-spread", "s", 0, "spread receipt times over this period")
	eventSeedCmd.Flags().Int64Var(&seedRandomSeed, "seed", 0, "random seed (0 uses the clock)")
	eventSeedCmd.Flags().BoolVar(&seedDryRun, "dry-run", false, "print envelopes instead of submitting")
}

func runEventSend(cmd *cobra.Command, args []string) error {
	path := eventFile
	if len(args) > 0 {
		path = args[0]
	}

	var data []byte
	var err error
	if path == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	env := &models.RawEventEnvelope{
		Source:     eventSource,
		ReceivedAt: time.Now().UTC(),
		Payload:    payload,
	}

	var event models.Event
	if err := newAPIClient().post("/api/v1/events", env, &event); err != nil {
		return err
	}

	fmt.Printf("accepted %s  type=%s severity=%s\n",
		event.EventID, event.EventType, event.Severity.String())
	return nil
}

func runEventSeed(cmd *cobra.Command, args []string) error {
	gen := seeder.New(seedRandomSeed)
	envelopes := gen.Generate(seedCount, seedTimeSpread)

	if seedDryRun {
		return printJSON(envelopes)
	}

	client := newAPIClient()
	var accepted, rejected int
	for _, env := range envelopes {
		var event models.Event
		if err := client.post("/api/v1/events", env, &event); err != nil {
			rejected++
			fmt.Fprintf(os.Stderr, "rejected (%s): %v\n", env.Source, err)
			continue
		}
		accepted++
	}

	fmt.Printf("submitted %d events: %d accepted, %d rejected\n",
		len(envelopes), accepted, rejected)
	return nil
}
