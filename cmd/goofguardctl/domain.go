package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Inspect stored domain payloads",
}

var domainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored domains",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := store.Records(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput {
			type row struct {
				Domain    string    `json:"domain"`
				Bytes     int       `json:"bytes"`
				UpdatedAt time.Time `json:"updated_at"`
			}
			rows := make([]row, 0, len(records))
			for _, record := range records {
				rows = append(rows, row{Domain: record.Domain, Bytes: len(record.Payload), UpdatedAt: record.UpdatedAt})
			}
			data, err := json.MarshalIndent(rows, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "DOMAIN\tBYTES\tUPDATED\n")
		for _, record := range records {
			fmt.Fprintf(w, "%s\t%d\t%s\n", record.Domain, len(record.Payload), record.UpdatedAt.Format(time.RFC3339))
		}
		w.Flush()
		fmt.Printf("\n%d domain(s) in %s\n", len(records), store.Backend())
		return nil
	},
}

var domainShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print one domain payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := store.LoadRaw(context.Background(), args[0])
		var out bytes.Buffer
		if err := json.Indent(&out, raw, "", "  "); err != nil {
			return fmt.Errorf("formatting %s: %w", args[0], err)
		}
		fmt.Println(out.String())
		return nil
	},
}

func init() {
	domainCmd.AddCommand(domainListCmd)
	domainCmd.AddCommand(domainShowCmd)
}
