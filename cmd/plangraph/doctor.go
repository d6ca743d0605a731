package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/basket/plangraph/internal/config"
	"github.com/basket/plangraph/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfgp *config.Config
	cfg, err := config.Load()
	if err != nil {
		// Keep going so the report shows why.
		fmt.Fprintf(stderr, "config load: %v\n", err)
	} else {
		cfgp = &cfg
	}

	diag := doctor.Run(ctx, cfgp, Version)

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "encode report: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(stdout, "plangraph doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(stdout, "---")
		for _, res := range diag.Results {
			icon := "✓"
			switch res.Status {
			case "FAIL":
				icon = "✗"
			case "WARN":
				icon = "!"
			case "SKIP":
				icon = "-"
			}
			fmt.Fprintf(stdout, "%s %-12s %s\n", icon, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(stdout, "    %s\n", res.Detail)
			}
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
