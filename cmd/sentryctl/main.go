package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/Bldg-7/airsentry/internal/sentryctl"
	"github.com/Bldg-7/airsentry/internal/shared"
)

var (
	sentrydURL = flag.String("sentryd-url", "http://localhost:9001", "Sentryd API URL")
	authToken  = flag.String("auth-token", "", "Authentication token (or set SENTRYCTL_AUTH_TOKEN env var)")
	format     = flag.String("format", "table", "Output format: table or json")
)

func main() {
	flag.Parse()

	if *authToken == "" {
		*authToken = os.Getenv("SENTRYCTL_AUTH_TOKEN")
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	client := sentryctl.NewHTTPClient(*sentrydURL, *authToken)

	switch args[0] {
	case "sessions":
		handleSessions(client, args[1:])
	case "stats":
		handleStats(client, args[1:])
	case "series":
		handleSeries(client, args[1:])
	case "alerts":
		handleAlerts(client, args[1:])
	case "config":
		handleConfig(client, args[1:])
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		os.Exit(1)
	}
}

func handleSessions(client *sentryctl.HTTPClient, args []string) {
	sid := ""
	if len(args) > 0 {
		sid = args[0]
	}

	sessions, err := sentryctl.ListSessions(client, sid)
	if err != nil {
		fatal(err)
	}
	if *format == "json" {
		printJSON(sessions)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SENSOR\tPEER\tPROTO\tFIRMWARE\tCONNECTED\tLAST RX\tAUTH")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%v\n",
			s.SensorID, s.Peer, s.ProtocolVersion, s.FirmwareVersion,
			s.ConnectedAt.Local().Format(time.TimeOnly),
			s.LastRx.Local().Format(time.TimeOnly),
			s.Authenticated,
		)
	}
	w.Flush()
}

func handleStats(client *sentryctl.HTTPClient, args []string) {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: sentryctl stats <sid> <peer> <kind>")
		os.Exit(1)
	}

	stats, err := sentryctl.GetStats(client, args[0], args[1], args[2])
	if err != nil {
		fatal(err)
	}
	if *format == "json" {
		printJSON(stats)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MIN\tAVG\tMAX\tCOUNT")
	fmt.Fprintf(w, "%g\t%g\t%g\t%d\n", stats.Min, stats.Avg, stats.Max, stats.Count)
	w.Flush()
}

func handleSeries(client *sentryctl.HTTPClient, args []string) {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: sentryctl series <sid> <peer> <kind> [hours]")
		os.Exit(1)
	}
	hours := 24
	if len(args) > 3 {
		if v, err := strconv.Atoi(args[3]); err == nil && v > 0 {
			hours = v
		}
	}

	points, err := sentryctl.GetSeries(client, args[0], args[1], args[2], hours)
	if err != nil {
		fatal(err)
	}
	if *format == "json" {
		printJSON(points)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tVALUE")
	for _, p := range points {
		fmt.Fprintf(w, "%s\t%g\n", shared.FromUnix(p.TS).Local().Format(time.DateTime), p.Value)
	}
	w.Flush()
}

func handleAlerts(client *sentryctl.HTTPClient, args []string) {
	sid := ""
	if len(args) > 0 {
		sid = args[0]
	}

	alerts, err := sentryctl.ListAlerts(client, sid)
	if err != nil {
		fatal(err)
	}
	if *format == "json" {
		printJSON(alerts)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSENSOR\tKIND\tLEVEL\tVALUE")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%g\n",
			shared.FromUnix(a.TS).Local().Format(time.DateTime), a.SID, a.Kind, a.Level, a.Value)
	}
	w.Flush()
}

func handleConfig(client *sentryctl.HTTPClient, args []string) {
	if len(args) == 0 || args[0] == "show" {
		cfg, err := sentryctl.GetConfig(client)
		if err != nil {
			fatal(err)
		}
		printJSON(cfg)
		return
	}

	if args[0] == "reload" {
		version, err := sentryctl.ReloadConfig(client)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("config reloaded, version %s\n", version)
		return
	}

	fmt.Fprintf(os.Stderr, "Error: unknown config subcommand %q\n", args[0])
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Print(`sentryctl - airsentry operator CLI

Usage:
  sentryctl [flags] <command>

Commands:
  sessions [sid]               List connected sensor sessions
  stats <sid> <peer> <kind>    Today's aggregates for one sensor channel
  series <sid> <peer> <kind> [hours]
                               Time series over the last N hours (default 24)
  alerts [sid]                 Today's alert events (level >= 3)
  config show                  Active runtime configuration
  config reload                Reload the config file and push to sensors
  help                         Show this help

Flags:
  --sentryd-url   Sentryd API URL (default http://localhost:9001)
  --auth-token    Bearer token  (or SENTRYCTL_AUTH_TOKEN env var)
  --format        table or json (default table)
`)
}
