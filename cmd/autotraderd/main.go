package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"autotrader/internal/admin"
	"autotrader/internal/daemon"
)

func main() {
	// Optional; real deployments set the environment directly.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "autotraderd",
		Usage: "autonomous trading controller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the YAML configuration file",
				EnvVars: []string{"AUTOTRADER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "admin-addr",
				Value:   "127.0.0.1:8979",
				Usage:   "admin listener address of a running daemon",
				EnvVars: []string{"AUTOTRADER_ADMIN_ADDR"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the trading daemon",
				Action: func(c *cli.Context) error {
					d, err := daemon.New(c.String("config"))
					if err != nil {
						return err
					}
					return d.Run()
				},
			},
			{
				Name:  "bot",
				Usage: "manage bots on a running daemon",
				Subcommands: []*cli.Command{
					{
						Name:    "ls",
						Aliases: []string{"list"},
						Usage:   "list bots and their current state",
						Action:  listBots,
					},
					{
						Name:      "start",
						Usage:     "start a bot",
						ArgsUsage: "<bot-id>",
						Action:    botAction((*admin.Client).StartBot),
					},
					{
						Name:      "stop",
						Usage:     "stop a bot",
						ArgsUsage: "<bot-id>",
						Action:    botAction((*admin.Client).StopBot),
					},
				},
			},
			{
				Name:  "reconcile",
				Usage: "trigger an immediate reconciliation sweep",
				Action: func(c *cli.Context) error {
					client := admin.NewClient(c.String("admin-addr"))
					if err := client.Reconcile(c.Context); err != nil {
						return err
					}
					fmt.Println("sweep scheduled")
					return nil
				},
			},
			{
				Name:      "pnl",
				Usage:     "show profit and loss for a pair",
				ArgsUsage: "<pair>",
				Action:    showPnL,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func listBots(c *cli.Context) error {
	client := admin.NewClient(c.String("admin-addr"))
	bots, err := client.ListBots(c.Context)
	if err != nil {
		return err
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].BotID < bots[j].BotID })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPAIR\tSTATUS\tSCORE\tTEMP\tNEXT\tBLOCKED BY")
	for _, b := range bots {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.3f\t%s\t%s\t%s\n",
			b.BotID, b.Name, b.Pair, b.Status, b.Score, b.Temperature, b.NextAction, b.BlockReason)
	}
	return w.Flush()
}

func botAction(call func(*admin.Client, context.Context, int64) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("expected exactly one bot id argument")
		}
		id, err := strconv.ParseInt(c.Args().First(), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid bot id %q", c.Args().First())
		}
		client := admin.NewClient(c.String("admin-addr"))
		if err := call(client, c.Context, id); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	}
}

func showPnL(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one pair argument, e.g. BTC-USD")
	}
	client := admin.NewClient(c.String("admin-addr"))
	report, err := client.PnL(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("pair:        %s\n", report.Pair)
	fmt.Printf("realized:    %s USD\n", report.RealizedUSD.StringFixed(2))
	fmt.Printf("unrealized:  %s USD\n", report.UnrealizedUSD.StringFixed(2))
	fmt.Printf("total:       %s USD\n", report.TotalUSD.StringFixed(2))
	fmt.Printf("open base:   %s\n", report.OpenBaseQty.String())
	fmt.Printf("commissions: %s USD\n", report.CommissionUSD.StringFixed(2))
	return nil
}
