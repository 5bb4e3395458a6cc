package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/core-coin/tributum/pkg/x402"
	"github.com/core-coin/tributum/pkg/x402client"
)

var clientFlags = []cli.Flag{
	&cli.StringFlag{Name: "gateway", Aliases: []string{"g"}, Value: "http://localhost:8787", EnvVars: []string{"TRIBUTUM_GATEWAY"}, Usage: "Gateway base URL"},
	&cli.StringFlag{Name: "wallet", Aliases: []string{"w"}, EnvVars: []string{"TRIBUTUM_WALLET"}, Usage: "Paying wallet address"},
	&cli.StringFlag{Name: "user-id", Usage: "Explicit user id"},
	&cli.IntFlag{Name: "max-verify-retries", Value: 20, Usage: "Resubmissions of an unverified proof"},
	&cli.BoolFlag{Name: "explorer-fallback", Value: true, Usage: "Accept an explorer link when verification never succeeds"},
}

func invokeCommand() *cli.Command {
	return &cli.Command{
		Name:      "invoke",
		Usage:     "Run one paid inference call, settling the invoice interactively",
		ArgsUsage: "<prompt>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "Model id; empty lets the gateway route"},
		}, clientFlags...),
		Action: func(c *cli.Context) error {
			prompt := strings.Join(c.Args().Slice(), " ")
			if prompt == "" {
				return fmt.Errorf("a prompt is required")
			}
			client, err := newClient(c, promptSettler{in: bufio.NewReader(os.Stdin), out: c.App.Writer})
			if err != nil {
				return err
			}
			out, err := client.InvokeModel(c.Context, prompt, c.String("model"))
			if err != nil {
				return err
			}
			return printOutcome(c.App.Writer, out)
		},
	}
}

func checkinCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkin",
		Usage: "Claim the daily check-in reward for a wallet",
		Flags: clientFlags,
		Action: func(c *cli.Context) error {
			client, err := newClient(c, nil)
			if err != nil {
				return err
			}
			out, err := client.ClaimCheckin(c.Context)
			if err != nil {
				return err
			}
			return printOutcome(c.App.Writer, out)
		},
	}
}

func ledgerCommand() *cli.Command {
	return &cli.Command{
		Name:  "ledger",
		Usage: "List the invoices recorded for a user",
		Flags: append([]cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Maximum entries"},
		}, clientFlags...),
		Action: func(c *cli.Context) error {
			client, err := newClient(c, nil)
			if err != nil {
				return err
			}
			entries, err := client.Ledger(c.Context, c.String("user-id"), c.Int("limit"))
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(c.App.Writer, "%v  %-16v %-16v %v USDC  %v\n",
					e["created_at"], e["type"], e["status"], e["amount_usdc"], e["request_id"])
			}
			return nil
		},
	}
}

func newClient(c *cli.Context, settler x402client.Settler) (*x402client.Client, error) {
	opts := []x402client.Option{
		x402client.WithWallet(c.String("wallet")),
		x402client.WithUserID(c.String("user-id")),
		x402client.WithMaxVerifyRetries(c.Int("max-verify-retries")),
		x402client.WithExplorerFallback(c.Bool("explorer-fallback")),
		x402client.WithHooks(x402client.Hooks{
			OnPaymentSettled: func(inv *x402.Invoice, proof *x402.Proof) {
				fmt.Fprintf(c.App.ErrWriter, "submitted %s for %s, waiting for verification\n", proof.Reference(), inv.RequestID)
			},
		}),
	}
	if settler != nil {
		opts = append(opts, x402client.WithSettler(settler))
	}
	return x402client.New(c.String("gateway"), opts...)
}

// promptSettler shows the invoice and reads the settlement reference of a
// transfer the user made out of band. An empty line declines.
type promptSettler struct {
	in  *bufio.Reader
	out io.Writer
}

func (p promptSettler) Settle(ctx context.Context, inv *x402.Invoice) (*x402.Proof, error) {
	fmt.Fprintf(p.out, "Payment required: %s\n", inv.Description)
	fmt.Fprintf(p.out, "  amount:    %s %s\n", decimal.NewFromFloat(inv.AmountUSDC).StringFixed(6), inv.Currency)
	fmt.Fprintf(p.out, "  recipient: %s (%s)\n", inv.Recipient, inv.Network)
	fmt.Fprintf(p.out, "  memo:      %s\n", inv.Memo)
	if inv.PaymentURL != "" {
		fmt.Fprintf(p.out, "  pay at:    %s\n", inv.PaymentURL)
	}
	fmt.Fprint(p.out, "Transaction signature (empty to cancel): ")

	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	ref := strings.TrimSpace(line)
	if ref == "" {
		return nil, nil
	}
	return &x402.Proof{
		Kind:        x402.ProofOnChain,
		Network:     inv.Network,
		TxReference: ref,
		Amount:      decimal.NewFromFloat(inv.AmountUSDC),
	}, nil
}

func printOutcome(w io.Writer, out *x402client.Outcome) error {
	if out.Status == x402client.StatusCancelled {
		fmt.Fprintln(w, "Payment cancelled.")
		return nil
	}
	if out.Unverified {
		fmt.Fprintf(w, "Payment not confirmed by the gateway; check %s\n", out.ExplorerURL)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out.Result)
}
