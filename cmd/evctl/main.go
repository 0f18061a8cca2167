package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"evapi/pkg/client"

	"github.com/spf13/cobra"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd.Execute()
}

// rootOptions holds the global flags shared by every command.
type rootOptions struct {
	URL            string
	Timeout        time.Duration
	Format         string
	IdempotencyKey string
	Token          string
}

func (o *rootOptions) client() *client.Client {
	c := client.NewClient(o.URL, o.Timeout)
	c.Token = o.Token
	return c
}

func (o *rootOptions) submitOpts() []client.RequestOption {
	if o.IdempotencyKey == "" {
		return nil
	}
	return []client.RequestOption{client.WithIdempotencyKey(o.IdempotencyKey)}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "evctl",
		Short:         "Command line client for the EV charging ledger gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			if opts.URL == "" {
				return errors.New("gateway url required")
			}
			return nil
		},
	}
	defURL := os.Getenv("EVAPI_URL")
	if defURL == "" {
		defURL = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.URL, "url", defURL, "gateway base url")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 35*time.Second, "request timeout")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "Idempotency-Key sent with submits")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("EVAPI_TOKEN"), "operator bearer token for audit lookups")

	cmd.AddCommand(
		newEnrollAdminCommand(opts),
		newCreateStakeholderCommand(opts),
		newTransferCommand(opts),
		newQueryCommand(opts),
		newBalanceCommand(opts),
		newRegisterCDRCommand(opts),
		newSettleCDRCommand(opts),
		newProcessCDRCommand(opts),
		newAuditCommand(opts),
	)
	return cmd
}

// print writes a gateway answer as plain text or wrapped in a JSON object.
func (o *rootOptions) print(cmd *cobra.Command, result any) error {
	out := cmd.OutOrStdout()
	if o.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"status": "ok", "data": result})
	}
	switch v := result.(type) {
	case string:
		_, err := fmt.Fprintln(out, v)
		return err
	default:
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(raw))
		return err
	}
}
