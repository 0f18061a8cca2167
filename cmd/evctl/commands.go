package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"evapi/pkg/client"

	"github.com/spf13/cobra"
)

func newEnrollAdminCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enroll-admin",
		Short: "Enroll the CA admin into the gateway wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.client().EnrollAdmin(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd, msg)
		},
	}
}

func newCreateStakeholderCommand(opts *rootOptions) *cobra.Command {
	var s client.Stakeholder
	cmd := &cobra.Command{
		Use:   "create-stakeholder",
		Short: "Register a stakeholder with the CA and create it on the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.client().CreateStakeholder(cmd.Context(), s, opts.submitOpts()...)
			if err != nil {
				return err
			}
			return opts.print(cmd, msg)
		},
	}
	cmd.Flags().StringVar(&s.ContractID, "contract-id", "", "stakeholder contract id, also its wallet identity")
	cmd.Flags().StringVar(&s.UID, "uid", "", "stakeholder user id")
	cmd.Flags().StringVar(&s.Role, "role", "", "stakeholder role (CPO, EMSP, FI, ...)")
	cmd.Flags().StringVar(&s.WalletBalance, "wallet-balance", "0", "opening wallet balance")
	cmd.Flags().StringVar(&s.Fees, "fees", "0", "stakeholder fees")
	_ = cmd.MarkFlagRequired("contract-id")
	return cmd
}

func newTransferCommand(opts *rootOptions) *cobra.Command {
	var t client.Transfer
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer balance between two stakeholders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.client().Transfer(cmd.Context(), t, opts.submitOpts()...)
			if err != nil {
				return err
			}
			return opts.print(cmd, msg)
		},
	}
	cmd.Flags().StringVar(&t.FromID, "from", "", "sender contract id")
	cmd.Flags().StringVar(&t.ToID, "to", "", "receiver contract id")
	cmd.Flags().StringVar(&t.Amount, "amount", "", "amount, sent verbatim")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <stakeholder-id> <record-id>",
		Short: "Read a record from the ledger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := opts.client().Query(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return opts.print(cmd, out)
		},
	}
}

func newBalanceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <stakeholder-id> <contract-id>",
		Short: "Read a stakeholder balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := opts.client().GetBalance(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return opts.print(cmd, out)
		},
	}
}

func newRegisterCDRCommand(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register-cdr --file cdr.json",
		Short: "Register a charge detail record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cdr, err := readCDR(file)
			if err != nil {
				return err
			}
			msg, err := opts.client().RegisterCDR(cmd.Context(), cdr, opts.submitOpts()...)
			if err != nil {
				return err
			}
			return opts.print(cmd, msg)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CDR json file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newSettleCDRCommand(opts *rootOptions) *cobra.Command {
	var s client.Settlement
	cmd := &cobra.Command{
		Use:   "settle-cdr",
		Short: "Settle a registered charge detail record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.client().SettlementCDR(cmd.Context(), s, opts.submitOpts()...)
			if err != nil {
				return err
			}
			return opts.print(cmd, msg)
		},
	}
	cmd.Flags().StringVar(&s.RecordID, "record-id", "", "CDR record id")
	cmd.Flags().StringVar(&s.ContractIDFI, "fi", "", "financial institution contract id")
	cmd.Flags().StringVar(&s.ContractIDEMSP, "emsp", "", "EMSP contract id, the submitting identity")
	_ = cmd.MarkFlagRequired("record-id")
	_ = cmd.MarkFlagRequired("emsp")
	return cmd
}

func newProcessCDRCommand(opts *rootOptions) *cobra.Command {
	var file, fi, emsp string
	cmd := &cobra.Command{
		Use:   "process-cdr --file cdr.json",
		Short: "Register and settle a charge detail record in one transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cdr, err := readCDR(file)
			if err != nil {
				return err
			}
			if fi != "" {
				cdr["contractIdFI"] = fi
			}
			if emsp != "" {
				cdr["contractIdEMSP"] = emsp
			}
			msg, err := opts.client().ProcessCDR(cmd.Context(), cdr, opts.submitOpts()...)
			if err != nil {
				return err
			}
			return opts.print(cmd, msg)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CDR json file")
	cmd.Flags().StringVar(&fi, "fi", "", "financial institution contract id, overrides the file")
	cmd.Flags().StringVar(&emsp, "emsp", "", "EMSP contract id, overrides the file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newAuditCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <audit-id>",
		Short: "Show one audit record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := opts.client().Audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd, rec)
		},
	}
}

// readCDR loads a CDR object, keeping numeric fields as their literal text.
func readCDR(path string) (client.CDR, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read cdr: %w", err)
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.UseNumber()
	var cdr client.CDR
	if err := dec.Decode(&cdr); err != nil {
		return nil, fmt.Errorf("decode cdr: %w", err)
	}
	if cdr == nil {
		return nil, fmt.Errorf("decode cdr: %s is not a JSON object", path)
	}
	return cdr, nil
}
