package main

import (
	"encoding/json"
	"fmt"
	"time"

	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/issuance"
	"example.com/labeler/internal/lexicon"
	"github.com/spf13/cobra"
)

type labelOutput struct {
	Seq   int64         `json:"seq"`
	Label lexicon.Label `json:"label"`
}

func createCommand() *cobra.Command {
	var (
		neg bool
		cid string
		exp string
		cts string
	)
	cmd := &cobra.Command{
		Use:   "create <src> <uri> <val>",
		Short: "Sign and append one label to the store",
		Long: "Sign and append one label to the store. Running servers pick the " +
			"label up on the next subscription backfill or query.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			logger := commonRun(cfg)
			ctx := cmd.Context()

			signer, err := loadSigner(cfg, logger)
			if err != nil {
				return err
			}
			if signer == nil {
				return fmt.Errorf("%w: set MOD_SERVICE_SIGNING_KEY or run 'labeler keygen'", domain.ErrConfiguration)
			}
			store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("opening label store: %w", err)
			}
			defer store.Close()

			if cts == "" {
				cts = time.Now().UTC().Format(time.RFC3339Nano)
			}
			iss := issuance.NewIssuer(store, signer, nil, logger, nil)
			l, err := iss.Create(ctx, domain.UnsignedLabel{
				Src: args[0],
				URI: args[1],
				Val: args[2],
				CID: cid,
				Neg: neg,
				Cts: cts,
				Exp: exp,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(labelOutput{Seq: l.Seq, Label: lexicon.FromLabel(l)})
		},
	}
	cmd.Flags().BoolVar(&neg, "neg", false, "negate an earlier label with the same src, uri and val")
	cmd.Flags().StringVar(&cid, "cid", "", "pin the label to a specific record version")
	cmd.Flags().StringVar(&exp, "exp", "", "expiry as an RFC 3339 datetime")
	cmd.Flags().StringVar(&cts, "cts", "", "creation time as an RFC 3339 datetime (default now)")
	return cmd
}
