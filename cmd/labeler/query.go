package main

import (
	"encoding/json"
	"fmt"

	"example.com/labeler/internal/domain"
	"example.com/labeler/internal/lexicon"
	"example.com/labeler/internal/signing"
	"example.com/labeler/internal/storage"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type queryFlags struct {
	patterns []string
	sources  []string
	val      string
	cursor   int64
	limit    int
	verify   bool
	did      string
}

func (f *queryFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVar(&f.patterns, "pattern", nil, "uri pattern, exact or with a trailing * (repeatable)")
	fs.StringArrayVar(&f.sources, "src", nil, "only labels from this source (repeatable)")
	fs.StringVar(&f.val, "val", "", "only labels with this value")
	fs.Int64Var(&f.cursor, "cursor", 0, "start after this seq")
	fs.IntVar(&f.limit, "limit", 0, "stop after this many labels (0 for all)")
	fs.BoolVar(&f.verify, "verify", false, "check every signature")
	fs.StringVar(&f.did, "did", "", "did:key to verify against (default: the configured signing key)")
}

type queryOutput struct {
	labelOutput
	Verified *bool `json:"verified,omitempty"`
}

func queryCommand() *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print raw label history, negations included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			logger := commonRun(cfg)
			ctx := cmd.Context()

			patterns, err := storage.ParsePatterns(f.patterns)
			if err != nil {
				return err
			}

			var pub *secp256k1.PublicKey
			if f.verify {
				switch {
				case f.did != "":
					if pub, err = signing.ParseDIDKey(f.did); err != nil {
						return err
					}
				default:
					signer, err := loadSigner(cfg, logger)
					if err != nil {
						return err
					}
					if signer == nil {
						return fmt.Errorf("%w: --verify needs --did or a signing key", domain.ErrConfiguration)
					}
					pub = signer.PublicKey()
				}
			}

			store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("opening label store: %w", err)
			}
			defer store.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			filter := storage.Filter{
				Patterns: patterns,
				Sources:  f.sources,
				Cursor:   f.cursor,
				Limit:    cfg.BackfillPageSize,
			}
			printed, failed := 0, 0
			for {
				page, err := store.Query(ctx, filter)
				if err != nil {
					return err
				}
				for _, l := range page.Labels {
					if f.val != "" && l.Val != f.val {
						continue
					}
					out := queryOutput{labelOutput: labelOutput{Seq: l.Seq, Label: lexicon.FromLabel(l)}}
					if pub != nil {
						ok := signing.Verify(pub, l) == nil
						if !ok {
							failed++
						}
						out.Verified = &ok
					}
					if err := enc.Encode(out); err != nil {
						return err
					}
					printed++
					if f.limit > 0 && printed >= f.limit {
						return verifyResult(failed)
					}
				}
				if len(page.Labels) < filter.Limit {
					return verifyResult(failed)
				}
				filter.Cursor = page.Next
			}
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func verifyResult(failed int) error {
	if failed > 0 {
		return fmt.Errorf("%d label(s) failed signature verification", failed)
	}
	return nil
}
