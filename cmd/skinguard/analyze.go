package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/skinguard/backend/internal/models"
)

// analyzeOutput is the JSON printed by analyze. ScanID is set when the
// scan was stored.
type analyzeOutput struct {
	ScanID string                 `json:"scanId,omitempty"`
	Result *models.AnalysisResult `json:"result"`
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var (
		list        string
		allergens   []string
		skinType    string
		concerns    []string
		product     models.Product
		save        bool
		withProfile bool
	)

	cmd := &cobra.Command{
		Use:   "analyze [ingredient...]",
		Short: "Analyze an ingredient list for conflicts and allergens",
		Long: `Analyze an ingredient list against the rule table and a skin profile.
Ingredients are given as arguments, as a comma separated --list, or both.
The result is printed as JSON. With --save the scan is stored locally and
queued for the next sync.`,
		Example: `  skinguard analyze Retinol "Vitamin C" Water
  skinguard analyze --list "Aqua, Parfum, Retinol" --allergen fragrance
  skinguard analyze --profile --save --barcode 4006381333931 Retinol`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			product.Ingredients = append(args, splitList(list)...)

			engine, err := a.newEngine(ctx)
			if err != nil {
				return err
			}

			profile := models.SkinProfile{}
			out := analyzeOutput{}
			svc := a.newScanService(engine, nil)

			if save || withProfile {
				s, err := a.openStore()
				if err != nil {
					return err
				}
				defer s.Close()
				svc = a.newScanService(engine, s)

				if withProfile {
					if profile, err = svc.Profile(ctx); err != nil {
						return err
					}
				}
			}
			profile = mergeProfileFlags(profile, skinType, concerns, allergens)

			if save {
				scan, err := svc.Scan(ctx, product, profile)
				if err != nil {
					return err
				}
				out.ScanID = scan.ID
				out.Result = scan.Result
				return printJSON(cmd, out)
			}

			result, err := svc.Analyze(product, profile)
			if err != nil {
				return err
			}
			out.Result = result
			return printJSON(cmd, out)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&list, "list", "", "comma separated ingredient list")
	flags.StringSliceVar(&allergens, "allergen", nil, "declared allergen (repeatable)")
	flags.StringVar(&skinType, "skin-type", "", "skin type: normal, oily, dry, combination, sensitive")
	flags.StringSliceVar(&concerns, "concern", nil, "skin concern (repeatable)")
	flags.StringVar(&product.ID, "product-id", "", "product id")
	flags.StringVar(&product.Barcode, "barcode", "", "product barcode")
	flags.StringVar(&product.Name, "name", "", "product name")
	flags.StringVar(&product.Brand, "brand", "", "product brand")
	flags.BoolVar(&save, "save", false, "store the scan in the local database")
	flags.BoolVar(&withProfile, "profile", false, "use the stored skin profile")
	return cmd
}

// splitList splits a printed ingredient list on commas. Blank entries are
// left for the engine to drop.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// mergeProfileFlags layers command line values over a stored profile.
// Flag allergens and concerns are added, a flag skin type replaces.
func mergeProfileFlags(p models.SkinProfile, skinType string, concerns, allergens []string) models.SkinProfile {
	if skinType != "" {
		p.SkinType = models.SkinType(skinType)
	}
	for _, c := range concerns {
		if !p.HasConcern(models.SkinConcern(c)) {
			p.Concerns = append(p.Concerns, models.SkinConcern(c))
		}
	}
	p.Allergens = append(p.Allergens, allergens...)
	return p
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
