package main

import (
	"github.com/spf13/cobra"

	"github.com/kimhsiao/skinguard/backend/internal/models"
)

func newProfileCmd(a *app) *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or edit the stored skin profile",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored skin profile as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			profile, err := a.newScanService(nil, s).Profile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, profile)
		},
	}

	var (
		skinType  string
		concerns  []string
		allergens []string
		brands    []string
		avoid     []string
		replace   bool
	)
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Update the stored skin profile",
		Long: `Update the stored skin profile. Lists are added to the stored values
unless --replace is given. The change is synced like any other record.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			svc := a.newScanService(nil, s)

			profile := models.SkinProfile{}
			if !replace {
				if profile, err = svc.Profile(cmd.Context()); err != nil {
					return err
				}
			}
			profile = mergeProfileFlags(profile, skinType, concerns, allergens)
			profile.PreferredBrands = append(profile.PreferredBrands, brands...)
			profile.AvoidIngredients = append(profile.AvoidIngredients, avoid...)

			if _, err := svc.SaveProfile(cmd.Context(), profile); err != nil {
				return err
			}
			return printJSON(cmd, profile)
		},
	}
	flags := setCmd.Flags()
	flags.StringVar(&skinType, "skin-type", "", "skin type: normal, oily, dry, combination, sensitive")
	flags.StringSliceVar(&concerns, "concern", nil, "skin concern (repeatable)")
	flags.StringSliceVar(&allergens, "allergen", nil, "declared allergen (repeatable)")
	flags.StringSliceVar(&brands, "brand", nil, "preferred brand (repeatable)")
	flags.StringSliceVar(&avoid, "avoid", nil, "ingredient to avoid (repeatable)")
	flags.BoolVar(&replace, "replace", false, "replace the stored profile instead of extending it")

	profileCmd.AddCommand(showCmd, setCmd)
	return profileCmd
}
