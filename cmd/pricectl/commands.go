package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/jcmexdev/patch-storefront/internal/pricing"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/checkout"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/domain/entity"
)

func newRootCmd() *cobra.Command {
	var profilesPath string

	root := &cobra.Command{
		Use:          "pricectl",
		Short:        "Inspect and validate storefront pricing profiles",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&profilesPath, "profiles", "", "pricing profiles YAML (default: the table built into the storefront)")

	load := func() (*pricing.Catalog, error) {
		return pricing.LoadFile(profilesPath)
	}
	root.AddCommand(
		newQuoteCmd(load),
		newProfilesCmd(load),
		newValidateCmd(),
	)
	return root
}

type catalogLoader func() (*pricing.Catalog, error)

func newQuoteCmd(load catalogLoader) *cobra.Command {
	var (
		product  string
		width    float64
		height   float64
		quantity int
		delivery string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price one line the way checkout would",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkQuoteFlags(width, height, delivery); err != nil {
				return err
			}
			catalog, err := load()
			if err != nil {
				return err
			}
			q, err := catalog.ComputePrice(product, width, height, quantity)
			if err != nil {
				return err
			}
			ups, err := catalog.UpsellTiers(product, width, height, quantity)
			if err != nil {
				return err
			}
			total := checkout.Discounted(q.TotalPrice, entity.DeliveryOption(delivery))

			out := cmd.OutOrStdout()
			if asJSON {
				return writeQuoteJSON(out, q, total, ups)
			}
			if q.UsedFallback {
				fmt.Fprintf(out, "warning: %q is not a known product, priced as %s\n", product, q.Profile)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "profile\t%s\n", q.Profile)
			fmt.Fprintf(tw, "size\t%d\"\n", q.ResolvedSize)
			fmt.Fprintf(tw, "quantity\t%d\n", q.Quantity)
			fmt.Fprintf(tw, "unit price\t%s\n", q.UnitPrice.StringFixed(2))
			fmt.Fprintf(tw, "total\t%s\n", q.TotalPrice.StringFixed(2))
			fmt.Fprintf(tw, "charged (%s)\t%s\n", delivery, total.StringFixed(2))
			for _, u := range ups {
				fmt.Fprintf(tw, "upsell %d\t%s each, %s total, save %d%%\n",
					u.Quantity, u.UnitPrice.StringFixed(2), u.TotalPrice.StringFixed(2), u.SavingsPercent)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&product, "product", "", "product name")
	cmd.Flags().Float64Var(&width, "width", 0, "width in inches")
	cmd.Flags().Float64Var(&height, "height", 0, "height in inches")
	cmd.Flags().IntVar(&quantity, "quantity", 0, "number of pieces")
	cmd.Flags().StringVar(&delivery, "delivery", string(entity.DeliveryStandard), "rush, standard or economy")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("width")
	_ = cmd.MarkFlagRequired("height")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func newProfilesCmd(load catalogLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List pricing profiles and their quantity breakpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := load()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROFILE\tSIZES\tBREAKPOINTS\tDEFAULT")
			for _, p := range catalog.Profiles() {
				def := ""
				if p == catalog.Default() {
					def = "yes"
				}
				bps := make([]string, len(p.Breakpoints))
				for i, bp := range p.Breakpoints {
					bps[i] = fmt.Sprint(bp)
				}
				fmt.Fprintf(tw, "%s\t%d-%d\"\t%s\t%s\n", p.Name, p.MinSize, p.MaxSize, strings.Join(bps, ","), def)
			}
			return tw.Flush()
		},
	}
}

func newValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a pricing profiles file before deploying it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := pricing.LoadFile(file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d profiles, default %q\n", len(catalog.Profiles()), catalog.Default().Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "profiles YAML to validate")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func checkQuoteFlags(width, height float64, delivery string) error {
	for _, d := range []float64{width, height} {
		if !(d >= checkout.MinDimension && d <= checkout.MaxDimension) {
			return fmt.Errorf("dimensions must be between %v and %v inches", checkout.MinDimension, checkout.MaxDimension)
		}
	}
	switch entity.DeliveryOption(delivery) {
	case entity.DeliveryRush, entity.DeliveryStandard, entity.DeliveryEconomy:
		return nil
	default:
		return fmt.Errorf("unknown delivery option %q", delivery)
	}
}

type quoteJSON struct {
	Profile         string       `json:"profile"`
	UsedFallback    bool         `json:"usedFallback"`
	ResolvedSize    int          `json:"resolvedSize"`
	Quantity        int          `json:"quantity"`
	UnitPrice       json.Number  `json:"unitPrice"`
	TotalPrice      json.Number  `json:"totalPrice"`
	DiscountedTotal json.Number  `json:"discountedTotal"`
	Upsell          []upsellJSON `json:"upsell"`
}

type upsellJSON struct {
	Quantity       int         `json:"quantity"`
	UnitPrice      json.Number `json:"unitPrice"`
	TotalPrice     json.Number `json:"totalPrice"`
	SavingsPercent int64       `json:"savingsPercent"`
}

func writeQuoteJSON(w io.Writer, q pricing.Quote, total decimal.Decimal, ups []pricing.Upsell) error {
	out := quoteJSON{
		Profile:         q.Profile,
		UsedFallback:    q.UsedFallback,
		ResolvedSize:    q.ResolvedSize,
		Quantity:        q.Quantity,
		UnitPrice:       json.Number(q.UnitPrice.StringFixed(2)),
		TotalPrice:      json.Number(q.TotalPrice.StringFixed(2)),
		DiscountedTotal: json.Number(total.StringFixed(2)),
		Upsell:          make([]upsellJSON, 0, len(ups)),
	}
	for _, u := range ups {
		out.Upsell = append(out.Upsell, upsellJSON{
			Quantity:       u.Quantity,
			UnitPrice:      json.Number(u.UnitPrice.StringFixed(2)),
			TotalPrice:     json.Number(u.TotalPrice.StringFixed(2)),
			SavingsPercent: u.SavingsPercent,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
