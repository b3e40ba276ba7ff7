package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeApp(a)

			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", a.Config.StorageDriver)
			return nil
		},
	}
}

type SeedOptions struct {
	*RootOptions
	File string
}

func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load products and opening stock",
		Long: `Load products and opening stock. Products whose code already exists are
skipped, so seeding twice is harmless.

Without --file the ten-product demo catalog is used. A seed file looks like:

  products:
    - code: PRD001
      name: Laptop ASUS ROG
      price: 15000000
      stock: 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items := storage.DefaultCatalog()
			if opts.File != "" {
				var err error
				if items, err = storage.LoadSeedFile(opts.File); err != nil {
					return err
				}
			}

			a, err := openApp(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closeApp(a)

			n, err := a.Seed(cmd.Context(), items)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d of %d products\n", n, len(items))
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "YAML seed file")

	return cmd
}

func NewProductsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List products with their current stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeApp(a)

			products, err := a.Service.ListProducts(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), products)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCODE\tNAME\tPRICE\tSTOCK")
			for _, p := range products {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", p.ID, p.Code, p.Name, formatPrice(p.Price, a.Config.Currency), p.Quantity)
			}
			return tw.Flush()
		},
	}
}

func NewPurchasesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purchases",
		Short: "List purchases, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeApp(a)

			purchases, err := a.Service.ListPurchases(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), purchases)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNUMBER\tPRODUCT\tQTY\tTOTAL\tSTATUS\tCREATED")
			for _, p := range purchases {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
					p.ID, p.Number, p.ProductName, p.Quantity,
					formatPrice(p.TotalPrice, a.Config.Currency), p.Status,
					p.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}

type BuyOptions struct {
	*RootOptions
	ProductID  int64
	Quantity   int
	RequestKey string
}

func NewBuyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "buy",
		Short: "Buy a quantity of a product",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closeApp(a)

			var p domain.Purchase
			if opts.RequestKey != "" {
				p, err = a.Service.CreatePurchaseOnce(cmd.Context(), opts.RequestKey, opts.ProductID, opts.Quantity)
			} else {
				p, err = a.Service.CreatePurchase(cmd.Context(), opts.ProductID, opts.Quantity)
			}
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), p)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "purchase %d (%s): %d x product %d, total %s\n",
				p.ID, p.Number, p.Quantity, p.ProductID, formatPrice(p.TotalPrice, a.Config.Currency))
			return nil
		},
	}

	cmd.Flags().Int64VarP(&opts.ProductID, "product", "p", 0, "product id")
	cmd.Flags().IntVarP(&opts.Quantity, "quantity", "q", 1, "quantity to buy")
	cmd.Flags().StringVar(&opts.RequestKey, "request-key", "", "idempotency key; a repeated key is rejected")
	cmd.MarkFlagRequired("product")

	return cmd
}

type CancelOptions struct {
	*RootOptions
	PurchaseID int64
}

func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CancelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an active purchase and return its stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.Service.CancelPurchase(cmd.Context(), opts.PurchaseID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purchase %d cancelled\n", opts.PurchaseID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&opts.PurchaseID, "id", 0, "purchase id")
	cmd.MarkFlagRequired("id")

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
