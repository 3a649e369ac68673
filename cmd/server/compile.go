package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/KevinKickass/OpenInstrumentCore/internal/instrument"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var flagCompileJSON bool

func init() {
	compileCmd.Flags().BoolVar(&flagCompileJSON, "json", false, "print the binding map as JSON")
	rootCmd.AddCommand(compileCmd)
}

var compileCmd = &cobra.Command{
	Use:   "compile <catalog>",
	Short: "Compile a command catalog and print its bindings",
	Long: `Compile a catalog file (or a catalog name from the configured search
paths) and print the resulting signals, derived signals and diagnostics.

	Examples:
	  server compile configs/catalogs/sr830.yaml
	  server compile funcgen --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		manager, err := instrument.NewManager(instrument.ManagerConfig{SearchPaths: cfg.Catalogs.SearchPaths}, zap.NewNop())
		if err != nil {
			return err
		}
		cat, path, err := manager.Compile(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if flagCompileJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"catalog":     path,
				"instrument":  cat.Instrument,
				"bindings":    cat.Bindings(),
				"derived":     cat.DerivedSpecs(),
				"diagnostics": cat.Diagnostics,
			})
		}

		fmt.Fprintf(out, "%s (%s %s)\n\n", path, cat.Instrument.Vendor, cat.Instrument.Model)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SIGNAL\tCATEGORY\tKIND\tCOMMAND\tCONFIGS\tORIGIN")
		for _, b := range cat.Bindings() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", b.Name, b.Category, b.Kind, b.Command, formatConfigs(b.FixedConfigs), b.Origin)
		}
		for _, d := range cat.DerivedSpecs() {
			fmt.Fprintf(w, "%s\tderived\thinted\t%s\t-\t%s\n", d.Name, d.Source, d.Function)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if len(cat.Diagnostics) > 0 {
			fmt.Fprintf(out, "\n%d skipped:\n", len(cat.Diagnostics))
			for _, d := range cat.Diagnostics {
				fmt.Fprintf(out, "  %s [%s]\n", d, d.Code)
			}
		}
		return nil
	},
}

func formatConfigs(configs map[string]any) string {
	if len(configs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(configs))
	for k, v := range configs {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
