package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/rollcall/internal/encoding"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var encodingsCmd = &cobra.Command{
	Use:   "encodings",
	Short: "Export or import the encoding store as YAML",
}

var encodingsExportCmd = &cobra.Command{
	Use:   "export <file.yaml>",
	Short: "Write every valid encoding to a YAML file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		encs, err := encoding.LoadMatchable(cmd.Context(), DB, logging.Component(Logger, "encoding"))
		if err != nil {
			utils.Die("Failed to read encodings", err, nil)
		}
		if err := encoding.WriteFile(args[0], encs); err != nil {
			utils.Die("Failed to write encodings file", err, nil)
		}
		fmt.Fprintf(os.Stderr, "💾 Exported %d encodings to %s\n", len(encs), args[0])
	},
}

var encodingsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Load encodings from a YAML file, replacing those of the same identities",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := encoding.ReadFile(args[0])
		if err != nil {
			utils.Die("Failed to read encodings file", err, nil)
		}

		imported, skipped := 0, 0
		for _, e := range f.Encodings {
			if err := encoding.Validate(e); err != nil {
				Logger.Warn("skipping malformed encoding", "identity", e.IdentityID, "error", err)
				skipped++
				continue
			}
			if err := DB.UpsertEncoding(cmd.Context(), e.IdentityID, e.Vector); err != nil {
				utils.Die(fmt.Sprintf("Failed to store encoding for %s", e.IdentityID), err, nil)
			}
			imported++
		}
		fmt.Fprintf(os.Stderr, "📥 Imported %d encodings (%d malformed skipped)\n", imported, skipped)
	},
}

func init() {
	encodingsCmd.AddCommand(encodingsExportCmd, encodingsImportCmd)
	rootCmd.AddCommand(encodingsCmd)
}
