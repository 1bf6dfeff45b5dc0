package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var identitiesCmd = &cobra.Command{
	Use:     "identities",
	Aliases: []string{"id"},
	Short:   "Manage the people attendance can be recorded for",
}

var (
	addGroup    string
	addInactive bool
)

var identitiesAddCmd = &cobra.Command{
	Use:   "add <identity_id> <name>",
	Short: "Create or replace an identity",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ident := types.Identity{ID: args[0], DisplayName: args[1], Group: addGroup, Active: !addInactive}
		if err := DB.UpsertIdentity(cmd.Context(), ident); err != nil {
			utils.Die("Failed to save identity", err, nil)
		}
		state := "active"
		if !ident.Active {
			state = "inactive"
		}
		fmt.Printf("✅ Identity %s saved as '%s' (%s)\n", ident.ID, ident.DisplayName, state)
	},
}

var identitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known identities in the database",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context(), os.Stdout)
	},
}

var identitiesLabelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Assign a display name to an identity",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runLabel(cmd.Context(), args[0], args[1])
	},
}

func init() {
	identitiesAddCmd.Flags().StringVar(&addGroup, "class", "", "Group (class or section) the identity belongs to")
	identitiesAddCmd.Flags().BoolVar(&addInactive, "inactive", false, "Store the identity as not currently enrolled")

	identitiesCmd.AddCommand(identitiesAddCmd, identitiesListCmd, identitiesLabelCmd)
	rootCmd.AddCommand(identitiesCmd)
}

func runList(ctx context.Context, out io.Writer) {
	identities, err := DB.ListIdentities(ctx)
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}
	encs, err := DB.AllEncodings(ctx)
	if err != nil {
		utils.Die("Failed to list encodings", err, nil)
	}
	enrolled := make(map[string]bool, len(encs))
	for _, e := range encs {
		enrolled[e.IdentityID] = true
	}
	writeIdentities(out, identities, enrolled)
}

func writeIdentities(out io.Writer, identities []types.Identity, enrolled map[string]bool) {
	if len(identities) == 0 {
		fmt.Fprintln(out, "No identities found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGROUP\tACTIVE\tENCODING")
	fmt.Fprintln(w, "--\t----\t-----\t------\t--------")
	for _, id := range identities {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id.ID, id.DisplayName, dash(id.Group), yesNo(id.Active), yesNo(enrolled[id.ID]))
	}
	w.Flush()
}

func runLabel(ctx context.Context, id, name string) {
	if err := DB.RenameIdentity(ctx, id, name); err != nil {
		if errors.Is(err, attendance.ErrIdentityNotFound) {
			utils.Die("Unknown identity", fmt.Errorf("no identity with id %s", id), nil)
		}
		utils.Die("Failed to label identity", err, nil)
	}
	fmt.Printf("✅ Identity %s labeled as '%s'\n", id, name)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
