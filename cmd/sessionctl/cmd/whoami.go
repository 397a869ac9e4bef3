package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ggoodman/authsession-go/sessions"
	"github.com/spf13/cobra"
)

func newWhoamiCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Validate the stored session and print the signed-in identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.coord.BootstrapOrRefresh(cmd.Context()); err != nil {
				a.log.DebugContext(cmd.Context(), "sessionctl.whoami.bootstrap_failed", slog.String("err", err.Error()))
			}
			snap := a.coord.Session().Snapshot()
			if !snap.IsAuthenticated() {
				return errNotAuthenticated
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(whoamiOutput{
					State:   string(snap.State),
					Subject: snap.Identity.Subject,
					Role:    string(snap.Identity.Role),
					Admin:   snap.Identity.IsAdmin(),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatSnapshot(snap))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session snapshot as JSON")
	return cmd
}

type whoamiOutput struct {
	State   string `json:"state"`
	Subject string `json:"subject"`
	Role    string `json:"role"`
	Admin   bool   `json:"admin"`
}

func formatSnapshot(s sessions.Snapshot) string {
	if s.Identity == nil {
		return fmt.Sprintf("state=%s", s.State)
	}
	return fmt.Sprintf("state=%s subject=%s role=%s", s.State, s.Identity.Subject, s.Identity.Role)
}
