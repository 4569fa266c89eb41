// Package cli wires the ocbridge command tree.
package cli

import (
	"github.com/coder/serpent"
)

// Root returns the top-level ocbridge command.
func Root() *serpent.Command {
	return &serpent.Command{
		Use:         "ocbridge",
		Short:       "Bridge Telegram forum topics to per-workspace opencode agents.",
		HelpHandler: serpent.DefaultHelpFn(),
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
		Children: []*serpent.Command{
			server(),
		},
	}
}
