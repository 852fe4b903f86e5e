package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtm-drain/credential"
)

// NewPasswordCmd stores or removes an account password in the keyring.
// The password is read from the first line of stdin.
func NewPasswordCmd(open func() (keyring.Keyring, error)) *cobra.Command {
	var (
		address string
		remove  bool
	)

	cmd := &cobra.Command{
		Use:   "password",
		Short: "Store the account password in the system keyring (read from stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			address = strings.TrimSpace(address)
			if address == "" {
				return fmt.Errorf("--address is required")
			}

			ring, err := open()
			if err != nil {
				return err
			}

			if remove {
				if err := credential.Delete(ring, address); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed password for %s\n", address)
				return nil
			}

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				return fmt.Errorf("empty password")
			}

			if err := credential.Set(ring, address, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored password for %s\n", address)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Account address the password belongs to")
	cmd.Flags().BoolVar(&remove, "delete", false, "Remove the stored password instead")

	return cmd
}
