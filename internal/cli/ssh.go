package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sshCmd = &cobra.Command{
	Use:   "ssh",
	Short: "Manage the gateway SSH identity",
	Long: `Manage the SSH key pair the gateway logs into VMs with when ssh_mode
is "shell".

Examples:
  vmlab ssh keygen    # Generate the gateway key pair
  vmlab ssh pubkey    # Print the public key for authorized_keys`,
}

var sshKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the gateway SSH key pair",
	Long:  `Generate an ed25519 key pair for the gateway. Keys are stored in ~/.vmlab/ssh/ unless ssh_key_path is set.`,
	RunE:  runSSHKeygen,
}

var sshPubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print public key for authorized_keys",
	Long:  `Print the gateway public key, suitable for a VM image's authorized_keys.`,
	RunE:  runSSHPubkey,
}

func init() {
	sshCmd.AddCommand(sshKeygenCmd)
	sshCmd.AddCommand(sshPubkeyCmd)
}

func runSSHKeygen(cmd *cobra.Command, args []string) error {
	manager, err := keyManager(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	created, err := manager.EnsureKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	if !created {
		fmt.Fprintln(out, "SSH key pair already exists:")
	} else {
		fmt.Fprintln(out, "SSH key pair generated:")
	}
	fmt.Fprintf(out, "  Private key: %s\n", manager.PrivateKeyPath())
	fmt.Fprintf(out, "  Public key:  %s.pub\n", manager.PrivateKeyPath())
	if created {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Add the public key to your VM images ('vmlab ssh pubkey') and set ssh_mode: shell.")
	}
	return nil
}

func runSSHPubkey(cmd *cobra.Command, args []string) error {
	manager, err := keyManager(cfg)
	if err != nil {
		return err
	}
	content, err := manager.PublicKey()
	if err != nil {
		return err
	}
	// Print just the key for easy copy-paste or piping
	fmt.Fprint(cmd.OutOrStdout(), content)
	return nil
}
