package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/internal/image"
	"github.com/javanstorm/vmlab/internal/lab"
)

var labCmd = &cobra.Command{
	Use:   "lab",
	Short: "Work with lab spec files",
}

var labValidateCmd = &cobra.Command{
	Use:   "validate <spec.yaml>",
	Short: "Check a lab spec file without a server",
	Long: `Parse a YAML lab spec and apply the same checks the server runs on
lab creation: resource bounds, unique VM names, known OS images and a
well-formed deployment recipe.`,
	Args: cobra.ExactArgs(1),
	RunE: runLabValidate,
}

var labImagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List the OS images labs can use",
	RunE:  runLabImages,
}

func init() {
	labCmd.AddCommand(labValidateCmd)
	labCmd.AddCommand(labImagesCmd)
}

func runLabValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	spec, err := lab.ParseSpec(data)
	if err != nil {
		return err
	}
	if err := spec.Validate(image.Known); err != nil {
		return err
	}
	plays, _ := lab.ParseRecipe(spec.Config)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Lab %q is valid: %d VM(s), %d play(s)\n", spec.Name, len(spec.VMs), len(plays))
	for _, vm := range spec.VMs {
		fmt.Fprintf(out, "  %-16s %s  %d vCPU  %d MB  %d GB\n", vm.Name, vm.Image, vm.VCPU, vm.RAMMB, vm.DiskGB)
	}
	return nil
}

func runLabImages(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for _, id := range image.List() {
		img, err := image.Get(id)
		if err != nil {
			continue
		}
		fmt.Fprintf(out, "%-16s %s (user: %s)\n", id, img, image.DefaultUser(string(id)))
	}
	return nil
}
