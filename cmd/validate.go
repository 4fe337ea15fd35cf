package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/netmgr/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load and validate a configuration file without starting anything.

Examples:
  netmgr validate -c netmgr.yml
  netmgr validate -c netmgr.yml --dump`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

var validateDump bool

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false,
		"print the effective configuration as YAML")
}

func runValidateCommand() {
	if configFile == "" {
		exitWithError("--config is required", nil)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VALID: %d interface(s), egress %d frames (%s), trace %v\n",
		len(cfg.Interfaces), cfg.Egress.MaxFrames, cfg.Egress.Policy, cfg.Trace.Enabled)
	for _, iface := range cfg.Interfaces {
		fmt.Printf("  %-8s %s  %s\n", iface.Name, iface.MAC, strings.Join(iface.Addresses, ", "))
	}

	if validateDump {
		out, err := config.Dump(cfg)
		if err != nil {
			exitWithError("failed to dump config", err)
		}
		fmt.Print(string(out))
	}
}
