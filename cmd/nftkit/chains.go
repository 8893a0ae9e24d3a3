package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotki/nftkit/ethproviders"
	"github.com/rotki/nftkit/sonic"
	"github.com/spf13/cobra"
)

func init() {
	chains := &chains{}
	chainsCmd := &cobra.Command{
		Use:   "chains [chainHandle]",
		Short: "List the configured chains, or the rpc urls of one chain by name or id",
		Args:  cobra.MaximumNArgs(1),
		RunE:  chains.Run,
	}
	chainsCmd.Flags().Bool("mainnets", false, "only list mainnets")
	chainsCmd.Flags().Bool("testnets", false, "only list testnets")
	chainsCmd.Flags().Bool("json", false, "print the raw json response")
	rootCmd.AddCommand(chainsCmd)
}

type chains struct{}

func (c *chains) Run(cmd *cobra.Command, args []string) error {
	fMainnets, _ := cmd.Flags().GetBool("mainnets")
	fTestnets, _ := cmd.Flags().GetBool("testnets")
	fJSON, _ := cmd.Flags().GetBool("json")
	if fMainnets && fTestnets {
		return fmt.Errorf("error: --mainnets and --testnets are exclusive")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// dialing is lazy, nothing here touches the network
	providers, err := ethproviders.NewProviders(cfg.Chains)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return printChain(os.Stdout, providers, args[0], fMainnets, fJSON)
	}

	list := providers.ChainList()
	switch {
	case fMainnets:
		list = providers.MainnetChainList()
	case fTestnets:
		list = providers.TestnetChainList()
	}
	if fJSON {
		return sonic.EncodeIndent(os.Stdout, list)
	}
	return printChainList(os.Stdout, list)
}

type chainDetails struct {
	ethproviders.ChainInfo
	URLs []string `json:"urls"`
}

func printChain(out io.Writer, providers *ethproviders.Providers, handle string, skipTestnets, asJSON bool) error {
	id, info, err := providers.FindChain(handle, skipTestnets)
	if err != nil {
		return fmt.Errorf("error: chain %q: %w", handle, err)
	}
	chain := providers.GetByChainID(id)
	if chain == nil {
		return fmt.Errorf("error: chain %d has no providers", id)
	}

	details := chainDetails{ChainInfo: info, URLs: chain.URLs()}
	if asJSON {
		return sonic.EncodeIndent(out, details)
	}
	p := Printable{}
	if err := p.FromStruct(details); err != nil {
		return err
	}
	_, err = fmt.Fprint(out, p.Columnize(defaultFormat))
	return err
}

func printChainList(out io.Writer, list []ethproviders.ChainInfo) error {
	w := tabwriter.NewWriter(out, defaultFormat.minwidth, defaultFormat.tabwidth, defaultFormat.padding, defaultFormat.padchar, 0)
	fmt.Fprintln(w, "ID\tNAME\tNETWORK")
	for _, info := range list {
		network := "mainnet"
		if info.Testnet {
			network = "testnet"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", info.ID, strings.ToLower(info.Name), network)
	}
	return w.Flush()
}
