package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rotki/nftkit/server"
	"github.com/rotki/nftkit/sonic"
	"github.com/rotki/nftkit/sponsorship"
	"github.com/spf13/cobra"
)

func init() {
	tierInfo := &tierInfo{}
	tierCmd := &cobra.Command{
		Use:   "tier-info [tierIds]",
		Short: "Print supply and metadata of the given tiers, ie. 1,2,3",
		Args:  cobra.ExactArgs(1),
		RunE:  tierInfo.Run,
	}
	tierCmd.Flags().Bool("skip-cache", false, "re-read the release and tiers from chain")
	tierCmd.Flags().Bool("json", false, "print the raw json response")
	rootCmd.AddCommand(tierCmd)

	token := &token{}
	tokenCmd := &cobra.Command{
		Use:   "token [tokenId]",
		Short: "Print owner and metadata of a minted token",
		Args:  cobra.ExactArgs(1),
		RunE:  token.Run,
	}
	tokenCmd.Flags().Bool("skip-cache", false, "re-read the token from chain")
	tokenCmd.Flags().Bool("json", false, "print the raw json response")
	rootCmd.AddCommand(tokenCmd)

	warm := &warm{}
	warmCmd := &cobra.Command{
		Use:   "warm",
		Short: "Refresh the cached tier info of warm.tier_ids once",
		Args:  cobra.NoArgs,
		RunE:  warm.Run,
	}
	rootCmd.AddCommand(warmCmd)
}

type tierInfo struct{}

func (c *tierInfo) Run(cmd *cobra.Command, args []string) error {
	ids, err := server.ParseTierIDs(args[0])
	if err != nil {
		return err
	}
	fSkip, _ := cmd.Flags().GetBool("skip-cache")
	fJSON, _ := cmd.Flags().GetBool("json")

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.sponsorship.TierInfo(context.Background(), ids, fSkip)
	if err != nil {
		return err
	}
	if fJSON {
		return sonic.EncodeIndent(os.Stdout, resp)
	}

	fmt.Println("release:", resp.ReleaseID)
	for _, id := range ids {
		tier, ok := resp.Tiers[id]
		if !ok {
			fmt.Printf("\ntier %d: not available\n", id)
			continue
		}
		p := Printable{}
		if err := p.FromStruct(tier); err != nil {
			return err
		}
		fmt.Printf("\ntier %d\n%s", id, p.Columnize(defaultFormat))
	}
	return nil
}

type token struct{}

func (c *token) Run(cmd *cobra.Command, args []string) error {
	tokenID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("error: invalid token id %q", args[0])
	}
	fSkip, _ := cmd.Flags().GetBool("skip-cache")
	fJSON, _ := cmd.Flags().GetBool("json")

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	tm, err := a.sponsorship.Token(context.Background(), tokenID, fSkip)
	if err != nil {
		return err
	}
	if fJSON {
		return sonic.EncodeIndent(os.Stdout, tm)
	}
	p := Printable{}
	if err := p.FromStruct(tm); err != nil {
		return err
	}
	fmt.Print(p.Columnize(defaultFormat))
	return nil
}

type warm struct{}

func (c *warm) Run(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	options := a.cfg.WarmerOptions()
	if len(options.TierIDs) == 0 {
		return fmt.Errorf("error: warm.tier_ids is empty")
	}
	start := time.Now()
	w := sponsorship.NewWarmer(a.sponsorship, options, nil)
	if err := w.Warm(context.Background()); err != nil {
		return err
	}
	fmt.Printf("warmed %d tiers in %s\n", len(options.TierIDs), time.Since(start).Round(time.Millisecond))
	return nil
}
