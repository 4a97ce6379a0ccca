package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmigrate/zmigrate/pkg/client"
	"github.com/zmigrate/zmigrate/pkg/types"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage stream capability tokens on a daemon",
}

func init() {
	tokenCmd.PersistentFlags().String("server", "http://127.0.0.1:8044", "Daemon control API base URL")
	tokenCmd.PersistentFlags().String("auth-token", "", "Bearer token (or ZMIGRATE_AUTH_TOKEN)")

	tokenCmd.AddCommand(tokenSendCmd)
	tokenCmd.AddCommand(tokenReceiveCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenGetCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
	tokenCmd.AddCommand(tokenStatsCmd)
	tokenCmd.AddCommand(tokenEndpointsCmd)

	sf := tokenSendCmd.Flags()
	sf.String("dataset", "", "Dataset the token authorizes (required)")
	sf.String("snapshot", "", "Snapshot to send (required)")
	sf.String("from-snapshot", "", "Incremental base snapshot")
	sf.Bool("raw", false, "Raw send (preserves encryption)")
	sf.Bool("compressed", false, "Block-level compressed send")
	sf.Bool("recursive", false, "Replicate child datasets too")
	sf.Duration("ttl", 0, "Token lifetime (default: server policy)")
	sf.String("bound-peer", "", "Restrict redemption to this peer IP")
	_ = tokenSendCmd.MarkFlagRequired("dataset")
	_ = tokenSendCmd.MarkFlagRequired("snapshot")

	rf := tokenReceiveCmd.Flags()
	rf.String("dataset", "", "Dataset the token authorizes (required)")
	rf.Bool("force", false, "Force receive rollback (-F)")
	rf.Bool("resumable", false, "Resumable receive (-s)")
	rf.Duration("ttl", 0, "Token lifetime (default: server policy)")
	rf.String("bound-peer", "", "Restrict redemption to this peer IP")
	_ = tokenReceiveCmd.MarkFlagRequired("dataset")
}

var tokenSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Mint a token that authorizes streaming a snapshot out",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		dataset, _ := cmd.Flags().GetString("dataset")
		snapshot, _ := cmd.Flags().GetString("snapshot")
		fromSnapshot, _ := cmd.Flags().GetString("from-snapshot")
		raw, _ := cmd.Flags().GetBool("raw")
		compressed, _ := cmd.Flags().GetBool("compressed")
		recursive, _ := cmd.Flags().GetBool("recursive")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		boundPeer, _ := cmd.Flags().GetString("bound-peer")

		issued, err := c.CreateSendToken(context.Background(), client.TokenRequest{
			Dataset:      dataset,
			Snapshot:     snapshot,
			FromSnapshot: fromSnapshot,
			Parameters: types.TransferFlags{
				Raw:        raw,
				Compressed: compressed,
				Recursive:  recursive,
			},
			BoundPeer:  boundPeer,
			TTLSeconds: int(ttl.Seconds()),
		})
		if err != nil {
			return err
		}
		printIssuedToken(issued)
		return nil
	},
}

var tokenReceiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Mint a token that authorizes streaming a snapshot in",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		dataset, _ := cmd.Flags().GetString("dataset")
		force, _ := cmd.Flags().GetBool("force")
		resumable, _ := cmd.Flags().GetBool("resumable")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		boundPeer, _ := cmd.Flags().GetString("bound-peer")

		issued, err := c.CreateReceiveToken(context.Background(), client.TokenRequest{
			Dataset: dataset,
			Parameters: types.TransferFlags{
				Force:     force,
				Resumable: resumable,
			},
			BoundPeer:  boundPeer,
			TTLSeconds: int(ttl.Seconds()),
		})
		if err != nil {
			return err
		}
		printIssuedToken(issued)
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your active tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		toks, err := c.ListTokens(context.Background())
		if err != nil {
			return err
		}
		if len(toks) == 0 {
			fmt.Println("No active tokens")
			return nil
		}
		fmt.Printf("%-24s  %-8s  %-30s  %s\n", "ID", "OP", "DATASET", "EXPIRES")
		for _, tok := range toks {
			fmt.Printf("%-24s  %-8s  %-30s  %s\n",
				tok.ID, tok.Operation, tok.Dataset, tok.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var tokenGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		issued, err := c.GetToken(context.Background(), args[0])
		if err != nil {
			return err
		}
		printIssuedToken(issued)
		if issued.Used {
			fmt.Printf("Used:     by %s at %s\n",
				issued.LastUsedBy, issued.LastUsedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke ID",
	Short: "Revoke a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		revoked, err := c.RevokeToken(context.Background(), args[0])
		if err != nil {
			return err
		}
		if revoked {
			fmt.Printf("Token %s revoked\n", args[0])
		} else {
			fmt.Printf("Token %s was already gone\n", args[0])
		}
		return nil
	},
}

var tokenStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show token store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		stats, err := c.TokenStats(context.Background())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var tokenEndpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Show where the daemon's stream listeners are bound",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		eps, err := c.Endpoints(context.Background())
		if err != nil {
			return err
		}
		if eps.TCP != "" {
			fmt.Printf("TCP:   %s\n", eps.TCP)
		}
		if eps.Unix != "" {
			fmt.Printf("Unix:  %s\n", eps.Unix)
		}
		return nil
	},
}

func printIssuedToken(issued *client.IssuedToken) {
	fmt.Printf("Token:    %s\n", issued.ID)
	fmt.Printf("Dataset:  %s\n", issued.Dataset)
	if issued.Snapshot != "" {
		fmt.Printf("Snapshot: %s\n", issued.Snapshot)
	}
	fmt.Printf("Expires:  %s\n", issued.ExpiresAt.Format(time.RFC3339))
	if issued.Stream.TCP != "" {
		fmt.Printf("TCP:      %s\n", issued.Stream.TCP)
	}
	if issued.Stream.Unix != "" {
		fmt.Printf("Unix:     %s\n", issued.Stream.Unix)
	}
}
