// kettle is a small operational CLI for poking at a memcached fleet
// through the client library: point it at your servers (or a config
// file) and get, set, delete, count, and inspect entries.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kettlemc/kettlemc/config"
	"github.com/kettlemc/kettlemc/memcache"
)

var (
	cfgFile  string
	servers  []string
	protocol string

	cache   *memcache.CacheClient
	manager memcache.ShardManager

	rootCmd = &cobra.Command{
		Use:   "kettle",
		Short: "memcached fleet client",
		Long: `kettle talks to a memcached fleet using the kettlemc client
library: binary (or text) protocol, consistent-hash key distribution,
and pooled connections.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupClient,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if manager != nil {
				manager.Close()
			}
		},
	}

	getCmd = &cobra.Command{
		Use:   "get KEY",
		Short: "Fetch a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result := cache.Get(args[0])
			if !result.Success {
				return resultError(result)
			}
			if result.Value != nil {
				fmt.Printf("%v\n", result.Value)
			} else {
				os.Stdout.Write(result.RawValue)
				fmt.Println()
			}
			fmt.Fprintf(os.Stderr, "cas: %d\n", result.Cas)
			return nil
		},
	}

	ttl time.Duration

	setCmd = &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result *memcache.Result
			if ttl > 0 {
				result = cache.Store(
					memcache.StoreModeSet, args[0], args[1], ttl)
			} else {
				result = cache.StoreForever(
					memcache.StoreModeSet, args[0], args[1])
			}
			if !result.Success {
				return resultError(result)
			}
			fmt.Fprintf(os.Stderr, "cas: %d\n", result.Cas)
			return nil
		},
	}

	delCmd = &cobra.Command{
		Use:   "del KEY",
		Short: "Remove a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if result := cache.Remove(args[0]); !result.Success {
				return resultError(result)
			}
			return nil
		},
	}

	delta   uint64
	initial uint64

	incrCmd = &cobra.Command{
		Use:   "incr KEY",
		Short: "Increment a counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result := cache.Increment(args[0], delta, initial, 0)
			if !result.Success {
				return resultError(result)
			}
			fmt.Printf("%v\n", result.Value)
			return nil
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Dump server statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, result := cache.Stats("")
			for shard, shardEntries := range entries {
				for key, value := range shardEntries {
					fmt.Printf("%d\t%s\t%s\n", shard, key, value)
				}
			}
			if !result.Success {
				return resultError(result)
			}
			return nil
		},
	}

	versionsCmd = &cobra.Command{
		Use:   "versions",
		Short: "Print server versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, result := cache.ServerVersions()
			for shard, version := range versions {
				fmt.Printf("%d\t%s\n", shard, version)
			}
			if !result.Success {
				return resultError(result)
			}
			return nil
		},
	}

	flushCmd = &cobra.Command{
		Use:   "flush",
		Short: "Invalidate every entry on every server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if result := cache.Flush(0); !result.Success {
				return resultError(result)
			}
			return nil
		},
	}
)

func resultError(result *memcache.Result) error {
	if result.Message != "" {
		return fmt.Errorf("%s (status %d)", result.Message, result.StatusCode)
	}
	return fmt.Errorf("operation failed with status %d", result.StatusCode)
}

func setupClient(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load(".env")

	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if len(servers) > 0 {
		cfg.Servers = servers
	}
	if protocol != "" {
		cfg.Protocol = protocol
	}

	var err error
	cache, manager, err = config.Build(cfg)
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&cfgFile, "config", "c", "", "config file")
	rootCmd.PersistentFlags().StringSliceVarP(
		&servers, "servers", "s", nil, "server addresses (host:port)")
	rootCmd.PersistentFlags().StringVar(
		&protocol, "protocol", "", "protocol dialect (binary or text)")

	setCmd.Flags().DurationVar(
		&ttl, "ttl", 0, "time to live (0 means never expire)")
	incrCmd.Flags().Uint64Var(&delta, "delta", 1, "increment amount")
	incrCmd.Flags().Uint64Var(
		&initial, "initial", 0, "seed value for absent counters")

	rootCmd.AddCommand(
		getCmd, setCmd, delCmd, incrCmd, statsCmd, versionsCmd, flushCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
