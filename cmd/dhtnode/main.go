package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	dht "github.com/purehyperbole/kadnode"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "dhtnode",
	Short: "Run a kademlia dht node",
	Long: `dhtnode runs a single node on the dht, joining the network through
the given bootstrap nodes and answering ping and find requests until
interrupted.

Settings can be provided as flags, as DHT_ prefixed environment
variables (DHT_LISTEN, DHT_PING_TIMEOUT, ...) or in a config file.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")

	f := rootCmd.Flags()
	f.String("listen", "127.0.0.1:9000", "ipv4 address and udp port to listen on")
	f.StringSlice("bootstrap", nil, "addresses of nodes to join the network through")
	f.Int("listeners", 0, "number of udp listeners (default GOMAXPROCS)")
	f.Duration("ping-timeout", dht.DefaultTimeout, "time to wait for a pong")
	f.Duration("find-timeout", dht.DefaultTimeout, "time to wait for a found reply")
	f.Duration("idle-timeout", dht.DefaultIdleTimeout, "time before a good contact needs checking")
	f.Int("max-queries", dht.DefaultMaxQueries, "maximum find requests made by a lookup")
	f.Int("socket-buffer-size", 0, "udp socket send and receive buffer size")
	f.Int("max-pending-inserts", dht.DefaultMaxPendingInserts, "senders that can wait on a routing table insert at once")
	f.String("find", "", "hex id to look up once joined, then exit")
	f.Bool("debug", false, "enable debug logging")

	v.BindPFlags(f)
	v.SetEnvPrefix("DHT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)

		err := v.ReadInConfig()
		if err != nil {
			return errors.Wrap(err, "failed to read config")
		}
	}

	logger, err := newLogger(v.GetBool("debug"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	var target []byte

	if v.GetString("find") != "" {
		target, err = hex.DecodeString(v.GetString("find"))
		if err != nil {
			return errors.Wrap(err, "invalid find id")
		}
	}

	d, err := dht.New(&dht.Config{
		ListenAddress:      v.GetString("listen"),
		BootstrapAddresses: v.GetStringSlice("bootstrap"),
		Listeners:          v.GetInt("listeners"),
		PingTimeout:        v.GetDuration("ping-timeout"),
		FindTimeout:        v.GetDuration("find-timeout"),
		IdleTimeout:        v.GetDuration("idle-timeout"),
		MaxQueries:         v.GetInt("max-queries"),
		SocketBufferSize:   v.GetInt("socket-buffer-size"),
		MaxPendingInserts:  v.GetInt("max-pending-inserts"),
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if target != nil {
		r := d.FindNode(ctx, dht.IDFromBytes(target))

		if r.Found() {
			fmt.Printf("found %s at %s\n", r.Exact.ID, r.Exact)
			return nil
		}

		fmt.Printf("%d closest contacts:\n", len(r.Closest))

		for _, c := range r.Closest {
			fmt.Printf("  %s %s\n", c.ID, c)
		}

		return nil
	}

	<-ctx.Done()

	logger.Info("shutting down")

	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
