// Command sshfs copies data to and from SSH/SFTP remotes using the
// streaming filesystem layer. Remote addresses look like
//
//	sftp://user@host:22:backups/data.db
//	ssh://user@host//var/lib/data.db
package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/querystor/sshfs/fs"
)

var (
	flagUser            string
	flagPassword        string
	flagAskPassword     bool
	flagKeyFile         string
	flagKeyFilePass     string
	flagUseAgent        bool
	flagTimeout         time.Duration
	flagRetries         int
	flagRetryDelay      time.Duration
	flagKeepalive       time.Duration
	flagChunkSize       int
	flagConcurrency     int
	flagPoolSize        int
	flagStrictCrypto    bool
	flagDisableCommands bool
	flagVerbose         bool
)

var root = &cobra.Command{
	Use:           "sshfs",
	Short:         "Stream files to and from SSH/SFTP remotes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			fs.SetLogLevel(logrus.DebugLevel)
		}
	},
}

func init() {
	pf := root.PersistentFlags()
	pf.StringVarP(&flagUser, "user", "u", "", "SSH username when not in the address")
	pf.StringVar(&flagPassword, "password", "", "SSH password")
	pf.BoolVar(&flagAskPassword, "ask-password", false, "prompt for the SSH password")
	pf.StringVar(&flagKeyFile, "key-file", "", "path to a PEM-encoded private key")
	pf.StringVar(&flagKeyFilePass, "key-file-pass", "", "passphrase for the private key")
	pf.BoolVar(&flagUseAgent, "use-agent", false, "force ssh-agent authentication")
	pf.DurationVar(&flagTimeout, "timeout", fs.DefaultTimeout, "network operation timeout")
	pf.IntVar(&flagRetries, "retries", fs.DefaultMaxRetries, "extra connect attempts on transient failure")
	pf.DurationVar(&flagRetryDelay, "retry-delay", fs.DefaultInitialRetryDelay, "first retry delay, doubles each attempt")
	pf.DurationVar(&flagKeepalive, "keepalive", fs.DefaultKeepaliveInterval, "keepalive interval, 0 disables")
	pf.IntVar(&flagChunkSize, "chunk-size", fs.DefaultChunkSize, "upload chunk size in bytes")
	pf.IntVar(&flagConcurrency, "concurrency", fs.DefaultMaxUploads, "concurrent chunk uploads per file")
	pf.IntVar(&flagPoolSize, "pool-size", fs.DefaultPoolSize, "SFTP sessions kept per connection")
	pf.BoolVar(&flagStrictCrypto, "strict-crypto", false, "offer only non-NIST key exchange algorithms")
	pf.BoolVar(&flagDisableCommands, "disable-commands", false, "never run remote commands, SFTP only")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

// options assembles fs.Options from the global flags, prompting for a
// password when asked to.
func options() (fs.Options, error) {
	opt := fs.DefaultOptions()
	opt.User = flagUser
	opt.Password = flagPassword
	opt.KeyFile = flagKeyFile
	opt.KeyFilePass = flagKeyFilePass
	opt.UseAgent = flagUseAgent
	opt.Timeout = flagTimeout
	opt.MaxRetries = flagRetries
	opt.InitialRetryDelay = flagRetryDelay
	opt.KeepaliveInterval = flagKeepalive
	opt.ChunkSize = flagChunkSize
	opt.MaxUploads = flagConcurrency
	opt.PoolSize = flagPoolSize
	opt.StrictCrypto = flagStrictCrypto
	opt.DisableCommands = flagDisableCommands
	if opt.Password == "" && flagAskPassword {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return opt, err
		}
		opt.Password = string(pw)
	}
	return opt, nil
}

func main() {
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sshfs: %v\n", err)
		os.Exit(1)
	}
}
