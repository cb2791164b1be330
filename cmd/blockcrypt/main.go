package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/absfs/blockcrypt"
)

var (
	version = "dev"
	commit  = "none"
)

// app holds what the commands share once the config is loaded
type app struct {
	cfg   *Config
	log   *logrus.Logger
	fs    *blockcrypt.FS
	store blockcrypt.Store
}

func main() {
	a := &app{log: logrus.New()}

	rootCmd := &cobra.Command{
		Use:           "blockcrypt",
		Short:         "Block-wise encrypted file storage",
		Long:          `Reads and writes files in a directory through a transparent block encryption layer`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("root", "", "directory holding the encrypted files")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		a.encryptCmd(),
		a.decryptCmd(),
		a.catCmd(),
		a.inspectCmd(),
		a.rmCmd(),
		a.mvCmd(),
		a.cpCmd(),
		a.modulesCmd(),
		a.rekeyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		a.close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) setup(cmd *cobra.Command) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	a.log.SetLevel(level)
	a.log.SetOutput(os.Stderr)

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if root, _ := cmd.Flags().GetString("root"); root != "" {
		cfg.Root = root
	}
	a.cfg = cfg

	a.fs, a.store, err = buildFS(cfg, a.log)
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"root":      cfg.Root,
		"key_store": cfg.KeyStore,
		"cipher":    cfg.Cipher,
	}).Debug("configuration loaded")
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// buildFS wires storage, key store, key provider and modules from cfg
func buildFS(cfg *Config, log *logrus.Logger) (*blockcrypt.FS, blockcrypt.Store, error) {
	store, err := blockcrypt.OpenBadgerStore(cfg.KeyStore, false, log)
	if err != nil {
		return nil, nil, err
	}

	registry := blockcrypt.NewRegistry(log)
	if cfg.Password != "" {
		provider, err := keyProvider(cfg)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		preferred, _ := blockcrypt.ParseCipherSuite(cfg.Cipher)
		suites := []blockcrypt.CipherSuite{preferred}
		for _, s := range []blockcrypt.CipherSuite{blockcrypt.CipherAES256GCM, blockcrypt.CipherChaCha20Poly1305} {
			if s != preferred {
				suites = append(suites, s)
			}
		}
		// every suite stays readable; the preferred one is registered first
		// and becomes the default for new files
		for _, suite := range suites {
			m, err := blockcrypt.NewAEADModule(suite, provider, store, blockcrypt.WithModuleLogger(log))
			if err != nil {
				store.Close()
				return nil, nil, err
			}
			if err := registry.Register(m); err != nil {
				store.Close()
				return nil, nil, err
			}
		}
	} else {
		log.Warn("BLOCKCRYPT_PASSWORD not set, files are written unencrypted")
	}

	policy, _ := blockcrypt.ParseHeaderPolicy(cfg.HeaderPolicy)
	libCfg := blockcrypt.DefaultConfig()
	libCfg.BlockSize = cfg.BlockSize
	libCfg.HeaderPolicy = policy
	libCfg.Logger = log

	fs, err := blockcrypt.New(blockcrypt.NewDirStorage(cfg.Root), registry, store, libCfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return fs, store, nil
}

func keyProvider(cfg *Config) (blockcrypt.KeyProvider, error) {
	params := blockcrypt.Argon2idParams{
		Memory:      cfg.Argon2.Memory,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
	}
	current := blockcrypt.NewPasswordKeyProvider([]byte(cfg.Password), params)
	if cfg.OldPassword == "" {
		return current, nil
	}
	old := blockcrypt.NewPasswordKeyProvider([]byte(cfg.OldPassword), params)
	return blockcrypt.NewMultiKeyProvider(current, old)
}

func (a *app) encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <local-file> <path>",
		Short: "Store a local file under path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := a.fs.Create(args[1])
			if err != nil {
				return err
			}
			n, err := io.Copy(out, in)
			if err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			a.log.WithFields(logrus.Fields{"path": args[1], "bytes": n}).Info("stored")
			return nil
		},
	}
}

func (a *app) decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <path> <local-file>",
		Short: "Write the plaintext of path to a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			if err := a.copyOut(out, args[0]); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		},
	}
}

func (a *app) catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>...",
		Short: "Print the plaintext of files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				if err := a.copyOut(cmd.OutOrStdout(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) copyOut(w io.Writer, name string) error {
	in, err := a.fs.Open(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		in.Close()
		return err
	}
	return in.Close()
}

func (a *app) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <path>",
		Short: "Show the header and logical size of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			size, err := a.fs.Filesize(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "path:      %s\nsize:      %d\n", args[0], size)

			h, err := a.fs.Header(args[0])
			if errors.Is(err, blockcrypt.ErrNotEncrypted) {
				fmt.Fprintln(w, "encrypted: false")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "encrypted: true\nmodule:    %s\n", h.ModuleID)
			keys := make([]string, 0, len(h.Fields))
			for k := range h.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "  %s=%s\n", k, h.Fields[k])
			}
			return nil
		},
	}
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>...",
		Short: "Remove files and their keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				if err := a.fs.Remove(name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) mvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <old> <new>",
		Short: "Rename a file together with its keys",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fs.Rename(args[0], args[1])
		},
	}
}

func (a *app) cpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <src> <dst>",
		Short: "Copy a file without re-encrypting it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fs.Copy(args[0], args[1])
		},
	}
}

func (a *app) modulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the registered encryption modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			def := a.fs.Registry().DefaultID()
			for _, m := range a.fs.Registry().Modules() {
				marker := " "
				if m.ID() == def {
					marker = "*"
				}
				fmt.Fprintf(w, "%s %-18s %s\n", marker, m.ID(), m.DisplayName())
			}
			return nil
		},
	}
}

func (a *app) rekeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rekey <path>...",
		Short: "Re-wrap file keys under the current password",
		Long: strings.TrimSpace(`
Re-wraps the keys of the given files under BLOCKCRYPT_PASSWORD. Keys still
wrapped under BLOCKCRYPT_OLD_PASSWORD are unwrapped with it. File contents
are not rewritten.`),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, _ := cmd.Flags().GetInt("workers")
			opts := blockcrypt.DefaultRekeyOptions()
			if workers > 0 {
				opts.Workers = workers
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			res, err := a.fs.RekeyAll(ctx, args, opts)
			fmt.Fprintf(cmd.OutOrStdout(), "rotated %d, skipped %d, failed %d\n", res.Rotated, res.Skipped, len(res.Failed))
			return err
		},
	}
	cmd.Flags().Int("workers", 0, "concurrent workers (default: number of CPUs)")
	return cmd
}
