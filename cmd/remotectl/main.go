// remotectl runs the remote control service and manages its credential
// store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Nsfr750/remote-control/internal/auth"
	"github.com/Nsfr750/remote-control/internal/capture"
	"github.com/Nsfr750/remote-control/internal/config"
	"github.com/Nsfr750/remote-control/internal/crypto"
	"github.com/Nsfr750/remote-control/internal/server"
	"github.com/Nsfr750/remote-control/internal/session"
	"github.com/Nsfr750/remote-control/internal/transport"
	"github.com/Nsfr750/remote-control/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "remotectl",
	Short:   "Remote desktop control service",
	Version: version.VERSION,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to remotectl.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(hashpwCmd)
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Listen for client connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("transport") {
			cfg.Transport, _ = cmd.Flags().GetString("transport")
			if !transport.Mode(cfg.Transport).Valid() {
				return fmt.Errorf("unknown transport %q", cfg.Transport)
			}
		}
		if cmd.Flags().Changed("root") {
			cfg.TransferRoot, _ = cmd.Flags().GetString("root")
		}

		logger := newLogger(cfg.LogLevel)

		store, err := auth.OpenStore(cfg.UsersFile)
		if err != nil {
			return fmt.Errorf("open credential store: %w", err)
		}
		if len(store.Usernames()) == 0 {
			logger.Warn("credential store is empty; add a user with 'remotectl user add'")
		}

		provider, err := capture.New()
		if err != nil {
			logger.Warn("screen and input unavailable on this host", "err", err)
			provider = nil
		}

		sessions := session.NewManager(cfg.SessionTTL())
		defer sessions.Close()

		srv := server.New(server.Options{
			Store:          store,
			Sessions:       sessions,
			Provider:       provider,
			TransferRoot:   cfg.TransferRoot,
			Keepalive:      cfg.Keepalive(),
			MaxMessageSize: cfg.MaxMessageBytes,
			KeyIterations:  cfg.KeyIterations,
			AuthLimit:      cfg.AuthLimit,
			AuthWindow:     cfg.AuthWindow(),
			Logger:         logger,
		})

		ln, err := transport.Listen(cfg.Mode(), cfg.Port)
		if err != nil {
			return err
		}
		defer ln.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			ln.Close()
		}()

		logger.Info("remotectl",
			"version", version.VERSION,
			"transport", string(cfg.Mode()),
			"port", ln.Port())
		return srv.Serve(ctx, ln)
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage the credential store",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a user, prompting for the password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		admin, _ := cmd.Flags().GetBool("admin")

		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword("Confirm: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return fmt.Errorf("passwords do not match")
		}
		if len(password) < 8 {
			return fmt.Errorf("password must be at least 8 characters")
		}

		store, err := auth.OpenStore(cfg.UsersFile)
		if err != nil {
			return err
		}
		if err := store.Add(args[0], password, admin); err != nil {
			return err
		}
		fmt.Printf("user %s added to %s\n", args[0], cfg.UsersFile)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users in the credential store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store, err := auth.OpenStore(cfg.UsersFile)
		if err != nil {
			return err
		}
		for _, name := range store.Usernames() {
			if store.IsAdmin(name) {
				fmt.Printf("%s (admin)\n", name)
			} else {
				fmt.Println(name)
			}
		}
		return nil
	},
}

var hashpwCmd = &cobra.Command{
	Use:   "hashpw",
	Short: "Hash a password for manual credential store edits",
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}
		hash, err := crypto.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	userAddCmd.Flags().Bool("admin", false, "grant administrative rights")
	serveCmd.Flags().Int("port", 0, "listen port (overrides config)")
	serveCmd.Flags().String("transport", "", "transport: tcp, tls, quic, dual (overrides config)")
	serveCmd.Flags().String("root", "", "file transfer root (overrides config)")
}

// readPassword prompts on the terminal without echo, falling back to a
// plain line read when stdin is not a terminal (tests, pipes).
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	var line string
	_, err := fmt.Fscanln(os.Stdin, &line)
	return line, err
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
