package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/sanctuary/internal/app"
	"github.com/petervdpas/sanctuary/internal/config"
	"github.com/petervdpas/sanctuary/internal/identity"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "sanctuary",
		Short:         "Private two-person space over a direct peer connection",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run <directory>",
		Short: "Run this peer from its folder",
		Long:  "Run the peer whose sanctuary.json lives in the given folder. The folder is the peer's boundary: a different folder is a different peer.",
		Args:  cobra.ExactArgs(1),
		RunE:  runPeer,
	}
	runCmd.Flags().Bool("open", false, "open the viewer in the default browser")

	initCmd := &cobra.Command{
		Use:   "init <directory>",
		Short: "Create a peer folder with a config file",
		Args:  cobra.ExactArgs(1),
		RunE:  initPeer,
	}
	initCmd.Flags().String("email", "", "your roster email")
	initCmd.Flags().String("partner", "", "your partner's roster email")
	initCmd.Flags().BoolP("interactive", "i", false, "ask for every setting")

	idCmd := &cobra.Command{
		Use:   "id <email>",
		Short: "Print the peer identity an email resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, _ := cmd.Flags().GetString("prefix")
			fmt.Println(identity.NewResolver(prefix).Resolve(args[0]))
			return nil
		},
	}
	idCmd.Flags().String("prefix", identity.DefaultPrefix, "identity prefix (p2p.id_prefix)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sanctuary %s\n", appVersion)
		},
	}

	rootCmd.AddCommand(runCmd, initCmd, idCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func peerDir(arg string) (dir, cfgPath string, err error) {
	dir, err = filepath.Abs(arg)
	if err != nil {
		return "", "", fmt.Errorf("invalid peer directory: %w", err)
	}
	return dir, filepath.Join(dir, config.FileName), nil
}

func runPeer(cmd *cobra.Command, args []string) error {
	dir, cfgPath, err := peerDir(args[0])
	if err != nil {
		return err
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return fmt.Errorf("peer directory does not exist: %s", dir)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	open, _ := cmd.Flags().GetBool("open")

	printBanner(dir, cfgPath, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, app.Options{
		Dir:         dir,
		CfgPath:     cfgPath,
		Cfg:         cfg,
		OpenBrowser: open,
	})
}

func initPeer(cmd *cobra.Command, args []string) error {
	dir, cfgPath, err := peerDir(args[0])
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists", cfgPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	cfg := config.Default()
	email, _ := cmd.Flags().GetString("email")
	partner, _ := cmd.Flags().GetString("partner")
	if email != "" {
		cfg.Identity.Email = email
		cfg.Roster[0].Email = email
	}
	if partner != "" {
		cfg.Roster[1].Email = partner
	}

	if interactive, _ := cmd.Flags().GetBool("interactive"); interactive {
		cfg, err = app.PromptInteractive(os.Stdin, os.Stdout, dir, cfgPath, cfg)
		if err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	ro, err := cfg.RosterOf()
	if err != nil {
		return err
	}
	self, _ := ro.Self(cfg.Identity.Email)
	fmt.Printf("Created %s\n", cfgPath)
	fmt.Printf("You are %s (%s)\n", self.Email, self.Peer)
	return nil
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                       Sanctuary                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Identity:       %s\n", cfg.Identity.Email)
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Viewer:         %s\n", url)
		fmt.Println()
	}

	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
