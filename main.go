// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopchat/internal/app"
	"github.com/petervdpas/goopchat/internal/config"
)

var log = logging.Logger("app")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopchat v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		if err := runPeer(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "init":
		if err := initPeer(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string) (string, error) {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("invalid peer directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return "", fmt.Errorf("create peer directory: %w", err)
	}
	return absDir, nil
}

func initPeer(arg string) error {
	dir, err := peerDir(arg)
	if err != nil {
		return err
	}
	cfgPath := filepath.Join(dir, "goopchat.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Created %s for user %s\n", cfgPath, cfg.Profile.UserID)
	} else {
		fmt.Printf("%s already exists (user %s)\n", cfgPath, cfg.Profile.UserID)
	}
	return nil
}

func runPeer(arg string) error {
	dir, err := peerDir(arg)
	if err != nil {
		return err
	}
	cfgPath := filepath.Join(dir, "goopchat.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Infof("created default config %s", cfgPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("goopchat %s · %s (%s)\n", appVersion, cfg.Profile.Username, cfg.Profile.UserID)
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")

	return app.Run(ctx, app.Options{
		PeerDir: dir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	})
}

func showUsage() {
	fmt.Println("goopchat - peer-to-peer chat with presence and calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopchat peer <directory>   Run a peer from the directory")
	fmt.Println("  goopchat init <directory>   Write a default goopchat.json")
	fmt.Println()
	fmt.Println("The directory holds goopchat.json, the identity key and the")
	fmt.Println("message database. A missing config is created with a new user id.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}
