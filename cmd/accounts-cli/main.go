// accounts-cli is a thin command line client for an accounts server.
//
// Configuration comes from the environment: ACCOUNTS_URL points at the
// server (default http://localhost:8080) and ACCOUNTS_TOKEN carries the
// access token for authenticated commands.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

// Version is set at build time
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	cli := &CLI{
		BaseURL: getEnv("ACCOUNTS_URL", "http://localhost:8080"),
		Token:   os.Getenv("ACCOUNTS_TOKEN"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch cmd {
	case "register":
		err = cli.registerCommand(args)
	case "login":
		err = cli.loginCommand(args)
	case "logout":
		err = cli.logoutCommand()
	case "whoami":
		err = cli.whoamiCommand()
	case "refresh":
		err = cli.refreshCommand(args)
	case "impersonate":
		err = cli.impersonateCommand(args)
	case "service":
		err = cli.serviceCommand(args)
	case "magiclink":
		err = cli.magiclinkCommand(args)
	case "version":
		fmt.Printf("accounts-cli %s\n", Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`accounts-cli - command line client for an accounts server

Usage:
  accounts-cli <command> [options]

Commands:
  register     --email=ADDR --password=PASS [--username=NAME]
  login        --email=ADDR --password=PASS
  logout       invalidate the current session (ACCOUNTS_TOKEN)
  whoami       show the authenticated user
  refresh      --access=TOKEN --refresh=TOKEN
  impersonate  --username=NAME
  service      <name> <action> [--key=value ...]
  magiclink    request --email=ADDR | login --token=TOKEN
  version      print the client version

Environment:
  ACCOUNTS_URL    server base URL (default http://localhost:8080)
  ACCOUNTS_TOKEN  access token for authenticated commands
`)
}
