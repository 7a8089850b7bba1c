// Command devtoken mints a bearer token for local testing, signed with
// AUTH_SECRET the same way the identity service signs them.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kwam1na/athena-sub007/internal/config"
	"github.com/kwam1na/athena-sub007/internal/domain"
	"github.com/kwam1na/athena-sub007/internal/httpapi"
)

func main() {
	var (
		username   string
		role       string
		terminalID string
		ttl        time.Duration
	)
	flag.StringVar(&username, "user", "cashier-1", "token subject")
	flag.StringVar(&role, "role", domain.RoleCashier, "cashier, admin or fulfillment")
	flag.StringVar(&terminalID, "terminal", "", "terminal the cashier is signed in to")
	flag.DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	flag.Parse()

	cfg := config.Load()
	if cfg.AuthSecret == "" {
		fmt.Fprintln(os.Stderr, "AUTH_SECRET is not set")
		os.Exit(1)
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, ttl, "")
	token, expiresAt, err := auth.IssueToken(domain.Actor{Username: username, Role: role, TerminalID: terminalID})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
}
