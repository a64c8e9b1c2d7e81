// Command useradmin deactivates or reactivates accounts.
//
//	useradmin -email jane@x.com -deactivate
//	useradmin -email jane@x.com -reactivate
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

func main() {
	email := flag.String("email", "", "account email")
	deactivate := flag.Bool("deactivate", false, "block sign-in for the account")
	reactivate := flag.Bool("reactivate", false, "allow sign-in again")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	if *email == "" || *deactivate == *reactivate {
		fmt.Fprintln(os.Stderr, "usage: useradmin -email <address> (-deactivate | -reactivate)")
		os.Exit(2)
	}

	if err := run(*email, *reactivate, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "useradmin: %v\n", err)
		os.Exit(1)
	}
}

func run(email string, active bool, timeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	lg, err := utilities.Init(utilities.LogConfig{Level: cfg.Log.Level, Dev: true})
	if err != nil {
		return err
	}
	defer lg.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := repo.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	svc := user.NewUserService(store, nil, nil, nil, lg.Sugar())
	view, err := svc.SetActiveByEmail(ctx, email, active)
	if err != nil {
		var e *user.Error
		if errors.As(err, &e) && e.Kind != user.KindInternal {
			return errors.New(e.Message)
		}
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
