// Command token signs an access token for calling the API by hand, for
// example an operator token for /internal/jobs/complete or the deposit case
// review routes.
//
//	token --sub op-1 [--role OPERATOR] [--ttl 15m] [--prod | --preview <name>]
//
// The token is written to stdout.  Exit status is 0 on success, 1 when
// signing fails and 2 on bad usage.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/iliyamo/car-rental-booking/internal/config"
	"github.com/iliyamo/car-rental-booking/internal/model"
	"github.com/iliyamo/car-rental-booking/internal/utils"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

type options struct {
	subject string
	role    string
	ttl     time.Duration
	prod    bool
	preview string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.subject, "sub", "", "user id carried in the sub claim")
	fs.StringVar(&o.role, "role", model.RoleOperator, "RENTER, HOST or OPERATOR")
	fs.DurationVar(&o.ttl, "ttl", 15*time.Minute, "token lifetime")
	fs.BoolVar(&o.prod, "prod", false, "sign with the production secret (.env.production)")
	fs.StringVar(&o.preview, "preview", "", "sign for a preview environment (.env.preview.<name>)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if strings.TrimSpace(o.subject) == "" {
		return o, errors.New("--sub is required")
	}
	o.role = strings.ToUpper(strings.TrimSpace(o.role))
	switch o.role {
	case model.RoleRenter, model.RoleHost, model.RoleOperator:
	default:
		return o, fmt.Errorf("unknown role %q", o.role)
	}
	if o.ttl <= 0 {
		return o, errors.New("--ttl must be positive")
	}
	if o.prod && o.preview != "" {
		return o, errors.New("--prod and --preview are mutually exclusive")
	}
	return o, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "token:", err)
		}
		return exitUsage
	}
	if err := config.LoadEnvFile(config.EnvFile(opts.prod, opts.preview)); err != nil {
		fmt.Fprintln(stderr, "token:", err)
		return exitUsage
	}
	cfg, err := config.LoadTokenConfig()
	if err != nil {
		fmt.Fprintln(stderr, "token:", err)
		return exitUsage
	}
	tok, err := utils.NewAccessToken(cfg.JWTSecret, opts.subject, opts.role, opts.ttl)
	if err != nil {
		fmt.Fprintln(stderr, "token:", err)
		return exitFail
	}
	fmt.Fprintln(stdout, tok.Token)
	fmt.Fprintln(stderr, "expires", tok.Exp.Format(time.RFC3339))
	return exitOK
}
