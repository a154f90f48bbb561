package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"settlecore/cmd/internal/passphrase"
	"settlecore/crypto"
	"settlecore/services/settlement/middleware"
)

const (
	defaultPassEnv   = "SETTLE_KEYSTORE_PASS"
	defaultSecretEnv = "SETTLE_JWT_SECRET"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], out)
	case "address":
		return runAddress(args[1:], out)
	case "token":
		return runToken(args[1:], out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "Usage: settlectl <command> [flags]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  keygen   generate an account key into an encrypted keystore")
	fmt.Fprintln(out, "  address  print account, keystore or module addresses")
	fmt.Fprintln(out, "  token    sign a bearer token for the settlement API")
}

func runKeygen(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	keystorePath := fs.String("keystore", "operator.keystore", "output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	force := fs.Bool("force", false, "overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", *keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "new keystore").WithConfirmation().Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	fmt.Fprintf(out, "address:  %s\nkeystore: %s\n", key.PubKey().Address(), *keystorePath)
	return nil
}

func runAddress(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("address", pflag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "print the account address stored in a keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	module := fs.String("module", "", "print the custody address of a protocol module")
	decode := fs.String("decode", "", "decode a bech32 address into prefix and hex payload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch {
	case *module != "":
		fmt.Fprintln(out, crypto.ModuleAddress(*module).String())
	case *decode != "":
		addr, err := crypto.DecodeAddress(*decode)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "prefix: %s\nhex:    %s\n", addr.Prefix(), hex.EncodeToString(addr.Bytes()))
	case *keystorePath != "":
		key, err := loadKey(*keystorePath, *passEnv)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, key.PubKey().Address().String())
	default:
		return errors.New("one of --module, --decode or --keystore is required")
	}
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	subject := fs.String("subject", "", "bech32 caller address carried in the token")
	keystorePath := fs.String("keystore", "", "derive the subject from a keystore instead")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "environment variable holding the HMAC signing secret")
	issuer := fs.String("issuer", "", "token issuer")
	audience := fs.String("audience", "", "token audience")
	scopes := fs.StringSlice("scope", nil, "scopes granted to the caller (repeatable)")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret, ok := os.LookupEnv(*secretEnv)
	if !ok || strings.TrimSpace(secret) == "" {
		return fmt.Errorf("environment variable %s is not set", *secretEnv)
	}
	var caller crypto.Address
	switch {
	case *subject != "":
		addr, err := crypto.DecodeAddress(*subject)
		if err != nil {
			return fmt.Errorf("subject: %w", err)
		}
		caller = addr
	case *keystorePath != "":
		key, err := loadKey(*keystorePath, *passEnv)
		if err != nil {
			return err
		}
		caller = key.PubKey().Address()
	default:
		return errors.New("--subject or --keystore is required")
	}
	token, err := middleware.SignToken(middleware.TokenRequest{
		Secret:   strings.TrimSpace(secret),
		Issuer:   *issuer,
		Audience: *audience,
		Subject:  caller,
		Scopes:   *scopes,
		TTL:      *ttl,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passEnv, "keystore").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("failed to load keystore: %w", err)
	}
	return key, nil
}
