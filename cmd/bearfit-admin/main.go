package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/astromechza/bearfit/pkg/auth"
)

const usage = `usage: bearfit-admin <command> [flags]

commands:
  generate   write a new admin keypair (id_ed25519, id_ed25519.pub)
  sign       sign the dashboard message with the private key
  verify     check a signature against a public key
`

func main() {
	if err := mainInner(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("a command is required")
	}
	switch args[0] {
	case "generate":
		return generate(args[1:], stdout)
	case "sign":
		return sign(args[1:], stdout)
	case "verify":
		return verify(args[1:], stdout)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func generate(args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("generate", pflag.ContinueOnError)
	outDir := flagSet.String("out-dir", ".", "directory to write the key files into")
	force := flagSet.Bool("force", false, "overwrite existing key files")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	privPath := filepath.Join(*outDir, "id_ed25519")
	pubPath := privPath + ".pub"
	if !*force {
		for _, p := range []string{privPath, pubPath} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s already exists, use --force to overwrite", p)
			}
		}
	}

	pub, priv, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	encodedPriv, err := auth.EncodePrivateKey(priv)
	if err != nil {
		return err
	}
	if err := os.WriteFile(privPath, []byte(encodedPriv+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(auth.EncodePublicKey(pub)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	authorized, err := auth.AuthorizedKey(pub)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s and %s\nPUBLIC_KEY_B64=%s\n%s\n", privPath, pubPath, auth.EncodePublicKey(pub), authorized)
	return nil
}

func sign(args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("sign", pflag.ContinueOnError)
	keyPath := flagSet.String("key", "id_ed25519", "private key file written by generate")
	message := flagSet.String("message", auth.AdminMessage, "message to sign")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	raw, err := os.ReadFile(*keyPath)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	priv, err := auth.ParsePrivateKey(string(raw))
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, auth.SignMessage(priv, *message))
	return nil
}

func verify(args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	publicKey := flagSet.String("public-key", os.Getenv("PUBLIC_KEY_B64"), "public key, raw base64 or an OpenSSH line; @file reads it from a file")
	signature := flagSet.String("signature", "", "base64 signature to check")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	key := *publicKey
	if path, ok := strings.CutPrefix(key, "@"); ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read public key: %w", err)
		}
		key = string(raw)
	}
	verifier, err := auth.NewVerifier(key, nil)
	if err != nil {
		return err
	}
	if !verifier.Verify(*signature) {
		return errors.New("signature did not verify")
	}
	fmt.Fprintln(stdout, "verified")
	return nil
}
