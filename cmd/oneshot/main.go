// Command oneshot creates, reveals and burns one-time secrets on a oneshot
// server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/caarlos0/env/v11"

	"oneshot.link/internal/api"
	"oneshot.link/internal/client"
)

const usage = `usage: oneshot [global flags] <command> [flags] [args]

commands:
  create   [-ttl d] [-passphrase p] [-copy] [content|-]   store a secret (reads stdin without content)
  generate [-ttl d] [-passphrase p] [-length n] [-copy]   store a random password
  status   <id|url>                                       check a secret without consuming it
  reveal   [-passphrase p] [-copy] <id|url>               print a secret and destroy it
  burn     <receipt id|url>                               destroy a secret before it is read
  receipt  <receipt id|url>                               show what happened to a secret
  receipts                                                list receipts of the token's owner

global flags:
`

// cliConfig is read from the environment; global flags override it.
type cliConfig struct {
	Server  string        `env:"ONESHOT_SERVER" envDefault:"http://localhost:8080"`
	Token   string        `env:"ONESHOT_TOKEN"`
	Timeout time.Duration `env:"ONESHOT_TIMEOUT" envDefault:"15s"`
}

var writeClipboard = clipboard.WriteAll

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "oneshot:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	global := flag.NewFlagSet("oneshot", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.StringVar(&cfg.Server, "server", cfg.Server, "server base URL (ONESHOT_SERVER)")
	global.StringVar(&cfg.Token, "token", cfg.Token, "bearer token identifying the owner (ONESHOT_TOKEN)")
	global.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "request timeout")
	global.Usage = func() {
		fmt.Fprint(stderr, usage)
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	c := client.New(client.Config{BaseURL: cfg.Server, Token: cfg.Token, Timeout: cfg.Timeout})
	cmd, rest := global.Arg(0), global.Args()[1:]

	switch cmd {
	case "create":
		return create(ctx, c, rest, stdin, stdout, stderr)
	case "generate":
		return generate(ctx, c, rest, stdout, stderr)
	case "status":
		return status(ctx, c, rest, stdout, stderr)
	case "reveal":
		return reveal(ctx, c, rest, stdout, stderr)
	case "burn":
		return burn(ctx, c, rest, stdout, stderr)
	case "receipt":
		return receipt(ctx, c, rest, stdout, stderr)
	case "receipts":
		return receipts(ctx, c, stdout)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type secretFlags struct {
	ttl        time.Duration
	passphrase string
	copy       bool
}

func newSecretFlags(name string, stderr io.Writer) (*flag.FlagSet, *secretFlags) {
	f := &secretFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.DurationVar(&f.ttl, "ttl", 0, "time to live (server default when 0)")
	fs.StringVar(&f.passphrase, "passphrase", os.Getenv("ONESHOT_PASSPHRASE"), "passphrase required to reveal (ONESHOT_PASSPHRASE)")
	fs.BoolVar(&f.copy, "copy", false, "copy the share URL to the clipboard")
	return fs, f
}

func create(ctx context.Context, c *client.Client, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs, f := newSecretFlags("create", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	content, err := readContent(fs.Args(), stdin)
	if err != nil {
		return err
	}

	out, err := c.Create(ctx, api.CreateRequest{
		Content:    content,
		TTLSeconds: int64(f.ttl / time.Second),
		Passphrase: f.passphrase,
	})
	if err != nil {
		return err
	}
	return printCreated(stdout, out, f.copy)
}

func generate(ctx context.Context, c *client.Client, args []string, stdout, stderr io.Writer) error {
	fs, f := newSecretFlags("generate", stderr)
	length := fs.Int("length", 0, "password length (server default when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	out, err := c.Generate(ctx, api.GenerateRequest{
		Length:     *length,
		TTLSeconds: int64(f.ttl / time.Second),
		Passphrase: f.passphrase,
	})
	if err != nil {
		return err
	}
	return printCreated(stdout, out, f.copy)
}

func status(ctx context.Context, c *client.Client, args []string, stdout, stderr io.Writer) error {
	id, err := single("status", args, stderr)
	if err != nil {
		return err
	}

	out, err := c.Status(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "available until %s", out.ExpiresAt.Local().Format(time.RFC1123))
	if out.PassphraseRequired {
		fmt.Fprint(stdout, " (passphrase required)")
	}
	fmt.Fprintln(stdout)
	return nil
}

func reveal(ctx context.Context, c *client.Client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("reveal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	passphrase := fs.String("passphrase", os.Getenv("ONESHOT_PASSPHRASE"), "passphrase (ONESHOT_PASSPHRASE)")
	copyContent := fs.Bool("copy", false, "copy the secret to the clipboard instead of printing it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("reveal takes exactly one secret id or url")
	}

	content, err := c.Reveal(ctx, fs.Arg(0), *passphrase)
	if err != nil {
		return err
	}

	if *copyContent {
		if err := writeClipboard(content); err != nil {
			return fmt.Errorf("copying to clipboard: %w", err)
		}
		fmt.Fprintln(stdout, "secret copied to clipboard")
		return nil
	}
	fmt.Fprintln(stdout, content)
	return nil
}

func burn(ctx context.Context, c *client.Client, args []string, stdout, stderr io.Writer) error {
	id, err := single("burn", args, stderr)
	if err != nil {
		return err
	}

	out, err := c.Burn(ctx, id)
	if err != nil {
		return err
	}
	if out.AlreadyConsumed {
		fmt.Fprintln(stdout, "secret was already viewed, burned or expired")
		return nil
	}
	fmt.Fprintln(stdout, "secret burned")
	return nil
}

func receipt(ctx context.Context, c *client.Client, args []string, stdout, stderr io.Writer) error {
	id, err := single("receipt", args, stderr)
	if err != nil {
		return err
	}

	r, err := c.Receipt(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(stdout, r)
}

func receipts(ctx context.Context, c *client.Client, stdout io.Writer) error {
	list, err := c.Receipts(ctx)
	if err != nil {
		return err
	}
	return printJSON(stdout, list)
}

func single(name string, args []string, stderr io.Writer) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s takes exactly one id or url", name)
	}
	return fs.Arg(0), nil
}

// readContent joins the arguments, or reads stdin when there are none or
// the only argument is "-".
func readContent(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	content := strings.TrimRight(string(data), "\r\n")
	if content == "" {
		return "", errors.New("nothing to share")
	}
	return content, nil
}

func printCreated(w io.Writer, out api.CreateResponse, copyURL bool) error {
	if out.Value != "" {
		fmt.Fprintf(w, "value:    %s\n", out.Value)
	}
	fmt.Fprintf(w, "share:    %s\n", out.ShareURL)
	fmt.Fprintf(w, "receipt:  %s\n", out.ReceiptURL)
	fmt.Fprintf(w, "expires:  %s\n", out.ExpiresAt.Local().Format(time.RFC1123))
	if out.PassphraseRequired {
		fmt.Fprintln(w, "protected by passphrase")
	}

	if copyURL {
		if err := writeClipboard(out.ShareURL); err != nil {
			return fmt.Errorf("copying to clipboard: %w", err)
		}
		fmt.Fprintln(w, "share URL copied to clipboard")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
