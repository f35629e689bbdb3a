package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"hookrelay/internal/app"
	"hookrelay/internal/config"
	"hookrelay/internal/secrets"
)

func main() {
	var cfgPath, envPath, keyEnv string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file")
	flag.StringVar(&keyEnv, "key-env", "", "variable holding the encryption key (default: secrets.key_env from config)")
	flag.Usage = usage
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "fatal: load env:", err)
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "", "serve":
		os.Exit(serve(cfgPath))
	case "genkey":
		os.Exit(genkey())
	case "encrypt":
		os.Exit(encrypt(cfgPath, keyEnv, flag.Arg(1)))
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: hookrelay [flags] [command]

commands:
  serve             run the relay (default)
  genkey            print a new base64 encryption key
  encrypt [token]   encrypt a bot token with the configured key (reads stdin when omitted)

flags:
`)
	flag.PrintDefaults()
}

func serve(cfgPath string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		return 1
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	return 0
}

func genkey() int {
	key, err := secrets.GenerateKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "genkey:", err)
		return 1
	}
	fmt.Println(key)
	return 0
}

func encrypt(cfgPath, keyEnv, token string) int {
	if token == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(os.Stderr, "encrypt: no token on stdin")
			return 1
		}
		token = strings.TrimSpace(line)
	}
	name, err := keyEnvFor(keyEnv, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encrypt:", err)
		return 1
	}
	out, err := encryptToken(name, token)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encrypt:", err)
		return 1
	}
	fmt.Println(out)
	return 0
}

// keyEnvFor picks the variable holding the encryption key: the flag value,
// else secrets.key_env from the config file, else the default name when
// there is no config file.
func keyEnvFor(flagValue, cfgPath string) (string, error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v, nil
	}
	b, err := os.ReadFile(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		return config.DefaultKeyEnv, nil
	}
	if err != nil {
		return "", err
	}
	cfg, err := config.Decode(cfgPath, b)
	if err != nil {
		return "", err
	}
	return cfg.Secrets.KeyEnv, nil
}

func encryptToken(keyEnv, token string) (string, error) {
	enc, err := secrets.FromEnv(keyEnv)
	if err != nil {
		return "", fmt.Errorf("%s: %w", keyEnv, err)
	}
	return enc.Encrypt(token)
}
