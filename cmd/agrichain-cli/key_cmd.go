package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"agrichain/crypto"
	"agrichain/crypto/passphrase"
)

var newPassphraseSource = func(envVar string) interface{ Get() (string, error) } {
	return passphrase.NewSource(envVar, "operator keystore")
}

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("generate-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		out     string
		passEnv string
		light   bool
	)
	fs.StringVar(&out, "keystore", "operator.keystore", "path of the keystore file to create")
	fs.StringVar(&passEnv, "passphrase-env", "AGRICHAIN_KEYSTORE_PASSPHRASE", "environment variable holding the passphrase")
	fs.BoolVar(&light, "light", false, "use light scrypt parameters (development only)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := strings.TrimSpace(out)
	if path == "" {
		return printError(stderr, "--keystore is required")
	}
	if _, err := os.Stat(path); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists; refusing to overwrite", path))
	}
	pass, err := newPassphraseSource(passEnv).Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, addr, err := crypto.GenerateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	save := crypto.SaveToKeystore
	if light {
		save = crypto.SaveToKeystoreLight
	}
	if err := save(path, key, pass); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "address: %s\nkeystore: %s\n", strings.ToLower(addr.Hex()), path)
	return 0
}
