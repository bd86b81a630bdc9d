// Command roomnight-keygen creates the admin keystore file consumed by
// roomnightd. The encryption passphrase is read from
// ROOMNIGHT_ADMIN_PASSPHRASE so it never appears in shell history.
package main

import (
	"flag"
	"fmt"
	"os"

	"roomnight/config"
	"roomnight/crypto"
)

func main() {
	out := flag.String("out", "admin.json", "path for the encrypted keystore file")
	force := flag.Bool("force", false, "overwrite an existing keystore file")
	flag.Parse()

	passphrase := os.Getenv(config.EnvAdminPassphrase)
	if passphrase == "" {
		fmt.Fprintf(os.Stderr, "%s must be set\n", config.EnvAdminPassphrase)
		os.Exit(1)
	}

	if !*force {
		if _, err := os.Stat(*out); err == nil {
			fmt.Fprintf(os.Stderr, "refusing to overwrite %s (use -force)\n", *out)
			os.Exit(1)
		}
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}
	if err := crypto.WriteKeystoreFile(*out, key, passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "write keystore: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s\naddress: %s\n", *out, key.Address().Hex())
}
