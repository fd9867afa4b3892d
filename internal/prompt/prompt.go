// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package prompt provides the interactive prompts used by the wallet
// creation wizard.
package prompt

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/term"
)

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func promptList(reader *bufio.Reader, prefix string, validResponses []string, defaultEntry string) (string, error) {
	// Setup the prompt according to the parameters.
	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	// Prompt the user until one of the valid responses is given.
	for {
		fmt.Print(prompt)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// promptListBool prompts the user for a boolean (yes/no) with the given
// prefix.  The function will repeat the prompt to the user until they enter
// a valid response.
func promptListBool(reader *bufio.Reader, prefix string, defaultEntry string) (bool, error) {
	// Setup the valid responses.
	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// PassPrompt prompts the user for a passphrase with the given prefix.  The
// function will ask the user to confirm the passphrase and will repeat the
// prompts until they enter a matching response.
func PassPrompt(reader *bufio.Reader, prefix string, confirm bool) ([]byte, error) {
	// Prompt the user until they enter a passphrase.
	prompt := fmt.Sprintf("%s: ", prefix)
	for {
		fmt.Print(prompt)
		var pass []byte
		var err error
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			pass, err = term.ReadPassword(fd)
		} else {
			pass, err = reader.ReadBytes('\n')
		}
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		pass = bytes.TrimSpace(pass)
		if len(pass) == 0 {
			continue
		}

		if !confirm {
			return pass, nil
		}

		fmt.Print("Confirm passphrase: ")
		var confirm []byte
		if term.IsTerminal(fd) {
			confirm, err = term.ReadPassword(fd)
		} else {
			confirm, err = reader.ReadBytes('\n')
		}
		if err != nil {
			return nil, err
		}
		fmt.Print("\n")
		confirm = bytes.TrimSpace(confirm)
		if !bytes.Equal(pass, confirm) {
			fmt.Println("The entered passphrases do not match")
			continue
		}

		return pass, nil
	}
}

// AddressClass prompts the user for the address class new wallet addresses
// are derived for.  All prompts are repeated until the user enters a valid
// response.
func AddressClass(reader *bufio.Reader, defaultClass string) (string, error) {
	classes := []string{"p2tr", "p2wpkh", "p2wpkh-p2sh", "p2pkh"}
	return promptList(reader, "Which address class should the wallet use?",
		classes, defaultClass)
}

// UseAccountKey prompts the user whether the wallet should be created from
// an existing account extended public key instead of a seed.
func UseAccountKey(reader *bufio.Reader) (bool, error) {
	return promptListBool(reader, "Do you have an existing account "+
		"extended public key you want to watch?", "no")
}

// AccountKey prompts the user for an account extended public key.
func AccountKey(reader *bufio.Reader) (string, error) {
	for {
		fmt.Print("Enter the account extended public key: ")
		keyString, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}

		keyString = strings.TrimSpace(keyString)
		if keyString == "" {
			continue
		}

		return keyString, nil
	}
}

// ServerAddress prompts the user for the Electrum server the wallet
// synchronizes against.  An empty response selects the default.
func ServerAddress(reader *bufio.Reader, defaultServer string) (string, error) {
	fmt.Printf("Enter the Electrum server to connect to [%s]: ",
		defaultServer)
	reply, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = defaultServer
	}
	return reply, nil
}

// Seed prompts the user whether they want to use an existing wallet
// generation seed.  When the user answers no, a new BIP0039 mnemonic will be
// generated and displayed to the user along with prompting them for
// confirmation.  When the user answers yes, the user is prompted for it.
// All prompts are repeated until the user enters a valid response.
func Seed(reader *bufio.Reader) (string, error) {
	// Ascertain the wallet generation seed.
	useUserSeed, err := promptListBool(reader, "Do you have an "+
		"existing wallet seed you want to use?", "no")
	if err != nil {
		return "", err
	}
	if !useUserSeed {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return "", err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return "", err
		}

		fmt.Println("Your wallet generation seed is:")
		for i, word := range strings.Fields(mnemonic) {
			fmt.Printf("%v ", word)

			if (i+1)%6 == 0 {
				fmt.Printf("\n")
			}
		}

		fmt.Println("\nIMPORTANT: Keep the seed in a safe place as you\n" +
			"will NOT be able to restore your wallet without it.")
		fmt.Println("Please keep in mind that anyone who has access\n" +
			"to the seed can also restore your wallet thereby\n" +
			"giving them access to all your funds, so it is\n" +
			"imperative that you keep it in a secure location.")

		for {
			fmt.Print(`Once you have stored the seed in a safe ` +
				`and secure location, enter "OK" to continue: `)
			confirmSeed, err := reader.ReadString('\n')
			if err != nil {
				return "", err
			}
			confirmSeed = strings.TrimSpace(confirmSeed)
			confirmSeed = strings.Trim(confirmSeed, `"`)
			if confirmSeed == "OK" {
				break
			}
		}

		return mnemonic, nil
	}

	for {
		fmt.Print("Enter existing wallet seed " +
			"(followed by a blank line): ")

		// Use scanner instead of bufio.Reader so we can choose a
		// more complicated ending condition than a single newline.
		var seedStr string
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				break
			}
			seedStr += " " + line
		}
		mnemonic := collapseSpace(strings.TrimSpace(seedStr))

		if !bip39.IsMnemonicValid(mnemonic) {
			fmt.Println("Invalid seed specified.  Must be a " +
				"BIP0039 mnemonic, usually 12 or 24 words")
			continue
		}

		return mnemonic, nil
	}
}

// Passphrase prompts the user for the optional BIP0039 passphrase that
// extends the wallet seed.  An empty passphrase is returned when the user
// declines.
func Passphrase(reader *bufio.Reader) ([]byte, error) {
	usePass, err := promptListBool(reader, "Do you want to use a "+
		"passphrase with this seed?", "no")
	if err != nil {
		return nil, err
	}
	if !usePass {
		return nil, nil
	}

	return PassPrompt(reader, "Enter the seed passphrase", true)
}

// collapseSpace takes a string and replaces any repeated areas of whitespace
// with a single space character.
func collapseSpace(in string) string {
	whiteSpace := false
	out := ""
	for _, c := range in {
		if unicode.IsSpace(c) {
			if !whiteSpace {
				out = out + " "
			}
			whiteSpace = true
		} else {
			out = out + string(c)
			whiteSpace = false
		}
	}
	return out
}
